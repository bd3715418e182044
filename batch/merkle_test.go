package batch_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/wardenwallet/warden/batch"
)

func leaf(b byte, chainID uint64) batch.Leaf {
	var h common.Hash
	for i := range h {
		h[i] = b
	}
	return batch.Leaf{TxHash: h, ChainID: chainID}
}

func leaves(n int) []batch.Leaf {
	out := make([]batch.Leaf, n)
	for i := range out {
		out[i] = leaf(byte(i+1), 5)
	}
	return out
}

func sortedPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

func TestProofRoundTrip(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 9; n++ {
		n := n
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			t.Parallel()
			req := require.New(t)

			tree, err := batch.Build(leaves(n))
			req.NoError(err)
			req.Equal(n, tree.Len())

			for i, l := range tree.OrderedLeaves() {
				proof, err := tree.ProofOf(i)
				req.NoError(err)
				req.True(batch.Verify(tree.Root(), l, proof), "leaf %d does not verify", i)
			}

			// A leaf outside the batch must not verify with any proof.
			proof, err := tree.ProofOf(0)
			req.NoError(err)
			req.False(batch.Verify(tree.Root(), leaf(0xee, 5), proof))
		})
	}
}

func TestRootInvariantUnderPermutation(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	a, b := leaf(1, 1), leaf(2, 137)
	t1, err := batch.Build([]batch.Leaf{a, b})
	req.NoError(err)
	t2, err := batch.Build([]batch.Leaf{b, a})
	req.NoError(err)
	req.Equal(t1.Root(), t2.Root())

	forward := leaves(7)
	reversed := make([]batch.Leaf, len(forward))
	for i, l := range forward {
		reversed[len(forward)-1-i] = l
	}
	t3, err := batch.Build(forward)
	req.NoError(err)
	t4, err := batch.Build(reversed)
	req.NoError(err)
	req.Equal(t3.Root(), t4.Root())
}

func TestOddLeafIsPromotedNotDuplicated(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	tree, err := batch.Build(leaves(3))
	req.NoError(err)

	ordered := tree.OrderedLeaves()
	h := make([]common.Hash, 3)
	for i, l := range ordered {
		h[i] = l.Hash()
	}

	// First level pairs the first two hashes and promotes the third.
	promoted := sortedPair(sortedPair(h[0], h[1]), h[2])
	req.Equal(promoted, tree.Root())

	duplicated := sortedPair(sortedPair(h[0], h[1]), sortedPair(h[2], h[2]))
	req.NotEqual(duplicated, tree.Root())

	// The promoted leaf's proof skips the level it rode through.
	proof0, err := tree.ProofOf(0)
	req.NoError(err)
	req.Len(proof0, 2)
	proof2, err := tree.ProofOf(2)
	req.NoError(err)
	req.Len(proof2, 1)
}

func TestEmptyBatch(t *testing.T) {
	t.Parallel()

	_, err := batch.Build(nil)
	require.ErrorIs(t, err, batch.ErrEmptyBatch)
}

func TestSingleLeaf(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	l := leaf(7, 5)
	tree, err := batch.Build([]batch.Leaf{l})
	req.NoError(err)
	req.Equal(l.Hash(), tree.Root())

	proof, err := tree.ProofOf(0)
	req.NoError(err)
	req.Empty(proof)
	req.True(batch.Verify(tree.Root(), l, proof))
}

func TestProofByTx(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	ls := leaves(5)
	tree, err := batch.Build(ls)
	req.NoError(err)

	for i, l := range tree.OrderedLeaves() {
		byTx, ok := tree.ProofByTx(l.TxHash, l.ChainID)
		req.True(ok)
		byIndex, err := tree.ProofOf(i)
		req.NoError(err)
		req.Equal(byIndex, byTx)
	}

	_, ok := tree.ProofByTx(leaf(0xee, 5).TxHash, 5)
	req.False(ok)

	// Same transaction hash on a different chain is a different leaf.
	_, ok = tree.ProofByTx(ls[0].TxHash, 1)
	req.False(ok)
}

func TestProofOfRange(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	tree, err := batch.Build(leaves(2))
	req.NoError(err)

	_, err = tree.ProofOf(-1)
	req.Error(err)
	_, err = tree.ProofOf(2)
	req.Error(err)
}

func TestChainIDNamespacing(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	req.Equal("eip155:1", batch.NamespacedChainID(1))
	req.Equal("eip155:42161", batch.NamespacedChainID(42161))

	same := leaf(9, 1)
	other := batch.Leaf{TxHash: same.TxHash, ChainID: 10}
	req.NotEqual(same.Hash(), other.Hash())
}

func TestZip(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	hs := []common.Hash{leaf(1, 0).TxHash, leaf(2, 0).TxHash}
	zipped, err := batch.Zip(hs, []uint64{1, 137})
	req.NoError(err)
	req.Equal([]batch.Leaf{{TxHash: hs[0], ChainID: 1}, {TxHash: hs[1], ChainID: 137}}, zipped)

	_, err = batch.Zip(hs, []uint64{1})
	req.ErrorIs(err, batch.ErrLengthMismatch)
}
