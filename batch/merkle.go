// Package batch builds the merkle commitment signed over when several
// transactions are registered together.
//
// Leaves are (txHash, chainId) pairs. Pair hashes sort their operands
// byte-wise so a proof verifies regardless of sibling order, and an odd node
// at any level is promoted unchanged rather than duplicated, so no leaf can
// be made to appear twice under the same root.
package batch

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrEmptyBatch rejects building a tree over nothing: a proof of
	// nothing is unsound, so the zero-leaf case is an explicit error.
	ErrEmptyBatch = errors.New("batch has no leaves")
	// ErrLengthMismatch reports unpaired hash/chain id lists, caught before
	// any network or contract call.
	ErrLengthMismatch = errors.New("hash and chain id counts differ")
)

// NamespacedChainID normalizes a numeric chain id to its namespaced form, so
// leaves from different chains cannot collide on the bare integer.
func NamespacedChainID(chainID uint64) string {
	return fmt.Sprintf("eip155:%d", chainID)
}

// Leaf is one transaction in a batch. Immutable merkle input.
type Leaf struct {
	TxHash  common.Hash
	ChainID uint64
}

// Hash returns keccak256(txHash ‖ namespacedChainId).
func (l Leaf) Hash() common.Hash {
	return crypto.Keccak256Hash(l.TxHash[:], []byte(NamespacedChainID(l.ChainID)))
}

// Zip pairs parallel hash and chain id lists into leaves.
func Zip(txHashes []common.Hash, chainIDs []uint64) ([]Leaf, error) {
	if len(txHashes) != len(chainIDs) {
		return nil, fmt.Errorf("%w: %d hashes, %d chain ids", ErrLengthMismatch, len(txHashes), len(chainIDs))
	}
	leaves := make([]Leaf, len(txHashes))
	for i := range txHashes {
		leaves[i] = Leaf{TxHash: txHashes[i], ChainID: chainIDs[i]}
	}
	return leaves, nil
}

// Tree is an immutable merkle tree over a batch. levels[0] holds the leaf
// hashes in canonical order; the last level holds only the root.
type Tree struct {
	leaves []Leaf
	levels [][]common.Hash
}

// Build constructs the tree. Leaves are canonically ordered by their hash
// before pairing, so identical leaf multisets yield the same root in any
// input order.
func Build(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}

	ordered := make([]Leaf, len(leaves))
	copy(ordered, leaves)
	hashes := make(map[Leaf]common.Hash, len(ordered))
	for _, l := range ordered {
		hashes[l] = l.Hash()
	}
	sort.Slice(ordered, func(i, j int) bool {
		hi, hj := hashes[ordered[i]], hashes[ordered[j]]
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	level := make([]common.Hash, len(ordered))
	for i, l := range ordered {
		level[i] = hashes[l]
	}
	levels := [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			// Odd node rides up unchanged.
			next = append(next, level[len(level)-1])
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{leaves: ordered, levels: levels}, nil
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// OrderedLeaves returns the leaves in canonical order; ProofOf indexes into
// this order.
func (t *Tree) OrderedLeaves() []Leaf {
	out := make([]Leaf, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// ProofOf returns the sibling path for the i-th canonical leaf. A promoted
// node contributes no sibling at the level it skips.
func (t *Tree) ProofOf(index int) ([]common.Hash, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(t.leaves))
	}
	proof := []common.Hash{}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		if sibling := pos ^ 1; sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}

// ProofByTx recomputes the leaf hash and locates it by scan (batches are
// small). The second return is false when the transaction is not in the
// batch.
func (t *Tree) ProofByTx(txHash common.Hash, chainID uint64) ([]common.Hash, bool) {
	target := Leaf{TxHash: txHash, ChainID: chainID}.Hash()
	for i := range t.levels[0] {
		if t.levels[0][i] == target {
			proof, err := t.ProofOf(i)
			if err != nil {
				return nil, false
			}
			return proof, true
		}
	}
	return nil, false
}

// Verify folds the proof's sorted pair-hashes from the leaf up and compares
// the result to root. Sibling order in the proof does not matter.
func Verify(root common.Hash, leaf Leaf, proof []common.Hash) bool {
	acc := leaf.Hash()
	for _, sibling := range proof {
		acc = hashPair(acc, sibling)
	}
	return acc == root
}
