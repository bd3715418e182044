// Package settlement defines the surface of the on-chain registry this
// coordination layer drives. The contract ABI stays opaque: callers pass
// parameters through and receive transaction identifiers back.
package settlement

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/wardenwallet/warden/batch"
)

//go:generate mockgen -package mocks -destination mocks/settlement.go . Registry,CanonicalReader,Signer

var (
	// ErrStaleDeadline reports a signature whose deadline the contract no
	// longer accepts, despite the refetch right before signing.
	ErrStaleDeadline = errors.New("deadline already passed")
	// ErrRejected reports any other contract-side rejection of a write.
	ErrRejected = errors.New("submission rejected")
	// ErrUnknownTx is returned when waiting on a transaction the chain has
	// never seen.
	ErrUnknownTx = errors.New("unknown transaction")
)

// Phase distinguishes the two commits of a registration.
type Phase uint8

const (
	PhaseAcknowledgement Phase = iota
	PhaseRegistration
)

func (p Phase) String() string {
	switch p {
	case PhaseAcknowledgement:
		return "acknowledgement"
	case PhaseRegistration:
		return "registration"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Deadlines is the per-address window state read from the registry. Window
// boundaries are never computed locally; block-time drift would desync the
// two parties.
type Deadlines struct {
	CurrentBlock  uint64
	StartBlock    uint64
	ExpiryBlock   uint64
	GraceStartsAt time.Time
	TimeLeft      time.Duration
	IsExpired     bool
}

// WindowOpen reports whether the registration window has started.
func (d *Deadlines) WindowOpen() bool {
	return d.StartBlock > 0 && d.CurrentBlock >= d.StartBlock
}

// SubmitParams carries one write call's parameters plus the split signature.
type SubmitParams struct {
	Owner     common.Address
	Forwarder common.Address
	Deadline  uint64
	BatchRoot *common.Hash

	V uint8
	R [32]byte
	S [32]byte
}

// Confirmation describes a mined write.
type Confirmation struct {
	TxHash      common.Hash
	ChainID     uint64
	BlockNumber uint64
	// BridgeMessageID is set when the write settles onto the canonical
	// chain through a bridge.
	BridgeMessageID string
}

// Registry is the settlement contract collaborator.
type Registry interface {
	// ChainID identifies the chain this registry instance writes to.
	ChainID() uint64
	// Nonces returns the address's current signing nonce.
	Nonces(ctx context.Context, address common.Address) (uint64, error)
	// Deadlines returns the address's grace/registration window state.
	Deadlines(ctx context.Context, address common.Address) (*Deadlines, error)
	// HashStruct returns the digest to sign for the given phase together
	// with the deadline baked into it.
	HashStruct(ctx context.Context, phase Phase, owner, forwarder common.Address, nonce uint64, batchRoot *common.Hash) (common.Hash, uint64, error)
	// SubmitAcknowledgement records intent to register and opens the grace
	// period.
	SubmitAcknowledgement(ctx context.Context, params SubmitParams) (common.Hash, error)
	// SubmitRegistration finalizes the claim inside the open window.
	SubmitRegistration(ctx context.Context, params SubmitParams) (common.Hash, error)
	// WaitConfirmed blocks until the transaction is mined.
	WaitConfirmed(ctx context.Context, tx common.Hash) (*Confirmation, error)
}

// CanonicalReader answers whether a claim has settled on the canonical
// chain. This is the only read the confirmation poller performs.
type CanonicalReader interface {
	IsRegistered(ctx context.Context, claimID common.Hash) (bool, error)
}

// Signer produces a signature over a settlement digest. Key custody is
// external; the coordination layer only sees digests and signature bytes.
type Signer interface {
	Address() common.Address
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
}

// SplitSignature splits a 65-byte r ‖ s ‖ v signature into the form the
// registry's write functions take. A recovery id below 27 is normalized up.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// ClaimID derives the identifier under which a registration is tracked on
// the canonical chain: keccak256(contentHash ‖ reporter ‖ namespacedChainId).
// Both parties and the canonical chain derive it independently, so it must
// stay deterministic.
func ClaimID(contentHash common.Hash, reporter common.Address, chainID uint64) common.Hash {
	return crypto.Keccak256Hash(contentHash[:], reporter[:], []byte(batch.NamespacedChainID(chainID)))
}

func beUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
