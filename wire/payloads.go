package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignatureSize is the length of a serialized secp256k1 signature (r ‖ s ‖ v).
const SignatureSize = 65

// RegisterForm carries the address metadata both parties agree on before
// any signature is produced.
type RegisterForm struct {
	Registeree common.Address `json:"registeree"`
	Relayer    common.Address `json:"relayer"`
	ChainID    uint64         `json:"chainId"`
	IncidentAt *time.Time     `json:"incidentAt,omitempty"`
}

func (f *RegisterForm) Validate() error {
	if f.Registeree == (common.Address{}) {
		return errors.New("registeree address is required")
	}
	if f.ChainID == 0 {
		return errors.New("chain id is required")
	}
	return nil
}

// PeerInfo identifies the sending peer so the receiver can dial back.
type PeerInfo struct {
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs,omitempty"`
}

// Connect is the first message either role sends: it announces the form
// metadata and the sender's peer identity.
type Connect struct {
	Form RegisterForm `json:"form"`
	P2P  PeerInfo     `json:"p2p"`
}

func (c *Connect) Kind() Kind { return KindConnect }

func (c *Connect) Validate() error {
	if err := c.Form.Validate(); err != nil {
		return fmt.Errorf("form: %w", err)
	}
	if c.P2P.PeerID == "" {
		return errors.New("p2p: peer id is required")
	}
	return nil
}

// BatchFields accompanies a signature covering multiple transactions: the
// individual leaves and the merkle root signed over.
type BatchFields struct {
	TxHashes []common.Hash `json:"txHashes"`
	ChainIDs []uint64      `json:"chainIds"`
	Root     common.Hash   `json:"root"`
}

func (b *BatchFields) Validate() error {
	if len(b.TxHashes) == 0 {
		return errors.New("batch: no transaction hashes")
	}
	if len(b.TxHashes) != len(b.ChainIDs) {
		return fmt.Errorf("batch: %d hashes but %d chain ids", len(b.TxHashes), len(b.ChainIDs))
	}
	if b.Root == (common.Hash{}) {
		return errors.New("batch: root is required")
	}
	return nil
}

// Signature is a signed authorization over a settlement hash struct.
type Signature struct {
	Value    hexutil.Bytes  `json:"value"`
	Deadline uint64         `json:"deadline"`
	Nonce    uint64         `json:"nonce"`
	Address  common.Address `json:"address"`
	ChainID  uint64         `json:"chainId"`
	KeyRef   string         `json:"keyRef,omitempty"`
	Batch    *BatchFields   `json:"batch,omitempty"`
}

func (s *Signature) Validate() error {
	if len(s.Value) != SignatureSize {
		return fmt.Errorf("signature value must be %d bytes, got %d", SignatureSize, len(s.Value))
	}
	if s.Deadline == 0 {
		return errors.New("deadline is required")
	}
	if s.Address == (common.Address{}) {
		return errors.New("signer address is required")
	}
	if s.ChainID == 0 {
		return errors.New("chain id is required")
	}
	if s.Batch != nil {
		return s.Batch.Validate()
	}
	return nil
}

// SignedAuthorization is the payload of AckSig and RegSig: the registeree's
// signature handed to the relayer for submission.
type SignedAuthorization struct {
	kind      Kind
	Signature Signature `json:"signature"`
}

// AckSignature wraps a signature for the acknowledgement phase.
func AckSignature(sig Signature) *SignedAuthorization {
	return &SignedAuthorization{kind: KindAckSig, Signature: sig}
}

// RegSignature wraps a signature for the registration phase.
func RegSignature(sig Signature) *SignedAuthorization {
	return &SignedAuthorization{kind: KindRegSig, Signature: sig}
}

func (s *SignedAuthorization) Kind() Kind { return s.kind }

func (s *SignedAuthorization) Validate() error {
	return s.Signature.Validate()
}

// Receipt is the payload of AckRec and RegRec: the relayer confirming it
// received and stored the counterpart's signature. The registeree never
// advances on having sent a signature, only on its receipt.
type Receipt struct {
	kind    Kind
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func AckReceipt(success bool, message string) *Receipt {
	return &Receipt{kind: KindAckRec, Success: success, Message: message}
}

func RegReceipt(success bool, message string) *Receipt {
	return &Receipt{kind: KindRegRec, Success: success, Message: message}
}

func (r *Receipt) Kind() Kind { return r.kind }

func (r *Receipt) Validate() error {
	if !r.Success && r.Message == "" {
		return errors.New("failed receipt must carry a message")
	}
	return nil
}

// Payment is the payload of AckPay and RegPay: the confirmed transaction
// hash relayed back to the registeree, optionally with the bridge message id
// when the submission chain is not the canonical chain.
type Payment struct {
	kind      Kind
	Hash      common.Hash `json:"hash"`
	TxChainID uint64      `json:"txChainId"`
	MessageID string      `json:"messageId,omitempty"`
}

func AckPayment(hash common.Hash, txChainID uint64, messageID string) *Payment {
	return &Payment{kind: KindAckPay, Hash: hash, TxChainID: txChainID, MessageID: messageID}
}

func RegPayment(hash common.Hash, txChainID uint64, messageID string) *Payment {
	return &Payment{kind: KindRegPay, Hash: hash, TxChainID: txChainID, MessageID: messageID}
}

func (p *Payment) Kind() Kind { return p.kind }

func (p *Payment) Validate() error {
	if p.Hash == (common.Hash{}) {
		return errors.New("transaction hash is required")
	}
	if p.TxChainID == 0 {
		return errors.New("transaction chain id is required")
	}
	return nil
}
