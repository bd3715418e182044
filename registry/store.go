package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/wardenwallet/warden/settlement"
)

var ErrNotFound = leveldb.ErrNotFound

// SignatureRecord is one signed settlement authorization. Exactly one record
// exists per (address, chain, phase); storing again overwrites.
type SignatureRecord struct {
	Address         common.Address   `json:"address"`
	ChainID         uint64           `json:"chainId"`
	Phase           settlement.Phase `json:"phase"`
	Signature       hexutil.Bytes    `json:"signature"`
	Nonce           uint64           `json:"nonce"`
	Deadline        uint64           `json:"deadline"`
	BatchRoot       *common.Hash     `json:"batchRoot,omitempty"`
	ReportedChainID uint64           `json:"reportedChainId"`
	IncidentAt      *time.Time       `json:"incidentAt,omitempty"`
	StoredAt        time.Time        `json:"storedAt"`
}

// RegistrationRecord tracks the confirmed transactions of both phases for
// one registeree. Unverified marks a registration whose cross-chain claim
// was not confirmed within the polling budget.
type RegistrationRecord struct {
	AcknowledgementHash    common.Hash `json:"acknowledgementHash"`
	AcknowledgementChainID uint64      `json:"acknowledgementChainId"`
	RegistrationHash       common.Hash `json:"registrationHash"`
	RegistrationChainID    uint64      `json:"registrationChainId"`
	BridgeMessageID        string      `json:"bridgeMessageId,omitempty"`
	Unverified             bool        `json:"unverified,omitempty"`
}

// Store persists signature and registration records across restarts.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens or creates the record database at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening record database at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// NewMemStore backs the store with transient memory, for tests and the
// rehearsal harness.
func NewMemStore() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory record database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func signatureKey(address common.Address, chainID uint64, phase settlement.Phase) []byte {
	return []byte(fmt.Sprintf("sig/%s/%d/%s", address.Hex(), chainID, phase))
}

func recordKey(address common.Address) []byte {
	return []byte("rec/" + address.Hex())
}

// PutSignature stores rec, replacing any previous signature for the same
// address, chain and phase.
func (s *Store) PutSignature(rec SignatureRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing signature record: %w", err)
	}
	key := signatureKey(rec.Address, rec.ChainID, rec.Phase)
	if err := s.db.Put(key, data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing signature record: %w", err)
	}
	return nil
}

// Signature loads the stored signature for (address, chain, phase).
func (s *Store) Signature(address common.Address, chainID uint64, phase settlement.Phase) (*SignatureRecord, error) {
	data, err := s.db.Get(signatureKey(address, chainID, phase), nil)
	if err != nil {
		return nil, fmt.Errorf("loading %s signature for %s: %w", phase, address.Hex(), err)
	}
	rec := &SignatureRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("deserializing signature record: %w", err)
	}
	return rec, nil
}

// DeleteSignatures wipes both phase signatures for (address, chain).
func (s *Store) DeleteSignatures(address common.Address, chainID uint64) error {
	batch := new(leveldb.Batch)
	batch.Delete(signatureKey(address, chainID, settlement.PhaseAcknowledgement))
	batch.Delete(signatureKey(address, chainID, settlement.PhaseRegistration))
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("wiping signatures for %s: %w", address.Hex(), err)
	}
	return nil
}

// PutRecord stores the registration record for address.
func (s *Store) PutRecord(address common.Address, rec RegistrationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing registration record: %w", err)
	}
	if err := s.db.Put(recordKey(address), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing registration record: %w", err)
	}
	return nil
}

// Record loads the registration record for address.
func (s *Store) Record(address common.Address) (*RegistrationRecord, error) {
	data, err := s.db.Get(recordKey(address), nil)
	if err != nil {
		return nil, fmt.Errorf("loading registration record for %s: %w", address.Hex(), err)
	}
	rec := &RegistrationRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("deserializing registration record: %w", err)
	}
	return rec, nil
}

// DeleteRecord removes the registration record for address.
func (s *Store) DeleteRecord(address common.Address) error {
	if err := s.db.Delete(recordKey(address), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("deleting registration record for %s: %w", address.Hex(), err)
	}
	return nil
}
