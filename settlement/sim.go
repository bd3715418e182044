package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SimConfig shapes the simulated registry chain.
type SimConfig struct {
	ChainID          uint64        `long:"sim-chain-id" description:"Chain id of the simulated registry chain"`
	CanonicalChainID uint64        `long:"sim-canonical-chain-id" description:"Chain id treated as canonical"`
	GracePeriod      uint64        `long:"sim-grace-period" description:"Blocks between acknowledgement and window start"`
	Window           uint64        `long:"sim-window" description:"Registration window length in blocks"`
	BlockTime        time.Duration `long:"sim-block-time" description:"Block production cadence of Run"`
	DeadlineTTL      time.Duration `long:"sim-deadline-ttl" description:"Validity of a freshly issued signing deadline"`
	CanonicalDelay   time.Duration `long:"sim-canonical-delay" description:"Lag before a claim is visible on the canonical chain"`
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		ChainID:          1337,
		CanonicalChainID: 1337,
		GracePeriod:      4,
		Window:           16,
		BlockTime:        time.Second,
		DeadlineTTL:      5 * time.Minute,
	}
}

type simAck struct {
	block uint64
	at    time.Time
	tx    common.Hash
}

type simTx struct {
	includedAt      uint64
	bridgeMessageID string
}

// Sim is an in-memory settlement registry with real window arithmetic and
// signature checks. It backs the rehearsal harness and the end-to-end tests;
// a production deployment substitutes a client for the deployed contract.
type Sim struct {
	cfg SimConfig

	mu         sync.Mutex
	height     uint64
	nonces     map[common.Address]uint64
	acks       map[common.Address]simAck
	txs        map[common.Hash]simTx
	registered map[common.Hash]time.Time
}

var (
	_ Registry        = (*Sim)(nil)
	_ CanonicalReader = (*Sim)(nil)
)

func NewSim(cfg SimConfig) *Sim {
	return &Sim{
		cfg:        cfg,
		height:     1,
		nonces:     make(map[common.Address]uint64),
		acks:       make(map[common.Address]simAck),
		txs:        make(map[common.Hash]simTx),
		registered: make(map[common.Hash]time.Time),
	}
}

// Run produces blocks at the configured cadence until the context ends.
func (s *Sim) Run(ctx context.Context) error {
	if s.cfg.BlockTime <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.BlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.AdvanceBlocks(1)
		}
	}
}

// AdvanceBlocks moves the chain head forward. Tests drive the clock with it.
func (s *Sim) AdvanceBlocks(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
}

func (s *Sim) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

func (s *Sim) ChainID() uint64 { return s.cfg.ChainID }

func (s *Sim) Nonces(_ context.Context, address common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[address], nil
}

func (s *Sim) Deadlines(_ context.Context, address common.Address) (*Deadlines, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &Deadlines{CurrentBlock: s.height}
	ack, ok := s.acks[address]
	if !ok {
		return d, nil
	}
	d.StartBlock = ack.block + s.cfg.GracePeriod
	d.ExpiryBlock = d.StartBlock + s.cfg.Window
	d.GraceStartsAt = ack.at
	d.IsExpired = s.height >= d.ExpiryBlock
	if !d.IsExpired {
		blockTime := s.cfg.BlockTime
		if blockTime <= 0 {
			blockTime = time.Second
		}
		d.TimeLeft = time.Duration(d.ExpiryBlock-s.height) * blockTime
	}
	return d, nil
}

func (s *Sim) HashStruct(_ context.Context, phase Phase, owner, forwarder common.Address, nonce uint64, batchRoot *common.Hash) (common.Hash, uint64, error) {
	deadline := uint64(time.Now().Add(s.cfg.DeadlineTTL).Unix())
	return s.digest(phase, owner, forwarder, nonce, deadline, batchRoot), deadline, nil
}

func (s *Sim) digest(phase Phase, owner, forwarder common.Address, nonce, deadline uint64, batchRoot *common.Hash) common.Hash {
	parts := [][]byte{
		[]byte(phase.String()),
		owner[:],
		forwarder[:],
		beUint64(nonce),
		beUint64(deadline),
		beUint64(s.cfg.ChainID),
	}
	if batchRoot != nil {
		parts = append(parts, batchRoot[:])
	}
	return crypto.Keccak256Hash(parts...)
}

func (s *Sim) SubmitAcknowledgement(_ context.Context, p SubmitParams) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSignature(PhaseAcknowledgement, p); err != nil {
		return common.Hash{}, err
	}
	s.nonces[p.Owner]++
	tx := s.mineTx("acknowledgement", p.Owner, "")
	s.acks[p.Owner] = simAck{block: s.height, at: time.Now(), tx: tx}
	return tx, nil
}

func (s *Sim) SubmitRegistration(_ context.Context, p SubmitParams) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSignature(PhaseRegistration, p); err != nil {
		return common.Hash{}, err
	}
	ack, ok := s.acks[p.Owner]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: no acknowledgement on record", ErrRejected)
	}
	start := ack.block + s.cfg.GracePeriod
	expiry := start + s.cfg.Window
	if s.height < start {
		return common.Hash{}, fmt.Errorf("%w: window opens at block %d, current %d", ErrRejected, start, s.height)
	}
	if s.height >= expiry {
		return common.Hash{}, fmt.Errorf("%w: window expired at block %d, current %d", ErrRejected, expiry, s.height)
	}

	s.nonces[p.Owner]++
	var messageID string
	if s.cfg.ChainID != s.cfg.CanonicalChainID {
		messageID = uuid.NewString()
	}
	tx := s.mineTx("registration", p.Owner, messageID)

	content := ack.tx
	if p.BatchRoot != nil {
		content = *p.BatchRoot
	}
	s.registered[ClaimID(content, p.Owner, s.cfg.ChainID)] = time.Now()
	return tx, nil
}

// checkSignature recovers the signer over the digest the contract expects
// for the address's current nonce. Caller holds the lock.
func (s *Sim) checkSignature(phase Phase, p SubmitParams) error {
	if uint64(time.Now().Unix()) > p.Deadline {
		return fmt.Errorf("%w: deadline %d", ErrStaleDeadline, p.Deadline)
	}
	digest := s.digest(phase, p.Owner, p.Forwarder, s.nonces[p.Owner], p.Deadline, p.BatchRoot)

	sig := make([]byte, 65)
	copy(sig[:32], p.R[:])
	copy(sig[32:64], p.S[:])
	v := p.V
	if v >= 27 {
		v -= 27
	}
	sig[64] = v

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: unrecoverable signature: %v", ErrRejected, err)
	}
	if crypto.PubkeyToAddress(*pub) != p.Owner {
		return fmt.Errorf("%w: signer is not the owner", ErrRejected)
	}
	return nil
}

// mineTx includes a write in the next block. Caller holds the lock.
func (s *Sim) mineTx(kind string, owner common.Address, messageID string) common.Hash {
	tx := crypto.Keccak256Hash([]byte(kind), owner[:], beUint64(s.nonces[owner]), beUint64(s.height))
	s.txs[tx] = simTx{includedAt: s.height + 1, bridgeMessageID: messageID}
	return tx
}

func (s *Sim) WaitConfirmed(ctx context.Context, tx common.Hash) (*Confirmation, error) {
	for {
		s.mu.Lock()
		st, ok := s.txs[tx]
		height := s.height
		s.mu.Unlock()

		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTx, tx)
		}
		if height >= st.includedAt {
			return &Confirmation{
				TxHash:          tx,
				ChainID:         s.cfg.ChainID,
				BlockNumber:     st.includedAt,
				BridgeMessageID: st.bridgeMessageID,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Sim) IsRegistered(_ context.Context, claimID common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.registered[claimID]
	if !ok {
		return false, nil
	}
	return time.Since(at) >= s.cfg.CanonicalDelay, nil
}
