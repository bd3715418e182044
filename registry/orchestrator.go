// Package registry drives the two-phase wallet registration flow against the
// settlement contract: acknowledgement, grace period, registration. One
// orchestrator instance exists per role. The registeree signs authorizations
// and either submits them itself or relays them to the partner; the relayer
// submits on the counterpart's behalf and relays the confirmed transaction
// hash back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wardenwallet/warden/batch"
	"github.com/wardenwallet/warden/bridge"
	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/settlement"
	"github.com/wardenwallet/warden/wire"
)

var (
	// ErrWindowExpired reports that the registration window closed before the
	// registration was signed. The flow restarts from the acknowledgement.
	ErrWindowExpired = errors.New("registration window expired")
	// ErrSubmission reports a settlement write that was rejected for a reason
	// other than a stale deadline. The stored signature survives.
	ErrSubmission = errors.New("settlement submission rejected")

	errNotRunning = errors.New("orchestrator is not running")

	stepMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "registry",
		Name:      "step_transitions_total",
		Help:      "Number of times each step was entered.",
	}, []string{"to"})

	submissionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "registry",
		Name:      "submissions_total",
		Help:      "Settlement write attempts by phase and outcome.",
	}, []string{"phase", "result"})
)

// Role distinguishes the two sides of a registration session.
type Role uint8

const (
	RoleRegisteree Role = iota
	RoleRelayer
)

func (r Role) String() string {
	switch r {
	case RoleRegisteree:
		return "registeree"
	case RoleRelayer:
		return "relayer"
	default:
		return "unknown"
	}
}

// UnmarshalFlag implements flags.Unmarshaler.
func (r *Role) UnmarshalFlag(value string) error {
	switch value {
	case "registeree":
		*r = RoleRegisteree
	case "relayer":
		*r = RoleRelayer
	default:
		return fmt.Errorf("unknown role %q (want registeree or relayer)", value)
	}
	return nil
}

// Mode selects how the registeree's signatures reach the settlement chain.
type Mode uint8

const (
	// ModeDirect submits signed authorizations from this process.
	ModeDirect Mode = iota
	// ModeRelayed hands them to the partner, which submits and relays the
	// transaction hash back.
	ModeRelayed
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// UnmarshalFlag implements flags.Unmarshaler.
func (m *Mode) UnmarshalFlag(value string) error {
	switch value {
	case "direct":
		*m = ModeDirect
	case "relayed":
		*m = ModeRelayed
	default:
		return fmt.Errorf("unknown mode %q (want direct or relayed)", value)
	}
	return nil
}

// Config tunes the orchestrator.
type Config struct {
	CanonicalChainID   uint64        `long:"canonical-chain-id" description:"Chain id of the canonical settlement chain"`
	GraceWatchInterval time.Duration `long:"grace-watch-interval" description:"Cadence of settlement deadline checks during the grace period"`
	SigningAttempts    int           `long:"signing-attempts" description:"Times a phase is re-signed after a stale deadline before failing"`

	Retry  session.RetryConfig
	Bridge bridge.Config
}

func DefaultConfig() Config {
	return Config{
		CanonicalChainID:   1,
		GraceWatchInterval: 5 * time.Second,
		SigningAttempts:    3,
		Retry:              session.DefaultRetryConfig(),
		Bridge:             bridge.DefaultConfig(),
	}
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("canonical-chain-id", c.CanonicalChainID)
	enc.AddDuration("grace-watch-interval", c.GraceWatchInterval)
	enc.AddInt("signing-attempts", c.SigningAttempts)

	return nil
}

// Orchestrator owns the step machine of one registration flow.
type Orchestrator struct {
	cfg       Config
	role      Role
	mode      Mode
	sess      *session.Session
	chain     settlement.Registry
	signer    settlement.Signer
	canonical bridge.Reader
	store     *Store

	steps chan StepChange
	wg    sync.WaitGroup

	mu        sync.Mutex
	runCtx    context.Context
	step      Step
	form      *wire.RegisterForm
	tree      *batch.Tree
	relay     *session.ReliableSender
	cancels   []context.CancelFunc
	completed bool
	resigns   int
}

// New builds an orchestrator. canonical may be nil when registrations settle
// on the canonical chain directly.
func New(
	cfg Config,
	role Role,
	mode Mode,
	sess *session.Session,
	chain settlement.Registry,
	signer settlement.Signer,
	canonical bridge.Reader,
	store *Store,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		role:      role,
		mode:      mode,
		sess:      sess,
		chain:     chain,
		signer:    signer,
		canonical: canonical,
		store:     store,
		steps:     make(chan StepChange, 32),
		step:      StepFormEntry,
	}
}

// Run keeps the orchestrator's background work alive until ctx is cancelled.
// Begin and the message handlers require a running orchestrator.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("orchestrator").With(zap.Stringer("role", o.role))
	ctx = logging.NewContext(ctx, logger)

	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	<-ctx.Done()
	o.stopWork()
	o.wg.Wait()

	o.mu.Lock()
	o.runCtx = nil
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) Step() Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// Running reports whether Run was entered. Begin and the message handlers
// spawn background work and need a running orchestrator.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runCtx != nil
}

// StepChanges delivers every step transition in order.
func (o *Orchestrator) StepChanges() <-chan StepChange {
	return o.steps
}

// Record returns the stored registration record for the current registeree.
func (o *Orchestrator) Record() (*RegistrationRecord, error) {
	return o.store.Record(o.ownerAddress())
}

// SetBatch fixes the transaction batch covered by the registration
// signature. The merkle root of the batch becomes the registration's content
// hash. Call before the grace period ends.
func (o *Orchestrator) SetBatch(txHashes []common.Hash, chainIDs []uint64) error {
	leaves, err := batch.Zip(txHashes, chainIDs)
	if err != nil {
		return err
	}
	tree, err := batch.Build(leaves)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.tree = tree
	o.mu.Unlock()
	return nil
}

// ResendRelay retries the active transaction hash relay immediately,
// cancelling its pending backoff timer.
func (o *Orchestrator) ResendRelay() {
	o.mu.Lock()
	relay := o.relay
	o.mu.Unlock()
	if relay != nil {
		relay.Resend()
	}
}

// Reset abandons the flow: background watchers stop, stored signatures and
// the registration record are wiped and the step returns to FormEntry.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.stopWork()

	owner := o.ownerAddress()
	o.mu.Lock()
	o.form = nil
	o.tree = nil
	o.completed = false
	o.resigns = 0
	o.mu.Unlock()

	if owner != (common.Address{}) {
		if err := o.store.DeleteSignatures(owner, o.chain.ChainID()); err != nil {
			return err
		}
		if err := o.store.DeleteRecord(owner); err != nil {
			return err
		}
	}
	return o.transition(ctx, StepFormEntry)
}

func (o *Orchestrator) transition(ctx context.Context, to Step) error {
	o.mu.Lock()
	from := o.step
	if !canTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	o.step = to
	o.mu.Unlock()

	stepMetric.WithLabelValues(to.String()).Inc()
	logging.FromContext(ctx).Info("step changed", zap.Stringer("from", from), zap.Stringer("to", to))
	select {
	case o.steps <- StepChange{From: from, To: to}:
	default:
		logging.FromContext(ctx).Warn("dropping step change notification",
			zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return nil
}

// spawn runs fn for the orchestrator's remaining lifetime, tracked so Reset
// and shutdown can stop it.
func (o *Orchestrator) spawn(name string, fn func(ctx context.Context)) error {
	o.mu.Lock()
	runCtx := o.runCtx
	if runCtx == nil {
		o.mu.Unlock()
		return errNotRunning
	}
	ctx, cancel := context.WithCancel(runCtx)
	o.cancels = append(o.cancels, cancel)
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		fn(logging.NewContext(ctx, logging.FromContext(ctx).Named(name)))
	}()
	return nil
}

func (o *Orchestrator) stopWork() {
	o.mu.Lock()
	cancels := o.cancels
	o.cancels = nil
	relay := o.relay
	o.relay = nil
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if relay != nil {
		relay.Stop()
	}
}

// startRelay hands payload to a reliable sender running on the orchestrator
// lifetime. A previous relay, if any, is stopped first.
func (o *Orchestrator) startRelay(ctx context.Context, payload wire.Payload) error {
	relay := session.NewReliableSender(o.sess, payload, o.cfg.Retry)

	o.mu.Lock()
	previous := o.relay
	o.relay = relay
	runCtx := o.runCtx
	o.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
	if runCtx == nil {
		return errNotRunning
	}

	relay.Start(runCtx)
	return o.spawn("relay-watch", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-relay.Done():
			if err := relay.Err(); err != nil {
				logging.FromContext(ctx).Error("transaction hash relay failed", zap.Error(err))
			}
		}
	})
}

func (o *Orchestrator) onConnect(ctx context.Context, _ *session.Session, payload wire.Payload) error {
	msg := payload.(*wire.Connect)
	logging.FromContext(ctx).Info("partner session established",
		zap.String("peer", msg.P2P.PeerID),
		zap.String("registeree", msg.Form.Registeree.Hex()),
		zap.Uint64("chain_id", msg.Form.ChainID))
	return nil
}

func (o *Orchestrator) ownerAddress() common.Address {
	o.mu.Lock()
	form := o.form
	o.mu.Unlock()
	if form != nil {
		return form.Registeree
	}
	if sessForm := o.sess.Form(); sessForm != nil {
		return sessForm.Registeree
	}
	return common.Address{}
}

// submit performs the settlement write of one phase.
func (o *Orchestrator) submit(ctx context.Context, phase settlement.Phase, rec *SignatureRecord, forwarder common.Address) (common.Hash, error) {
	v, r, s, err := settlement.SplitSignature(rec.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("splitting signature: %w", err)
	}
	params := settlement.SubmitParams{
		Owner:     rec.Address,
		Forwarder: forwarder,
		Deadline:  rec.Deadline,
		BatchRoot: rec.BatchRoot,
		V:         v,
		R:         r,
		S:         s,
	}
	if phase == settlement.PhaseAcknowledgement {
		return o.chain.SubmitAcknowledgement(ctx, params)
	}
	return o.chain.SubmitRegistration(ctx, params)
}

func phaseForKind(kind wire.Kind) settlement.Phase {
	switch kind {
	case wire.KindAckSig, wire.KindAckRec, wire.KindAckPay:
		return settlement.PhaseAcknowledgement
	default:
		return settlement.PhaseRegistration
	}
}

func signingStep(phase settlement.Phase) Step {
	if phase == settlement.PhaseAcknowledgement {
		return StepSigningAck
	}
	return StepSigningReg
}

func submittingStep(phase settlement.Phase) Step {
	if phase == settlement.PhaseAcknowledgement {
		return StepSubmittingAck
	}
	return StepSubmittingReg
}

func relayingStep(phase settlement.Phase) Step {
	if phase == settlement.PhaseAcknowledgement {
		return StepRelayingAck
	}
	return StepRelayingReg
}

func receiptPayload(phase settlement.Phase, success bool, message string) *wire.Receipt {
	if phase == settlement.PhaseAcknowledgement {
		return wire.AckReceipt(success, message)
	}
	return wire.RegReceipt(success, message)
}

func paymentPayload(phase settlement.Phase, conf *settlement.Confirmation) *wire.Payment {
	if phase == settlement.PhaseAcknowledgement {
		return wire.AckPayment(conf.TxHash, conf.ChainID, conf.BridgeMessageID)
	}
	return wire.RegPayment(conf.TxHash, conf.ChainID, conf.BridgeMessageID)
}
