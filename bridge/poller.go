// Package bridge watches a canonical settlement chain for the arrival of a
// cross-chain registration claim. Registrations submitted on a non-canonical
// chain travel through a messaging bridge and settle on the canonical chain
// some time later; the poller repeatedly evaluates the on-chain predicate for
// a single claim and publishes status transitions until the claim is
// confirmed or the caller gives up.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/wardenwallet/warden/logging"
)

//go:generate mockgen -package mocks -destination mocks/bridge.go . Reader,Clock

var (
	// ErrCrossChainTimeout reports that a claim was not confirmed within the
	// polling budget. It is informational: the poller keeps querying past the
	// timeout and a late confirmation is still delivered.
	ErrCrossChainTimeout = errors.New("cross-chain confirmation timed out")

	pollsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "bridge",
		Name:      "polls_total",
		Help:      "Number of claim predicate queries issued.",
	})

	confirmationsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "bridge",
		Name:      "confirmations_total",
		Help:      "Number of claims observed as registered on the canonical chain.",
	})
)

// Reader evaluates the canonical-chain predicate for a claim.
type Reader interface {
	IsRegistered(ctx context.Context, claim common.Hash) (bool, error)
}

// Clock abstracts wall time so tests can drive the elapsed-time thresholds.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Status describes where a claim is in its cross-chain settlement journey.
type Status uint8

const (
	// StatusIdle means no polling is in progress for the claim.
	StatusIdle Status = iota
	// StatusWaiting covers the settle delay right after submission, before
	// the bridge can plausibly have delivered anything.
	StatusWaiting
	// StatusPolling means the predicate is being queried and has not held yet.
	StatusPolling
	// StatusConfirmed means the claim is registered on the canonical chain.
	StatusConfirmed
	// StatusTimeout means the polling budget elapsed without a confirmation.
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusPolling:
		return "polling"
	case StatusConfirmed:
		return "confirmed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// DeriveStatus computes the poll status from observable inputs alone.
// A confirmed predicate wins over any elapsed time. A non-positive max
// disables the timeout.
func DeriveStatus(enabled, confirmed bool, elapsed, settleDelay, max time.Duration) Status {
	switch {
	case !enabled:
		return StatusIdle
	case confirmed:
		return StatusConfirmed
	case max > 0 && elapsed >= max:
		return StatusTimeout
	case elapsed < settleDelay:
		return StatusWaiting
	default:
		return StatusPolling
	}
}

// State is a point-in-time view of the poll. It is derived on every cycle and
// never stored anywhere else.
type State struct {
	Status  Status
	Elapsed time.Duration
}

// Config holds the polling cadence and budgets.
type Config struct {
	PollInterval   time.Duration `long:"bridge-poll-interval" description:"Cadence of canonical chain claim queries"`
	SettleDelay    time.Duration `long:"bridge-settle-delay" description:"Grace before the first query is expected to succeed"`
	MaxPollingTime time.Duration `long:"bridge-max-polling-time" description:"Budget after which the claim is reported timed out (0 disables)"`
}

// DefaultConfig returns the cadence and budgets used in production.
func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		SettleDelay:    time.Second,
		MaxPollingTime: 10 * time.Minute,
	}
}

type newPollerOptionFunc func(*newPollerOptions)

type newPollerOptions struct {
	clock Clock
}

// WithClock replaces the wall clock. Intended for tests.
func WithClock(clock Clock) newPollerOptionFunc {
	return func(opts *newPollerOptions) {
		opts.clock = clock
	}
}

// Poller tracks a single claim. Create one per submitted registration and run
// it until it confirms or the surrounding work is cancelled.
type Poller struct {
	reader  Reader
	claim   common.Hash
	cfg     Config
	clock   Clock
	updates chan State

	mu    sync.Mutex
	state State
}

func NewPoller(reader Reader, claim common.Hash, cfg Config, opts ...newPollerOptionFunc) *Poller {
	options := newPollerOptions{
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Poller{
		reader: reader,
		claim:  claim,
		cfg:    cfg,
		clock:  options.clock,
		// The status walks waiting -> polling -> timeout -> confirmed at
		// most; transitions are published only on change so the buffer
		// cannot fill up.
		updates: make(chan State, 16),
	}
}

// Updates delivers a State whenever the status changes.
func (p *Poller) Updates() <-chan State {
	return p.updates
}

// State returns the most recently derived state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run queries the claim predicate on the configured cadence until the claim
// confirms or ctx is cancelled. Transient query failures are logged and do
// not change the status. Polling deliberately continues past the timeout so
// a slow bridge delivery is still observed.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	logger := logging.FromContext(ctx).Named("bridge").With(zap.Stringer("claim", p.claim))
	logger.Info("watching claim on canonical chain",
		zap.Duration("interval", interval),
		zap.Duration("max", p.cfg.MaxPollingTime),
	)

	started := p.clock.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	confirmed := false
	prev := StatusIdle
	for {
		elapsed := p.clock.Now().Sub(started)
		if !confirmed {
			pollsMetric.Inc()
			ok, err := p.reader.IsRegistered(ctx, p.claim)
			switch {
			case err != nil:
				logger.Warn("claim query failed", zap.Error(err))
			case ok:
				confirmed = true
				confirmationsMetric.Inc()
			}
		}

		state := State{
			Status:  DeriveStatus(true, confirmed, elapsed, p.cfg.SettleDelay, p.cfg.MaxPollingTime),
			Elapsed: elapsed,
		}
		p.mu.Lock()
		p.state = state
		p.mu.Unlock()

		if state.Status != prev {
			prev = state.Status
			if state.Status == StatusTimeout {
				logger.Warn("claim not confirmed within budget, continuing to poll",
					zap.Duration("elapsed", elapsed), zap.Error(ErrCrossChainTimeout))
			}
			select {
			case p.updates <- state:
			default:
				logger.Warn("dropping poll status update", zap.Stringer("status", state.Status))
			}
		}

		if confirmed {
			logger.Info("claim confirmed", zap.Duration("elapsed", elapsed))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
