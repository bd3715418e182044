package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/wire"
)

var (
	// ErrRetriesExhausted terminates a relay after the initial attempt and
	// every retry failed.
	ErrRetriesExhausted = errors.New("relay retries exhausted")

	relayRetriesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "session",
		Name:      "relay_retries_total",
		Help:      "Relay attempts scheduled after a failed send.",
	})
)

// Sender is the delivery half of a Session.
type Sender interface {
	Send(ctx context.Context, payload wire.Payload) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, payload wire.Payload) error

func (f SenderFunc) Send(ctx context.Context, payload wire.Payload) error {
	return f(ctx, payload)
}

// RetryConfig bounds the reliable delivery schedule.
type RetryConfig struct {
	MaxRetries int           `long:"relay-max-retries" description:"Retries after the initial relay attempt fails"`
	BaseDelay  time.Duration `long:"relay-base-delay" description:"First retry backoff, doubled for each further retry"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

// ReliableSender pushes a single payload at the partner until it is written
// or the retry budget runs out. At most one retry timer is pending at any
// moment. A manual Resend cancels the pending timer, retries immediately and
// restarts the budget.
type ReliableSender struct {
	sender  Sender
	payload wire.Payload
	cfg     RetryConfig

	resend chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func NewReliableSender(sender Sender, payload wire.Payload, cfg RetryConfig) *ReliableSender {
	return &ReliableSender{
		sender:  sender,
		payload: payload,
		cfg:     cfg,
		resend:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery loop. Call at most once, before Stop.
func (s *ReliableSender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		s.err = s.run(ctx)
	}()
}

// Resend requests an immediate attempt. Any pending backoff timer is
// cancelled and the retry budget starts over. No-op once delivery finished.
func (s *ReliableSender) Resend() {
	select {
	case s.resend <- struct{}{}:
	default:
	}
}

// Stop cancels the delivery loop along with any pending timer and waits for
// it to wind down.
func (s *ReliableSender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Done closes once the payload was written, the budget ran out or the sender
// was stopped.
func (s *ReliableSender) Done() <-chan struct{} {
	return s.done
}

// Err reports the terminal outcome, nil for a successful delivery. Only valid
// once Done is closed.
func (s *ReliableSender) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *ReliableSender) run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("relay").With(zap.Stringer("kind", s.payload.Kind()))

	timer := time.NewTimer(0)
	<-timer.C
	retries := 0
	for attempt := 1; ; attempt++ {
		err := s.sender.Send(ctx, s.payload)
		if err == nil {
			logger.Info("relay delivered", zap.Int("attempt", attempt))
			return nil
		}
		if retries >= s.cfg.MaxRetries {
			logger.Error("relay failed, giving up", zap.Int("attempts", attempt), zap.Error(err))
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		delay := s.cfg.BaseDelay << retries
		retries++
		relayRetriesMetric.Inc()
		logger.Warn("relay attempt failed, backing off",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		timer.Reset(delay)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-s.resend:
			if !timer.Stop() {
				<-timer.C
			}
			retries = 0
			logger.Info("manual resend requested, retrying now")
		case <-timer.C:
		}
	}
}
