package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/wire"
)

// flakySender fails a fixed number of leading sends and records when each
// attempt happened.
type flakySender struct {
	mu       sync.Mutex
	failures int
	attempts []time.Time
}

func (f *flakySender) Send(context.Context, wire.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, time.Now())
	if len(f.attempts) <= f.failures {
		return errors.New("link down")
	}
	return nil
}

func (f *flakySender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func (f *flakySender) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts...)
}

func relayPayload() wire.Payload {
	return wire.AckPayment(common.HexToHash("0xbeef"), 1337, "")
}

func waitDone(t *testing.T, s *session.ReliableSender) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("sender did not finish")
	}
}

func TestReliableSenderDeliversFirstTry(t *testing.T) {
	t.Parallel()
	sender := &flakySender{}
	rs := session.NewReliableSender(sender, relayPayload(), session.RetryConfig{MaxRetries: 3, BaseDelay: time.Hour})
	rs.Start(logging.NewContext(context.Background(), zaptest.NewLogger(t)))

	waitDone(t, rs)
	require.NoError(t, rs.Err())
	require.Equal(t, 1, sender.count())
}

func TestReliableSenderRetryScheduleDoubles(t *testing.T) {
	t.Parallel()
	base := 20 * time.Millisecond
	sender := &flakySender{failures: 1 << 10}
	rs := session.NewReliableSender(sender, relayPayload(), session.RetryConfig{MaxRetries: 3, BaseDelay: base})
	rs.Start(logging.NewContext(context.Background(), zaptest.NewLogger(t)))

	waitDone(t, rs)
	require.ErrorIs(t, rs.Err(), session.ErrRetriesExhausted)

	// Initial attempt plus three retries, each backoff at least double the
	// previous one. Timers never fire early, so lower bounds are reliable.
	times := sender.times()
	require.Len(t, times, 4)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), base)
	require.GreaterOrEqual(t, times[2].Sub(times[1]), 2*base)
	require.GreaterOrEqual(t, times[3].Sub(times[2]), 4*base)
}

func TestDefaultRetryConfig(t *testing.T) {
	t.Parallel()
	cfg := session.DefaultRetryConfig()
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, time.Second, cfg.BaseDelay)
}

func TestReliableSenderEventualDelivery(t *testing.T) {
	t.Parallel()
	sender := &flakySender{failures: 2}
	rs := session.NewReliableSender(sender, relayPayload(), session.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})
	rs.Start(logging.NewContext(context.Background(), zaptest.NewLogger(t)))

	waitDone(t, rs)
	require.NoError(t, rs.Err())
	require.Equal(t, 3, sender.count())

	// No timer survives a successful delivery.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, sender.count())
}

func TestReliableSenderManualResend(t *testing.T) {
	t.Parallel()
	sender := &flakySender{failures: 1}
	rs := session.NewReliableSender(sender, relayPayload(), session.RetryConfig{MaxRetries: 3, BaseDelay: time.Hour})
	rs.Start(logging.NewContext(context.Background(), zaptest.NewLogger(t)))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 5*time.Second, time.Millisecond)

	// The pending hour-long timer is cancelled and the attempt happens now.
	rs.Resend()
	waitDone(t, rs)
	require.NoError(t, rs.Err())
	require.Equal(t, 2, sender.count())
}

func TestReliableSenderResendRestartsBudget(t *testing.T) {
	t.Parallel()
	sender := &flakySender{failures: 1 << 10}
	rs := session.NewReliableSender(sender, relayPayload(), session.RetryConfig{MaxRetries: 1, BaseDelay: time.Hour})
	rs.Start(logging.NewContext(context.Background(), zaptest.NewLogger(t)))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 5*time.Second, time.Millisecond)

	// A budget of one retry would have given up after the second failure;
	// each manual resend starts the budget over.
	rs.Resend()
	require.Eventually(t, func() bool { return sender.count() == 2 }, 5*time.Second, time.Millisecond)
	rs.Resend()
	require.Eventually(t, func() bool { return sender.count() == 3 }, 5*time.Second, time.Millisecond)

	select {
	case <-rs.Done():
		t.Fatal("sender finished even though the budget restarts on resend")
	default:
	}

	rs.Stop()
	require.ErrorIs(t, rs.Err(), context.Canceled)
}
