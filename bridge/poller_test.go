package bridge_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/wardenwallet/warden/bridge"
	"github.com/wardenwallet/warden/bridge/mocks"
	"github.com/wardenwallet/warden/logging"
)

func TestDeriveStatus(t *testing.T) {
	t.Parallel()
	settleDelay := time.Second

	cases := []struct {
		name      string
		enabled   bool
		confirmed bool
		elapsed   time.Duration
		max       time.Duration
		want      bridge.Status
	}{
		{"disabled", false, false, 5 * time.Second, time.Minute, bridge.StatusIdle},
		{"disabled wins over confirmed", false, true, 0, time.Minute, bridge.StatusIdle},
		{"just submitted", true, false, 0, time.Minute, bridge.StatusWaiting},
		{"inside settle delay", true, false, settleDelay - time.Millisecond, time.Minute, bridge.StatusWaiting},
		{"past settle delay", true, false, settleDelay, time.Minute, bridge.StatusPolling},
		{"just under budget", true, false, time.Minute - time.Millisecond, time.Minute, bridge.StatusPolling},
		{"budget reached", true, false, time.Minute, time.Minute, bridge.StatusTimeout},
		{"long past budget", true, false, time.Hour, time.Minute, bridge.StatusTimeout},
		{"confirmed wins over elapsed", true, true, time.Hour, time.Minute, bridge.StatusConfirmed},
		{"zero budget never times out", true, false, time.Hour, 0, bridge.StatusPolling},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bridge.DeriveStatus(tc.enabled, tc.confirmed, tc.elapsed, settleDelay, tc.max)
			require.Equal(t, tc.want, got)
		})
	}
}

// pollerHarness drives a Poller with a controllable clock and predicate.
type pollerHarness struct {
	poller  *bridge.Poller
	elapsed atomic.Int64
	query   atomic.Value // func() (bool, error)
}

func newPollerHarness(t *testing.T, cfg bridge.Config) *pollerHarness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &pollerHarness{}
	h.query.Store(func() (bool, error) { return false, nil })

	base := time.Now()
	clock := mocks.NewMockClock(ctrl)
	clock.EXPECT().Now().DoAndReturn(func() time.Time {
		return base.Add(time.Duration(h.elapsed.Load()))
	}).AnyTimes()

	claim := common.HexToHash("0xc1a1")
	reader := mocks.NewMockReader(ctrl)
	reader.EXPECT().IsRegistered(gomock.Any(), claim).DoAndReturn(
		func(context.Context, common.Hash) (bool, error) {
			return h.query.Load().(func() (bool, error))()
		},
	).AnyTimes()

	h.poller = bridge.NewPoller(reader, claim, cfg, bridge.WithClock(clock))
	return h
}

func (h *pollerHarness) advance(d time.Duration) {
	h.elapsed.Store(int64(d))
}

func (h *pollerHarness) confirm() {
	h.query.Store(func() (bool, error) { return true, nil })
}

func (h *pollerHarness) fail(err error) {
	h.query.Store(func() (bool, error) { return false, err })
}

func requireStatus(t *testing.T, p *bridge.Poller, want bridge.Status) {
	t.Helper()
	select {
	case state := <-p.Updates():
		require.Equal(t, want, state.Status)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for status %s", want)
	}
}

func testConfig() bridge.Config {
	return bridge.Config{
		PollInterval:   time.Millisecond,
		SettleDelay:    time.Second,
		MaxPollingTime: 10 * time.Second,
	}
}

func TestPollerConfirmsClaim(t *testing.T) {
	t.Parallel()
	h := newPollerHarness(t, testConfig())

	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	var eg errgroup.Group
	eg.Go(func() error { return h.poller.Run(ctx) })

	requireStatus(t, h.poller, bridge.StatusWaiting)

	h.advance(2 * time.Second)
	requireStatus(t, h.poller, bridge.StatusPolling)

	h.confirm()
	requireStatus(t, h.poller, bridge.StatusConfirmed)
	require.NoError(t, eg.Wait())
	require.Equal(t, bridge.StatusConfirmed, h.poller.State().Status)
}

func TestPollerKeepsPollingPastTimeout(t *testing.T) {
	t.Parallel()
	h := newPollerHarness(t, testConfig())

	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	var eg errgroup.Group
	eg.Go(func() error { return h.poller.Run(ctx) })

	requireStatus(t, h.poller, bridge.StatusWaiting)

	h.advance(11 * time.Second)
	requireStatus(t, h.poller, bridge.StatusTimeout)

	// A late bridge delivery is still observed after the budget elapsed.
	h.confirm()
	requireStatus(t, h.poller, bridge.StatusConfirmed)
	require.NoError(t, eg.Wait())
}

func TestPollerTransientFailuresKeepStatus(t *testing.T) {
	t.Parallel()
	h := newPollerHarness(t, testConfig())
	h.fail(errors.New("rpc unavailable"))

	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	var eg errgroup.Group
	eg.Go(func() error { return h.poller.Run(ctx) })

	requireStatus(t, h.poller, bridge.StatusWaiting)
	h.advance(2 * time.Second)
	requireStatus(t, h.poller, bridge.StatusPolling)

	// Failing queries neither regress the status nor publish updates.
	require.Never(t, func() bool {
		return len(h.poller.Updates()) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, bridge.StatusPolling, h.poller.State().Status)

	h.confirm()
	requireStatus(t, h.poller, bridge.StatusConfirmed)
	require.NoError(t, eg.Wait())
}

func TestPollerStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	h := newPollerHarness(t, testConfig())

	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	var eg errgroup.Group
	eg.Go(func() error { return h.poller.Run(ctx) })

	requireStatus(t, h.poller, bridge.StatusWaiting)
	cancel()
	require.ErrorIs(t, eg.Wait(), context.Canceled)
}
