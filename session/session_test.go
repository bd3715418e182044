package session_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/peer"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/wire"
)

func testForm() wire.RegisterForm {
	return wire.RegisterForm{
		Registeree: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Relayer:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ChainID:    1337,
	}
}

func sigPayload(nonce uint64) *wire.SignedAuthorization {
	return wire.AckSignature(wire.Signature{
		Value:    make(hexutil.Bytes, wire.SignatureSize),
		Deadline: 1234,
		Nonce:    nonce,
		Address:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID:  1337,
	})
}

func capture(ch chan wire.Payload) session.HandlerFunc {
	return func(ctx context.Context, s *session.Session, p wire.Payload) error {
		ch <- p
		return nil
	}
}

func waitPayload(t *testing.T, ch <-chan wire.Payload) wire.Payload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

// startSessions runs a registeree/relayer session pair over a fresh memory
// network and tears both down with the test.
func startSessions(t *testing.T, handlersA, handlersB *session.HandlerRegistry) (*session.Session, *session.Session, context.Context) {
	t.Helper()
	net := peer.NewMemoryNetwork()
	sessA, sessB := startSessionsOn(t, net, handlersA, handlersB)
	return sessA, sessB, logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func startSessionsOn(t *testing.T, net *peer.MemoryNetwork, handlersA, handlersB *session.HandlerRegistry) (*session.Session, *session.Session) {
	t.Helper()
	sessA, err := session.New(net.Channel("registeree"), handlersA, session.DefaultConfig())
	require.NoError(t, err)
	sessB, err := session.New(net.Channel("relayer"), handlersB, session.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	var eg errgroup.Group
	eg.Go(func() error { return sessA.Run(ctx) })
	eg.Go(func() error { return sessB.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})
	return sessA, sessB
}

func TestSessionConnectAndDispatch(t *testing.T) {
	t.Parallel()
	recB := make(chan wire.Payload, 8)
	handlersB := session.NewHandlerRegistry()
	handlersB.Register(wire.KindConnect, capture(recB))
	handlersB.Register(wire.KindAckSig, func(ctx context.Context, s *session.Session, p wire.Payload) error {
		return s.Send(ctx, wire.AckReceipt(true, ""))
	})

	recA := make(chan wire.Payload, 8)
	handlersA := session.NewHandlerRegistry()
	handlersA.Register(wire.KindAckRec, capture(recA))

	sessA, sessB, ctx := startSessions(t, handlersA, handlersB)

	require.NoError(t, sessA.Connect(ctx, sessB.LocalID(), testForm()))
	require.Equal(t, session.Connected, sessA.State())
	require.Equal(t, sessB.LocalID(), sessA.Partner())

	// The partner records the form and flips to connected.
	connect, ok := waitPayload(t, recB).(*wire.Connect)
	require.True(t, ok)
	require.Equal(t, testForm(), connect.Form)
	require.Eventually(t, func() bool { return sessB.State() == session.Connected }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, sessA.LocalID(), sessB.Partner())
	require.Equal(t, testForm(), *sessB.Form())

	// A signature travels out, the receipt comes back on the dialed-back conn.
	require.NoError(t, sessA.Send(ctx, sigPayload(1)))
	receipt, ok := waitPayload(t, recA).(*wire.Receipt)
	require.True(t, ok)
	require.True(t, receipt.Success)
	require.Equal(t, wire.KindAckRec, receipt.Kind())
}

func TestSessionSuppressesDuplicates(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	handlersB := session.NewHandlerRegistry()
	handlersB.Register(wire.KindAckPay, func(context.Context, *session.Session, wire.Payload) error {
		count.Add(1)
		return nil
	})

	sessA, sessB, ctx := startSessions(t, session.NewHandlerRegistry(), handlersB)
	require.NoError(t, sessA.Connect(ctx, sessB.LocalID(), testForm()))

	pay := wire.AckPayment(common.HexToHash("0xbeef"), 1337, "")
	require.NoError(t, sessA.Send(ctx, pay))
	require.NoError(t, sessA.Send(ctx, pay))

	require.Eventually(t, func() bool { return count.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return count.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSessionSameKindHandledInOrder(t *testing.T) {
	t.Parallel()
	order := make(chan common.Hash, 8)
	handlersB := session.NewHandlerRegistry()
	handlersB.Register(wire.KindAckPay, func(_ context.Context, _ *session.Session, p wire.Payload) error {
		order <- p.(*wire.Payment).Hash
		return nil
	})

	sessA, sessB, ctx := startSessions(t, session.NewHandlerRegistry(), handlersB)
	require.NoError(t, sessA.Connect(ctx, sessB.LocalID(), testForm()))

	hashes := []common.Hash{
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
		common.HexToHash("0x03"),
	}
	for _, h := range hashes {
		require.NoError(t, sessA.Send(ctx, wire.AckPayment(h, 1337, "")))
	}
	for _, want := range hashes {
		select {
		case got := <-order:
			require.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for payment")
		}
	}
}

func TestSessionIgnoresUnhandledKind(t *testing.T) {
	t.Parallel()
	recB := make(chan wire.Payload, 8)
	handlersB := session.NewHandlerRegistry()
	handlersB.Register(wire.KindAckSig, capture(recB))

	sessA, sessB, ctx := startSessions(t, session.NewHandlerRegistry(), handlersB)
	require.NoError(t, sessA.Connect(ctx, sessB.LocalID(), testForm()))

	// No handler is wired for payments on this side; the message disappears
	// without disturbing later traffic.
	require.NoError(t, sessA.Send(ctx, wire.AckPayment(common.HexToHash("0xaa"), 1337, "")))
	require.NoError(t, sessA.Send(ctx, sigPayload(7)))

	sig, ok := waitPayload(t, recB).(*wire.SignedAuthorization)
	require.True(t, ok)
	require.EqualValues(t, 7, sig.Signature.Nonce)
	require.Empty(t, recB)
}

func TestSessionLastHandlerRegistrationWins(t *testing.T) {
	t.Parallel()
	var first, second atomic.Int32
	handlersA := session.NewHandlerRegistry()
	handlersA.Register(wire.KindAckRec, func(context.Context, *session.Session, wire.Payload) error {
		first.Add(1)
		return nil
	})
	handlersA.Register(wire.KindAckRec, func(context.Context, *session.Session, wire.Payload) error {
		second.Add(1)
		return nil
	})

	sessA, sessB, ctx := startSessions(t, handlersA, session.NewHandlerRegistry())
	require.NoError(t, sessA.Connect(ctx, sessB.LocalID(), testForm()))
	require.Eventually(t, func() bool { return sessB.State() == session.Connected }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sessB.Send(ctx, wire.AckReceipt(true, "")))
	require.Eventually(t, func() bool { return second.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 0, first.Load())
}

func TestSessionDropsUnexpectedPeer(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	handlersB := session.NewHandlerRegistry()
	handlersB.Register(wire.KindAckPay, func(context.Context, *session.Session, wire.Payload) error {
		count.Add(1)
		return nil
	})

	net := peer.NewMemoryNetwork()
	sessA, sessB := startSessionsOn(t, net, session.NewHandlerRegistry(), handlersB)
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))

	// A third peer fires a payment at the relayer before anyone connected.
	mallory := net.Channel("mallory")
	conn, err := mallory.Dial(ctx, sessB.LocalID())
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, wire.AckPayment(common.HexToHash("0xbad"), 1337, "")))

	require.NoError(t, sessA.Connect(ctx, sessB.LocalID(), testForm()))
	require.NoError(t, sessA.Send(ctx, wire.AckPayment(common.HexToHash("0x900d"), 1337, "")))
	require.Eventually(t, func() bool { return count.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Still dropped after the partner is known.
	require.NoError(t, conn.Send(ctx, wire.AckPayment(common.HexToHash("0xbad2"), 1337, "")))
	require.Never(t, func() bool { return count.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

// rawChannel feeds hand-built frames straight into a session inbox, skipping
// the validation a real channel performs on send.
type rawChannel struct {
	inbox chan peer.Inbound
}

func (c *rawChannel) LocalID() peer.ID { return "registeree" }

func (c *rawChannel) Dial(context.Context, peer.ID) (peer.Conn, error) {
	return nil, peer.ErrUnreachable
}

func (c *rawChannel) Inbox() <-chan peer.Inbound { return c.inbox }

func (c *rawChannel) Close() error { return nil }

func TestSessionDropsMalformedPayload(t *testing.T) {
	t.Parallel()
	var handled atomic.Int32
	handlers := session.NewHandlerRegistry()
	handlers.Register(wire.KindAckPay, func(context.Context, *session.Session, wire.Payload) error {
		handled.Add(1)
		return nil
	})

	ch := &rawChannel{inbox: make(chan peer.Inbound, 8)}
	sess, err := session.New(ch, handlers, session.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	var eg errgroup.Group
	eg.Go(func() error { return sess.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})

	// Garbage on the wire, including a connect frame that would flip the
	// session to connected if it parsed.
	ch.inbox <- peer.Inbound{From: "relayer", Kind: wire.KindConnect, Data: []byte("not json")}
	ch.inbox <- peer.Inbound{From: "relayer", Kind: wire.KindAckPay, Data: []byte(`{"hash":`)}

	require.Never(t, func() bool { return handled.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, session.Disconnected, sess.State())
	require.Empty(t, sess.Partner())
	require.Nil(t, sess.Form())

	// Well-formed frames still go through afterwards.
	connect, err := wire.Encode(&wire.Connect{Form: testForm(), P2P: wire.PeerInfo{PeerID: "relayer"}})
	require.NoError(t, err)
	ch.inbox <- peer.Inbound{From: "relayer", Kind: wire.KindConnect, Data: connect}

	pay, err := wire.Encode(wire.AckPayment(common.HexToHash("0x900d"), 1337, ""))
	require.NoError(t, err)
	ch.inbox <- peer.Inbound{From: "relayer", Kind: wire.KindAckPay, Data: pay}

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, session.Connected, sess.State())
	require.Equal(t, peer.ID("relayer"), sess.Partner())
}

func TestSessionCloseAggregatesAndDisconnects(t *testing.T) {
	t.Parallel()
	net := peer.NewMemoryNetwork()
	sessA, sessB := startSessionsOn(t, net, session.NewHandlerRegistry(), session.NewHandlerRegistry())
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))

	require.NoError(t, sessA.Connect(ctx, sessB.LocalID(), testForm()))
	require.NoError(t, sessA.Close())
	require.Equal(t, session.Disconnected, sessA.State())

	// The underlying channel is gone, the partner cannot reach it anymore.
	_, err := net.Channel("outsider").Dial(ctx, sessA.LocalID())
	require.ErrorIs(t, err, peer.ErrUnreachable)
}
