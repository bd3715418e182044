package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/peer"
	"github.com/wardenwallet/warden/wire"
)

func newLoopbackHost(t *testing.T, peers []string) *peer.Host {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := peer.DefaultHostConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Peers = peers
	h, err := peer.NewHost(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHostRoundTrip(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	registeree := newLoopbackHost(t, nil)
	relayer := newLoopbackHost(t, registeree.Addrs())

	conn, err := relayer.Dial(context.Background(), registeree.LocalID())
	req.NoError(err)
	req.Equal(registeree.LocalID(), conn.Remote())

	sent := wire.AckPayment(common.HexToHash("0x0badf00d"), 5, "msg-1")
	req.NoError(conn.Send(context.Background(), sent))

	select {
	case in := <-registeree.Inbox():
		req.Equal(relayer.LocalID(), in.From)
		req.Equal(wire.KindAckPay, in.Kind)
		decoded, err := wire.Decode(in.Kind, in.Data)
		req.NoError(err)
		req.Equal(sent, decoded)
	case <-time.After(10 * time.Second):
		t.Fatal("message never delivered")
	}

	// The live connection lets the receiver dial back without having the
	// sender in its address book.
	back, err := registeree.Dial(context.Background(), relayer.LocalID())
	req.NoError(err)
	req.NoError(back.Send(context.Background(), wire.AckReceipt(true, "")))

	select {
	case in := <-relayer.Inbox():
		req.Equal(registeree.LocalID(), in.From)
		req.Equal(wire.KindAckRec, in.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("reply never delivered")
	}
}

func TestHostDialWithoutAddressFails(t *testing.T) {
	t.Parallel()

	a := newLoopbackHost(t, nil)
	b := newLoopbackHost(t, nil)

	// No address book entry and no live connection.
	_, err := b.Dial(context.Background(), a.LocalID())
	require.ErrorIs(t, err, peer.ErrUnreachable)
}

func TestHostDialInvalidID(t *testing.T) {
	t.Parallel()

	h := newLoopbackHost(t, nil)
	_, err := h.Dial(context.Background(), "not-a-peer-id")
	require.ErrorIs(t, err, peer.ErrUnreachable)
}

func TestHostRejectsBadPeerAddress(t *testing.T) {
	t.Parallel()

	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := peer.DefaultHostConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Peers = []string{"/ip4/127.0.0.1/tcp/1234"} // missing /p2p/<id>

	_, err := peer.NewHost(ctx, cfg)
	require.Error(t, err)
}
