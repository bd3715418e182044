package peer

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/wire"
)

// Each message kind rides its own protocol so streams are tagged at
// negotiation time and the receiver knows the schema before reading.
const protocolPrefix = "/warden/1.0.0/"

func protocolID(kind wire.Kind) protocol.ID {
	return protocol.ID(protocolPrefix + kind.String())
}

type HostConfig struct {
	ListenAddrs  []string      `long:"p2p-listen" description:"Multiaddrs to listen on"`
	Peers        []string      `long:"p2p-peer" description:"Static partner multiaddrs (including /p2p/<id>)"`
	DialTimeout  time.Duration `long:"p2p-dial-timeout" description:"Timeout for dialing a partner"`
	WriteTimeout time.Duration `long:"p2p-write-timeout" description:"Deadline for writing one message"`
	ReadTimeout  time.Duration `long:"p2p-read-timeout" description:"Deadline for reading one message"`
}

func DefaultHostConfig() HostConfig {
	return HostConfig{
		ListenAddrs:  []string{"/ip4/0.0.0.0/tcp/0"},
		DialTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  30 * time.Second,
	}
}

// Host is the libp2p-backed Channel. The identity key is generated fresh on
// every start; nothing about the endpoint outlives the session.
type Host struct {
	cfg   HostConfig
	host  host.Host
	inbox chan Inbound
	log   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

var _ Channel = (*Host)(nil)

func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	if len(cfg.ListenAddrs) == 0 {
		// Flag occurrences append to slice defaults, so the daemon
		// leaves this empty and the fallback lives here.
		cfg.ListenAddrs = DefaultHostConfig().ListenAddrs
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	hh := &Host{
		cfg:   cfg,
		host:  h,
		inbox: make(chan Inbound, 64),
		log:   logging.FromContext(ctx).Named("p2p"),
		done:  make(chan struct{}),
	}

	for _, kind := range wire.Kinds() {
		kind := kind
		h.SetStreamHandler(protocolID(kind), func(s network.Stream) {
			hh.handleStream(kind, s)
		})
	}

	for _, addr := range cfg.Peers {
		info, err := libpeer.AddrInfoFromString(addr)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("parsing peer address %q: %w", addr, err)
		}
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	}

	hh.log.Info("peer host started",
		zap.String("id", h.ID().String()),
		zap.Stringers("listen", h.Addrs()),
	)
	return hh, nil
}

func (h *Host) LocalID() ID { return ID(h.host.ID().String()) }

// Addrs returns the host's dialable multiaddrs with the /p2p suffix, in the
// form partners put into their static address book.
func (h *Host) Addrs() []string {
	p2p, err := ma.NewComponent("p2p", h.host.ID().String())
	if err != nil {
		return nil
	}
	var addrs []string
	for _, a := range h.host.Addrs() {
		addrs = append(addrs, a.Encapsulate(p2p).String())
	}
	return addrs
}

func (h *Host) Inbox() <-chan Inbound { return h.inbox }

func (h *Host) Dial(ctx context.Context, remote ID) (Conn, error) {
	pid, err := libpeer.Decode(string(remote))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid peer id %q: %w", ErrUnreachable, remote, err)
	}
	if h.host.Network().Connectedness(pid) != network.Connected {
		dialCtx := ctx
		if h.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, h.cfg.DialTimeout)
			defer cancel()
		}
		// Addresses come from the static address book seeded at startup.
		if err := h.host.Connect(dialCtx, libpeer.AddrInfo{ID: pid}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}
	return &hostConn{host: h, remote: pid}, nil
}

func (h *Host) handleStream(kind wire.Kind, s network.Stream) {
	defer s.Close()

	if h.cfg.ReadTimeout > 0 {
		_ = s.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
	data, err := io.ReadAll(io.LimitReader(s, wire.MaxPayloadSize+1))
	if err != nil {
		droppedMessages.WithLabelValues(kind.String(), "read_error").Inc()
		h.log.Debug("failed to read stream", zap.Stringer("kind", kind), zap.Error(err))
		_ = s.Reset()
		return
	}
	if len(data) > wire.MaxPayloadSize {
		droppedMessages.WithLabelValues(kind.String(), "oversize").Inc()
		h.log.Warn("dropping oversized message",
			zap.Stringer("kind", kind),
			zap.String("from", s.Conn().RemotePeer().String()),
		)
		_ = s.Reset()
		return
	}

	receivedMessages.WithLabelValues(kind.String()).Inc()
	select {
	case h.inbox <- Inbound{From: ID(s.Conn().RemotePeer().String()), Kind: kind, Data: data}:
	case <-h.done:
		droppedMessages.WithLabelValues(kind.String(), "closed").Inc()
	}
}

func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.host.Close()
	})
	return err
}

type hostConn struct {
	host   *Host
	remote libpeer.ID
}

func (c *hostConn) Remote() ID { return ID(c.remote.String()) }

func (c *hostConn) Send(ctx context.Context, p wire.Payload) error {
	data, err := wire.Encode(p)
	if err != nil {
		return err
	}

	s, err := c.host.host.NewStream(ctx, c.remote, protocolID(p.Kind()))
	if err != nil {
		return fmt.Errorf("%w: opening %s stream: %w", ErrConnection, p.Kind(), err)
	}
	defer s.Close()

	if t := c.host.cfg.WriteTimeout; t > 0 {
		_ = s.SetWriteDeadline(time.Now().Add(t))
	}
	if _, err := s.Write(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("%w: writing %s: %w", ErrConnection, p.Kind(), err)
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("%w: closing write side: %w", ErrConnection, err)
	}

	// Wait for the receiver to finish reading before tearing the stream
	// down. An error here is not a delivery failure.
	if t := c.host.cfg.ReadTimeout; t > 0 {
		_ = s.SetReadDeadline(time.Now().Add(t))
	}
	_, _ = io.ReadAll(s)

	sentMessages.WithLabelValues(p.Kind().String()).Inc()
	return nil
}

// Close detaches the logical connection; the underlying libp2p connection
// stays in the host's pool for reuse.
func (c *hostConn) Close() error { return nil }
