// Package session pairs two peers for one registration exchange. It decodes
// inbound messages, suppresses duplicates, serializes handling per message
// kind and offers a reliable delivery primitive for the transaction hash
// relay.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/peer"
	"github.com/wardenwallet/warden/wire"
)

var (
	handledMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "session",
		Name:      "messages_handled_total",
		Help:      "Messages processed to completion by a handler.",
	}, []string{"kind"})

	droppedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "session",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages discarded before a handler ran.",
	}, []string{"kind", "reason"})
)

// ConnState tracks the partner link within a session.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config tunes the inbound dispatch pipeline.
type Config struct {
	QueueDepth     int `long:"session-queue-depth" description:"Pending inbound messages held per message kind"`
	DedupCacheSize int `long:"session-dedup-cache" description:"Recently seen message digests kept for duplicate suppression"`
}

func DefaultConfig() Config {
	return Config{
		QueueDepth:     16,
		DedupCacheSize: 512,
	}
}

type inboundMsg struct {
	from    peer.ID
	payload wire.Payload
}

// Session binds a local peer to exactly one partner. Inbound messages fan out
// to a FIFO queue per kind, each drained by its own worker, so handlers for
// the same kind never run concurrently and always observe delivery order.
type Session struct {
	channel  peer.Channel
	handlers *HandlerRegistry
	cfg      Config
	seen     *lru.Cache
	queues   map[wire.Kind]chan inboundMsg

	mu      sync.Mutex
	state   ConnState
	partner peer.ID
	form    *wire.RegisterForm
	conn    peer.Conn
}

func New(channel peer.Channel, handlers *HandlerRegistry, cfg Config) (*Session, error) {
	seen, err := lru.New(cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	queues := make(map[wire.Kind]chan inboundMsg, len(wire.Kinds()))
	for _, kind := range wire.Kinds() {
		queues[kind] = make(chan inboundMsg, cfg.QueueDepth)
	}
	return &Session{
		channel:  channel,
		handlers: handlers,
		cfg:      cfg,
		seen:     seen,
		queues:   queues,
	}, nil
}

func (s *Session) LocalID() peer.ID {
	return s.channel.LocalID()
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Partner() peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partner
}

// Form returns the registration form exchanged at connect time, nil before.
func (s *Session) Form() *wire.RegisterForm {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.form == nil {
		return nil
	}
	form := *s.form
	return &form
}

// Connect dials the partner and introduces this peer with the registration
// form. The session is Connected once the message is written.
func (s *Session) Connect(ctx context.Context, partner peer.ID, form wire.RegisterForm) error {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	conn, err := s.channel.Dial(ctx, partner)
	if err != nil {
		s.setDisconnected()
		return fmt.Errorf("dialing partner %s: %w", partner, err)
	}
	msg := wire.Connect{
		Form: form,
		P2P:  wire.PeerInfo{PeerID: string(s.channel.LocalID())},
	}
	if err := conn.Send(ctx, &msg); err != nil {
		s.setDisconnected()
		return fmt.Errorf("introducing to partner %s: %w", partner, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.partner = partner
	s.form = &form
	s.state = Connected
	s.mu.Unlock()

	logging.FromContext(ctx).Info("connected to partner", zap.String("partner", string(partner)))
	return nil
}

// Send delivers payload to the connected partner, dialing back lazily when
// the partner connected first.
func (s *Session) Send(ctx context.Context, payload wire.Payload) error {
	s.mu.Lock()
	conn, partner, state := s.conn, s.partner, s.state
	s.mu.Unlock()

	if state != Connected {
		return fmt.Errorf("%w: no partner connected", peer.ErrConnection)
	}
	if conn == nil {
		dialed, err := s.channel.Dial(ctx, partner)
		if err != nil {
			return fmt.Errorf("dialing back partner %s: %w", partner, err)
		}
		s.mu.Lock()
		if s.conn == nil {
			s.conn = dialed
		}
		conn = s.conn
		s.mu.Unlock()
	}
	return conn.Send(ctx, payload)
}

func (s *Session) setDisconnected() {
	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
}

// Run dispatches inbound messages until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("session")
	ctx = logging.NewContext(ctx, logger)

	eg, ctx := errgroup.WithContext(ctx)
	for kind, queue := range s.queues {
		kind, queue := kind, queue
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-queue:
					s.dispatch(ctx, kind, msg)
				}
			}
		})
	}
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case in, ok := <-s.channel.Inbox():
				if !ok {
					return nil
				}
				s.intake(ctx, in)
			}
		}
	})
	return eg.Wait()
}

// intake decodes, deduplicates and enqueues one raw inbound message. It never
// blocks: a full queue drops the message instead of stalling other kinds.
func (s *Session) intake(ctx context.Context, in peer.Inbound) {
	logger := logging.FromContext(ctx)

	payload, err := wire.Decode(in.Kind, in.Data)
	if err != nil {
		droppedMetric.WithLabelValues(in.Kind.String(), "malformed").Inc()
		logger.Warn("dropping malformed message",
			zap.Stringer("kind", in.Kind), zap.String("from", string(in.From)), zap.Error(err))
		return
	}

	var digest [sha256.Size]byte
	hasher := sha256.New()
	hasher.Write([]byte(in.From))
	hasher.Write([]byte{byte(in.Kind)})
	hasher.Write(in.Data)
	hasher.Sum(digest[:0])
	if seen, _ := s.seen.ContainsOrAdd(digest, struct{}{}); seen {
		droppedMetric.WithLabelValues(in.Kind.String(), "duplicate").Inc()
		logger.Debug("suppressing duplicate message", zap.Stringer("kind", in.Kind))
		return
	}

	if in.Kind == wire.KindConnect {
		msg := payload.(*wire.Connect)
		s.mu.Lock()
		s.partner = in.From
		form := msg.Form
		s.form = &form
		s.state = Connected
		s.mu.Unlock()
		logger.Info("partner connected",
			zap.String("partner", string(in.From)),
			zap.String("registeree", msg.Form.Registeree.Hex()),
			zap.Uint64("chain_id", msg.Form.ChainID))
	} else {
		s.mu.Lock()
		partner, state := s.partner, s.state
		s.mu.Unlock()
		if state != Connected || in.From != partner {
			droppedMetric.WithLabelValues(in.Kind.String(), "unexpected_peer").Inc()
			logger.Warn("dropping message from unexpected peer",
				zap.Stringer("kind", in.Kind), zap.String("from", string(in.From)))
			return
		}
	}

	if _, ok := s.handlers.handler(in.Kind); !ok {
		droppedMetric.WithLabelValues(in.Kind.String(), "no_handler").Inc()
		logger.Debug("no handler registered, ignoring message", zap.Stringer("kind", in.Kind))
		return
	}

	select {
	case s.queues[in.Kind] <- inboundMsg{from: in.From, payload: payload}:
	default:
		droppedMetric.WithLabelValues(in.Kind.String(), "backlog").Inc()
		logger.Warn("queue full, dropping message", zap.Stringer("kind", in.Kind))
	}
}

func (s *Session) dispatch(ctx context.Context, kind wire.Kind, msg inboundMsg) {
	// Looked up again so a handler replaced after enqueue still wins.
	handler, ok := s.handlers.handler(kind)
	if !ok {
		return
	}
	if err := handler(ctx, s, msg.payload); err != nil {
		logging.FromContext(ctx).Error("message handler failed",
			zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	handledMetric.WithLabelValues(kind.String()).Inc()
}

// Close tears down the partner link and the underlying channel.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()

	var result *multierror.Error
	if conn != nil {
		result = multierror.Append(result, conn.Close())
	}
	result = multierror.Append(result, s.channel.Close())
	return result.ErrorOrNil()
}
