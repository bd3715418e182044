package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/wardenwallet/warden/wire"
)

// MemoryNetwork connects channels inside one process. It mirrors the libp2p
// host's semantics (encode-before-send, per-kind tagging, unreachable dials)
// so sessions can be exercised without sockets.
type MemoryNetwork struct {
	mu       sync.Mutex
	channels map[ID]*MemoryChannel
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{channels: make(map[ID]*MemoryChannel)}
}

// Channel returns the endpoint registered under id, creating it on first use.
func (n *MemoryNetwork) Channel(id ID) *MemoryChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.channels[id]; ok {
		return c
	}
	c := &MemoryChannel{
		net:   n,
		id:    id,
		inbox: make(chan Inbound, 64),
		done:  make(chan struct{}),
	}
	n.channels[id] = c
	return c
}

func (n *MemoryNetwork) lookup(id ID) (*MemoryChannel, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.channels[id]
	return c, ok
}

type MemoryChannel struct {
	net       *MemoryNetwork
	id        ID
	inbox     chan Inbound
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sendFault func(remote ID, kind wire.Kind) error
}

var _ Channel = (*MemoryChannel)(nil)

// SetSendFault installs a hook consulted before each send; a returned error
// fails the send without delivering anything. Used to exercise retry paths.
func (c *MemoryChannel) SetSendFault(f func(remote ID, kind wire.Kind) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendFault = f
}

func (c *MemoryChannel) LocalID() ID { return c.id }

func (c *MemoryChannel) Inbox() <-chan Inbound { return c.inbox }

func (c *MemoryChannel) Dial(ctx context.Context, remote ID) (Conn, error) {
	target, ok := c.net.lookup(remote)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not on this network", ErrUnreachable, remote)
	}
	select {
	case <-target.done:
		return nil, fmt.Errorf("%w: %s is closed", ErrUnreachable, remote)
	default:
	}
	return &memoryConn{from: c, to: target}, nil
}

func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type memoryConn struct {
	from *MemoryChannel
	to   *MemoryChannel
}

func (c *memoryConn) Remote() ID { return c.to.id }

func (c *memoryConn) Send(ctx context.Context, p wire.Payload) error {
	data, err := wire.Encode(p)
	if err != nil {
		return err
	}

	c.from.mu.Lock()
	fault := c.from.sendFault
	c.from.mu.Unlock()
	if fault != nil {
		if err := fault(c.to.id, p.Kind()); err != nil {
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}

	select {
	case c.to.inbox <- Inbound{From: c.from.id, Kind: p.Kind(), Data: data}:
		sentMessages.WithLabelValues(p.Kind().String()).Inc()
		receivedMessages.WithLabelValues(p.Kind().String()).Inc()
		return nil
	case <-c.to.done:
		return fmt.Errorf("%w: %s is closed", ErrConnection, c.to.id)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
	}
}

func (c *memoryConn) Close() error { return nil }
