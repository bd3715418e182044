// Package peer carries protocol messages between the two parties.
//
// A Channel owns the local endpoint: it dials partners, delivers inbound
// messages on a single inbox and sends each outbound message on a fresh
// stream tagged with the message kind. Two implementations exist: a libp2p
// host for separate devices and an in-process memory network used by tests
// and the rehearsal harness.
package peer

import (
	"context"
	"errors"

	"github.com/wardenwallet/warden/wire"
)

var (
	// ErrUnreachable reports a failed dial.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrConnection reports a stream that could not be opened or written.
	ErrConnection = errors.New("peer connection failed")
	ErrClosed     = errors.New("channel closed")
)

// ID identifies a peer endpoint on the channel.
type ID string

// Inbound is a fully received, not yet decoded message.
type Inbound struct {
	From ID
	Kind wire.Kind
	Data []byte
}

// Conn is an established connection to one partner. Send opens an
// independent stream per message, so message kinds never share framing.
type Conn interface {
	Remote() ID
	// Send serializes the payload and writes it on a stream tagged with the
	// payload's kind. Fails with wire.ErrSerialization before any I/O if the
	// payload is invalid, with ErrConnection if the stream cannot be opened
	// or written.
	Send(ctx context.Context, p wire.Payload) error
	Close() error
}

// Channel is the local endpoint of the peer wire protocol.
type Channel interface {
	LocalID() ID
	// Dial returns an existing or newly established connection to the
	// remote peer, failing with ErrUnreachable if it cannot be reached.
	Dial(ctx context.Context, remote ID) (Conn, error)
	// Inbox delivers received messages. It is closed when the channel
	// closes.
	Inbox() <-chan Inbound
	Close() error
}
