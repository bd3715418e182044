// Package wire defines the closed set of protocol messages exchanged between
// a registeree and a relayer, and the codec that frames them.
//
// Payloads are JSON records validated on both encode and decode. Peer input is
// never trusted: decoding rejects unknown fields, wrong lengths and missing
// required values before anything reaches session state.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrSerialization reports an outbound payload that failed validation
	// before any I/O took place.
	ErrSerialization = errors.New("invalid outbound payload")
	// ErrMalformedPayload reports an inbound payload violating the message
	// schema. The message is dropped; session state is unchanged.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownKind      = errors.New("unknown message kind")
)

// MaxPayloadSize caps a single message read off a peer stream.
const MaxPayloadSize = 1 << 20

// Kind tags every message with its protocol meaning. The set is closed;
// dispatch is exhaustive and unknown kinds never reach a handler.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnect
	KindAckSig
	KindAckRec
	KindAckPay
	KindRegSig
	KindRegRec
	KindRegPay
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindAckSig:
		return "ack-sig"
	case KindAckRec:
		return "ack-rec"
	case KindAckPay:
		return "ack-pay"
	case KindRegSig:
		return "reg-sig"
	case KindRegRec:
		return "reg-rec"
	case KindRegPay:
		return "reg-pay"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Kinds returns every valid message kind.
func Kinds() []Kind {
	return []Kind{KindConnect, KindAckSig, KindAckRec, KindAckPay, KindRegSig, KindRegRec, KindRegPay}
}

// KindFromString resolves a kind from its wire name.
func KindFromString(name string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Payload is implemented by every message payload.
type Payload interface {
	Kind() Kind
	Validate() error
}

// Encode validates and serializes an outbound payload.
func Encode(p Payload) ([]byte, error) {
	if k := p.Kind(); k == KindUnknown || k > KindRegPay {
		return nil, fmt.Errorf("%w: missing message kind", ErrSerialization)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// Decode parses and validates an inbound payload of the given kind.
// Any schema violation yields ErrMalformedPayload.
func Decode(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindConnect:
		p, err := decode[Connect](data)
		if err != nil {
			return nil, err
		}
		return p, nil
	case KindAckSig, KindRegSig:
		p, err := decode[SignedAuthorization](data)
		if err != nil {
			return nil, err
		}
		p.kind = kind
		return p, nil
	case KindAckRec, KindRegRec:
		p, err := decode[Receipt](data)
		if err != nil {
			return nil, err
		}
		p.kind = kind
		return p, nil
	case KindAckPay, KindRegPay:
		p, err := decode[Payment](data)
		if err != nil {
			return nil, err
		}
		p.kind = kind
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

type validatable interface {
	Validate() error
}

// payloadPtr constrains P to payload types validatable via pointer receiver.
type payloadPtr[P any] interface {
	validatable
	*P
}

func decode[P any, T payloadPtr[P]](data []byte) (*P, error) {
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedPayload, MaxPayloadSize)
	}
	p := new(P)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	// Reject trailing garbage after the JSON value.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedPayload)
	}
	if err := T(p).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return p, nil
}
