package session

import (
	"context"
	"sync"

	"github.com/wardenwallet/warden/wire"
)

// HandlerFunc processes one decoded message from the connected partner. The
// session is passed in so handlers can reply on the same channel.
type HandlerFunc func(ctx context.Context, s *Session, payload wire.Payload) error

// HandlerRegistry maps message kinds to handlers. Each kind has at most one
// handler; which kinds are wired depends on the role the session plays.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[wire.Kind]HandlerFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[wire.Kind]HandlerFunc)}
}

// Register installs h for kind, replacing any previous handler. The last
// registration wins, which lets tests shadow a default handler.
func (r *HandlerRegistry) Register(kind wire.Kind, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *HandlerRegistry) handler(kind wire.Kind) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
