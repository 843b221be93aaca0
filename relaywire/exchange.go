package relaywire

import (
	"context"
	"sync"
	"sync/atomic"
)

// Exchange pairs control requests with their responses over one
// persistent multiplexed connection. Each expected response type is a
// logical sub-stream, and at most one exchange may be pending per
// sub-stream at a time.
type Exchange struct {
	reqID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Envelope
	closed  bool
}

// NewExchange creates an Exchange with no pending requests.
func NewExchange() *Exchange {
	return &Exchange{pending: make(map[uint64]chan Envelope)}
}

// NextRequestID returns a connection-unique request identifier.
func (x *Exchange) NextRequestID() uint64 {
	return x.reqID.Add(1)
}

// Expect registers interest in the next message of the given type.
// It returns ErrExchangePending if a request on this sub-stream is
// already outstanding, or ErrSessionClosed after Close.
func (x *Exchange) Expect(respType uint64) (<-chan Envelope, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil, ErrSessionClosed
	}
	if _, exists := x.pending[respType]; exists {
		return nil, ErrExchangePending
	}

	ch := make(chan Envelope, 1)
	x.pending[respType] = ch
	return ch, nil
}

// Resolve delivers an incoming message to the pending exchange for its
// type. It returns false if no exchange was waiting, in which case the
// caller handles the message as unsolicited traffic.
func (x *Exchange) Resolve(env Envelope) bool {
	x.mu.Lock()
	ch, ok := x.pending[env.Type]
	if ok {
		delete(x.pending, env.Type)
	}
	x.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// Cancel abandons a pending exchange, freeing its sub-stream.
func (x *Exchange) Cancel(respType uint64) {
	x.mu.Lock()
	delete(x.pending, respType)
	x.mu.Unlock()
}

// Close fails every pending exchange and rejects future ones.
func (x *Exchange) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return
	}
	x.closed = true
	for typ, ch := range x.pending {
		close(ch)
		delete(x.pending, typ)
	}
}

// Await blocks until the expected response arrives, the context is
// cancelled, or the exchange is closed.
func Await(ctx context.Context, ch <-chan Envelope) (Envelope, error) {
	select {
	case env, ok := <-ch:
		if !ok {
			return Envelope{}, ErrSessionClosed
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}
