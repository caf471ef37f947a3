// Package protocol correlates commands with responses and fans events out
// to listeners over any message-boundary-preserving transport.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/domirror/wire"
)

var (
	// ErrClosed rejects commands pending when the router closes.
	ErrClosed = errors.New("protocol: router closed")
	// ErrNoHandler answers inbound commands when no handler is set.
	ErrNoHandler = errors.New("protocol: no command handler")

	errHandlerPanic = errors.New("protocol: command handler panicked")
)

// Transport delivers one serialised message to the peer.
type Transport interface {
	Send(ctx context.Context, data []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, data []byte) error

func (f TransportFunc) Send(ctx context.Context, data []byte) error { return f(ctx, data) }

// Listener receives the params of one event. Returned errors are logged.
type Listener func(params json.RawMessage) error

// ChildNodesFunc receives DOM.requestChildNodes results before the
// awaiting call settles.
type ChildNodesFunc func(cn *wire.ChildNodes)

// CommandHandler serves inbound commands from the peer.
type CommandHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

type listener struct {
	id int
	fn Listener
}

// Router is safe for concurrent use. Continuations registered with
// Call.Then run on the goroutine that calls Dispatch.
type Router struct {
	transport Transport
	logger    *slog.Logger

	mu         sync.Mutex
	nextID     int64
	pending    map[int64]*Call
	listeners  map[string][]listener
	nextLis    int
	childNodes ChildNodesFunc
	handler    CommandHandler
	closed     bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithCommandHandler serves inbound commands.
func WithCommandHandler(h CommandHandler) Option {
	return func(r *Router) { r.handler = h }
}

// NewRouter creates a Router writing to t.
func NewRouter(t Transport, opts ...Option) *Router {
	r := &Router{
		transport: t,
		logger:    slog.Default(),
		pending:   make(map[int64]*Call),
		listeners: make(map[string][]listener),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SendCommand allocates the next id, registers the pending call and
// transmits {id, method, params}. Transmission failures settle the call.
func (r *Router) SendCommand(ctx context.Context, method string, params any) *Call {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c := newCall(0, method)
		c.settle(nil, ErrClosed)
		return c
	}
	r.nextID++
	id := r.nextID
	c := newCall(id, method)
	r.pending[id] = c
	r.mu.Unlock()

	data, err := wire.NewCommand(id, method, params)
	if err == nil {
		err = r.transport.Send(ctx, data)
	}
	if err != nil {
		r.take(id)
		c.settle(nil, fmt.Errorf("protocol: send %s: %w", method, err))
	}
	return c
}

// take removes and returns the pending call for id.
func (r *Router) take(id int64) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.pending[id]
	delete(r.pending, id)
	return c
}

// On registers fn for events named method. The returned function removes
// it.
func (r *Router) On(method string, fn Listener) (off func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextLis++
	id := r.nextLis
	r.listeners[method] = append(r.listeners[method], listener{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		ls := r.listeners[method]
		for i, l := range ls {
			if l.id == id {
				r.listeners[method] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// OnChildNodes sets the single child-nodes callback.
func (r *Router) OnChildNodes(fn ChildNodesFunc) {
	r.mu.Lock()
	r.childNodes = fn
	r.mu.Unlock()
}

// Pending returns the number of unsettled commands.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dispatch handles one inbound payload. Malformed payloads and responses
// for unknown ids are dropped.
func (r *Router) Dispatch(ctx context.Context, payload any) {
	msg, err := wire.ParseMessageValue(payload)
	if err != nil {
		r.logger.Debug("protocol: dropping malformed message", "error", err)
		return
	}
	switch {
	case msg.IsResponse():
		r.settle(msg)
	case msg.IsEvent():
		r.fanOut(msg.Method, msg.Params)
	default:
		r.serve(ctx, *msg.ID, msg.Method, msg.Params)
	}
}

func (r *Router) settle(msg *wire.Message) {
	c := r.take(*msg.ID)
	if c == nil {
		r.logger.Debug("protocol: response for unknown id", "id", *msg.ID)
		return
	}
	if msg.Error != nil {
		c.settle(nil, msg.Error)
		return
	}
	result := wire.Unnest(msg.Result)
	if c.Method == wire.MethodRequestChildNodes {
		r.mu.Lock()
		fn := r.childNodes
		r.mu.Unlock()
		if fn != nil {
			var cn wire.ChildNodes
			if err := json.Unmarshal(result, &cn); err != nil {
				r.logger.Warn("protocol: bad child nodes result", "id", c.ID, "error", err)
			} else {
				r.safely("child nodes callback", func() { fn(&cn) })
			}
		}
	}
	c.settle(result, nil)
}

func (r *Router) fanOut(method string, params json.RawMessage) {
	r.mu.Lock()
	ls := append([]listener(nil), r.listeners[method]...)
	r.mu.Unlock()

	for _, l := range ls {
		r.safely("listener "+method, func() {
			if err := l.fn(params); err != nil {
				r.logger.Warn("protocol: listener failed", "method", method, "error", err)
			}
		})
	}
}

func (r *Router) serve(ctx context.Context, id int64, method string, params json.RawMessage) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()

	var (
		result any
		err    = ErrNoHandler
	)
	if h != nil {
		err = errHandlerPanic
		r.safely("command "+method, func() { result, err = h(ctx, method, params) })
	}

	var data []byte
	if err != nil {
		data, err = wire.NewError(id, err)
	} else {
		data, err = wire.NewResult(id, result)
	}
	if err != nil {
		r.logger.Error("protocol: encode response", "method", method, "error", err)
		return
	}
	if err := r.transport.Send(ctx, data); err != nil {
		r.logger.Warn("protocol: send response", "method", method, "error", err)
	}
}

// safely runs fn, logging instead of propagating a panic.
func (r *Router) safely(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("protocol: recovered panic", "in", what, "panic", p)
		}
	}()
	fn()
}

// Close rejects every pending call with ErrClosed. Later commands fail
// immediately.
func (r *Router) Close() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int64]*Call)
	r.closed = true
	r.mu.Unlock()

	for _, c := range pending {
		c.settle(nil, ErrClosed)
	}
}
