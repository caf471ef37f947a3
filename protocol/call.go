package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hazyhaar/domirror/wire"
)

// Call is the single-resolution future of one command.
type Call struct {
	ID     int64
	Method string

	done chan struct{}

	mu      sync.Mutex
	settled bool
	result  json.RawMessage
	err     error
	then    []func(*Call)
}

func newCall(id int64, method string) *Call {
	return &Call{ID: id, Method: method, done: make(chan struct{})}
}

// settle resolves the call once. Later calls are ignored and return false.
func (c *Call) settle(result json.RawMessage, err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	c.result = result
	c.err = err
	then := c.then
	c.then = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range then {
		fn(c)
	}
	return true
}

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns the rejection error, nil while pending or on success.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Result returns the raw result, already unnested.
func (c *Call) Result() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Decode unmarshals the result into v. It returns the rejection error if
// the call failed.
func (c *Call) Decode(v any) error {
	if err := c.Err(); err != nil {
		return err
	}
	return wire.DecodeResult(c.Result(), v)
}

// Then registers fn to run when the call settles, on the settling
// goroutine. If the call already settled, fn runs immediately.
func (c *Call) Then(fn func(*Call)) {
	c.mu.Lock()
	if !c.settled {
		c.then = append(c.then, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// Wait blocks until the call settles or ctx is done. It must not be called
// from the goroutine that dispatches responses.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.Result(), c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
