package sink

import (
	"context"

	"github.com/hazyhaar/domirror/wire"
)

// BundleFunc receives a bundle in-process.
type BundleFunc func(ctx context.Context, b *wire.Bundle) error

// Callback hands bundles to a function without encoding them. The host
// uses it to broadcast to its peers.
type Callback struct{ fn BundleFunc }

// NewCallback wraps fn. A nil fn discards bundles.
func NewCallback(fn BundleFunc) *Callback { return &Callback{fn: fn} }

func (c *Callback) Publish(ctx context.Context, b *wire.Bundle) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, b)
}

func (c *Callback) Close() error { return nil }
