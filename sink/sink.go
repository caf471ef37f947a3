// Package sink delivers mirror bundles outside the capture agent: to
// connected inspectors, a journal, stdout or a webhook.
package sink

import (
	"context"

	"github.com/hazyhaar/domirror/wire"
)

// Sink receives every bundle the capture agent emits, in emission order.
// Publish is called from the agent's goroutine and should not block for
// long.
type Sink interface {
	Publish(ctx context.Context, b *wire.Bundle) error
	Close() error
}
