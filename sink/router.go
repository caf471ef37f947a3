// CLAUDE:SUMMARY Fans bundles out to every registered sink, logging failures.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/domirror/wire"
)

// Router publishes each bundle to every sink. A failing sink is logged and
// does not stop delivery to the rest; Publish joins the errors.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter fans out to sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Add registers another sink. Not safe while Publish runs.
func (r *Router) Add(s Sink) { r.sinks = append(r.sinks, s) }

// Len returns the number of sinks.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) Publish(ctx context.Context, b *wire.Bundle) error {
	var errs []error
	for i, s := range r.sinks {
		if err := s.Publish(ctx, b); err != nil {
			r.logger.Warn("sink: publish failed",
				"sink", i, "bundle", b.ID, "seq", b.Seq, "kind", b.Kind, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
