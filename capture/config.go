package capture

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/domirror/idgen"
	"github.com/hazyhaar/domirror/sched"
	"github.com/hazyhaar/domirror/sink"
)

// Config for creating an Agent. Zero values take the defaults noted on each
// field.
type Config struct {
	Sink      sink.Sink
	Scheduler sched.Scheduler
	// Probe answers geometry queries. Nil means the static heuristic only.
	Probe  LayoutProbe
	Logger *slog.Logger
	// IDs generates bundle ids. Default: idgen.Default (UUIDv7).
	IDs idgen.Generator

	// MaxDepth bounds snapshots and subtree captures. Default: 4.
	MaxDepth int
	// ChildLimit truncates child lists while describing. Default: 150.
	ChildLimit int
	// InsertDepth bounds the descriptor sent with an insertion. Default: 2.
	InsertDepth int
	// FallbackDepth bounds overflow and compact snapshots. Default: 2.
	FallbackDepth int
	// Debounce is the auto-update window. Default: 250ms.
	Debounce time.Duration
	// MaxPending caps the raw record queue. Default: 5000.
	MaxPending int
	// CompactBudget caps distinct output events per flush. Default: 1500.
	CompactBudget int
	// LayoutLookups caps geometry queries per capture or flush. Default: 200.
	LayoutLookups int
	// EventsPerMessage chunks mutation bundles. Default: 200.
	EventsPerMessage int
}

func (c *Config) defaults() {
	if c.Sink == nil {
		c.Sink = sink.NewCallback(nil)
	}
	if c.Scheduler == nil {
		c.Scheduler = sched.NewLoop()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.IDs == nil {
		c.IDs = idgen.Default
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 4
	}
	if c.ChildLimit <= 0 {
		c.ChildLimit = 150
	}
	if c.InsertDepth <= 0 {
		c.InsertDepth = 2
	}
	if c.FallbackDepth <= 0 {
		c.FallbackDepth = 2
	}
	if c.Debounce <= 0 {
		c.Debounce = 250 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 5000
	}
	if c.CompactBudget <= 0 {
		c.CompactBudget = 1500
	}
	if c.LayoutLookups <= 0 {
		c.LayoutLookups = 200
	}
	if c.EventsPerMessage <= 0 {
		c.EventsPerMessage = 200
	}
}
