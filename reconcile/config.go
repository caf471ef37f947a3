package reconcile

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/domirror/sched"
)

// Default budgets and retry policy.
const (
	DefaultMaxItems    = 250
	DefaultBudget      = 8 * time.Millisecond
	DefaultRetryLimit  = 3
	DefaultRetryWindow = 5 * time.Second
	DefaultBackoff     = 200 * time.Millisecond
	DefaultExpandFetch = 32
)

// Config configures a Reconciler.
type Config struct {
	// Scheduler drives the event queue and retry timers. Default: a new
	// sched.Loop, which the caller must Run.
	Scheduler sched.Scheduler
	Logger    *slog.Logger

	// MaxItems and Budget bound the work done per queue tick; whichever is
	// hit first ends the tick.
	MaxItems int
	Budget   time.Duration

	// RetryLimit refresh requests for one id inside RetryWindow escalate to
	// a full reload. Retries back off from Backoff, doubling.
	RetryLimit  int
	RetryWindow time.Duration
	Backoff     time.Duration

	// ChildDepth is the depth asked for in DOM.requestChildNodes.
	ChildDepth int
	// SnapshotDepth is the depth asked for on reload; 0 lets the capture
	// side pick.
	SnapshotDepth int
	// ExpandFetch caps the child fetches issued for expanded placeholders
	// after a state-preserving snapshot.
	ExpandFetch int

	// Reload, when set, replaces the DOM.getDocument reload. Sources that
	// cannot answer commands (a journal tail) use it to replay instead.
	Reload func()
}

func (c *Config) defaults() {
	if c.Scheduler == nil {
		c.Scheduler = sched.NewLoop()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = DefaultRetryWindow
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.ChildDepth <= 0 {
		c.ChildDepth = 1
	}
	if c.ExpandFetch <= 0 {
		c.ExpandFetch = DefaultExpandFetch
	}
}
