// Package watch polls a SQLite database for a change token and runs an
// action when the token moves. The journal tail uses it to pick up bundles
// written by another process.
//
//	w := watch.New(db, watch.Options{Detector: watch.MaxColumnDetector("bundles", "seq")})
//	go w.Run(ctx, func(ctx context.Context, v int64) error { return tail.catchUp(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different values mean something
// changed in between.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling period. Default: 250ms.
	Interval time.Duration
	// Debounce delays the action until the token has been stable for this
	// long. 0 fires on the first poll that sees the change.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector Detector
	// Backlog makes Run fire on the token present at start instead of
	// treating it as handled.
	Backlog bool
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher is safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	mu      sync.Mutex
	changed chan struct{}

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	runs    atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Runs    int64 `json:"runs"`
	Version int64 `json:"version"`
}

// New creates a Watcher. Run starts it.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts, changed: make(chan struct{})}
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Runs:    w.runs.Load(),
		Version: w.version.Load(),
	}
}

// Version returns the last version the action completed for.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Seed records the current token as already handled.
func (w *Watcher) Seed(ctx context.Context) error {
	v, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		return err
	}
	w.setVersion(v)
	return nil
}

// Poll checks the token once and runs action if it moved, ignoring the
// debounce window. It reports whether the action ran. A failing action
// leaves the version where it was, so the next poll retries.
func (w *Watcher) Poll(ctx context.Context, action func(ctx context.Context, version int64) error) (bool, error) {
	w.checks.Add(1)
	cur, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		w.errors.Add(1)
		return false, err
	}
	if cur == w.version.Load() {
		return false, nil
	}
	w.changes.Add(1)
	return true, w.fire(ctx, action, cur)
}

// Run polls until ctx is done. Unless Options.Backlog is set, the token
// present when Run starts counts as handled.
func (w *Watcher) Run(ctx context.Context, action func(ctx context.Context, version int64) error) {
	log := w.opts.Logger
	if !w.opts.Backlog {
		if err := w.Seed(ctx); err != nil {
			log.Warn("watch: initial version check failed", "error", err)
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			if w.opts.Debounce <= 0 {
				if err := w.fire(ctx, action, cur); err != nil {
					log.Warn("watch: action failed", "version", cur, "error", err)
				}
				continue
			}
			pending = cur
			debounce = time.After(w.opts.Debounce)

		case <-debounce:
			debounce = nil
			if err := w.fire(ctx, action, pending); err != nil {
				log.Warn("watch: action failed", "version", pending, "error", err)
			}
			pending = -1
		}
	}
}

// WaitForVersion blocks until an action completed for a version >= target,
// or ctx is done.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	for {
		w.mu.Lock()
		ch := w.changed
		w.mu.Unlock()
		if w.version.Load() >= target {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context, int64) error, v int64) error {
	if err := action(ctx, v); err != nil {
		w.errors.Add(1)
		return err
	}
	w.runs.Add(1)
	w.setVersion(v)
	return nil
}

func (w *Watcher) setVersion(v int64) {
	w.mu.Lock()
	w.version.Store(v)
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// PragmaDataVersion reads PRAGMA data_version, which moves when another
// connection commits to the same database. Writes made on the polling
// connection itself are invisible to it.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumnDetector polls MAX(column) of table. It sees writes from any
// connection, including the poller's own.
func MaxColumnDetector(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
