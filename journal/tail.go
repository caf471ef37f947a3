// CLAUDE:SUMMARY Replays journal bundles into a reconciler, polling for new rows and resyncing from the latest snapshot.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/domirror/sched"
	"github.com/hazyhaar/domirror/watch"
	"github.com/hazyhaar/domirror/wire"
)

// Applier consumes replayed bundles. *reconcile.Reconciler is one.
type Applier interface {
	ApplyBundle(b *wire.Bundle) error
}

// TailOptions configures a Tail.
type TailOptions struct {
	// Scheduler runs the tail's state changes. It must be the scheduler the
	// Applier runs on. Required.
	Scheduler sched.Scheduler
	// Enter runs fn on the scheduler and waits, for use from the polling
	// goroutine. sched.Loop.Do fits. Default: call fn directly.
	Enter func(ctx context.Context, fn func()) error
	// Interval is the polling period. Default: 250ms.
	Interval time.Duration
	// BatchSize bounds the rows read per query. Default: 256.
	BatchSize int
	Logger    *slog.Logger
}

func (o *TailOptions) defaults() {
	if o.Enter == nil {
		o.Enter = func(_ context.Context, fn func()) error { fn(); return nil }
	}
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Tail replays a journal into an Applier: it starts from the latest
// snapshot and then follows appended bundles. Apart from Run, its methods
// must be called on the scheduler.
type Tail struct {
	j     *Journal
	apply Applier
	opts  TailOptions
	w     *watch.Watcher
	ctx   context.Context

	cursor   int64
	seekedTo int64
	started  bool
	resync   bool
	preserve bool
	failed   bool
	applying bool
	replayed int
}

// NewTail creates a Tail. Wire Resync as the applier's reload hook so that
// a rejected bundle restarts from the latest snapshot.
func NewTail(j *Journal, apply Applier, opts TailOptions) *Tail {
	opts.defaults()
	return &Tail{
		j:     j,
		apply: apply,
		opts:  opts,
		ctx:   context.Background(),
		w: watch.New(j.db, watch.Options{
			Interval: opts.Interval,
			Detector: watch.MaxColumnDetector("bundles", "seq"),
			Backlog:  true,
			Logger:   opts.Logger,
		}),
	}
}

// Cursor returns the last journal sequence number applied.
func (t *Tail) Cursor() int64 { return t.cursor }

// Replayed returns the number of bundles handed to the applier.
func (t *Tail) Replayed() int { return t.replayed }

// CatchUp applies every bundle after the cursor. The first call starts from
// the latest snapshot; bundles older than it are skipped.
func (t *Tail) CatchUp(ctx context.Context) (int, error) {
	if !t.started {
		t.started = true
		t.resync = true
	}
	t.applying = true
	defer func() { t.applying = false }()

	n := 0
	for {
		if t.resync {
			t.resync = false
			if err := t.seek(ctx); err != nil {
				return n, err
			}
		}
		entries, err := t.j.Since(ctx, t.cursor, t.opts.BatchSize)
		if err != nil {
			return n, err
		}
		if len(entries) == 0 {
			return n, nil
		}
		for _, e := range entries {
			t.cursor = e.Seq
			b := e.Bundle
			if t.preserve && b.Kind == wire.KindSnapshot {
				t.preserve = false
				cp := *b
				cp.Reason = wire.ReasonRequested
				b = &cp
			}
			if err := t.apply.ApplyBundle(b); err != nil {
				t.opts.Logger.Warn("journal: replay rejected", "seq", e.Seq, "error", err)
			}
			n++
			t.replayed++
			if t.resync {
				break
			}
		}
	}
}

// seek moves the cursor to just before the latest snapshot. With no
// snapshot yet, replay starts from the beginning. When replaying from that
// same snapshot is what failed, the cursor stays put and the applier waits
// for the next snapshot.
func (t *Tail) seek(ctx context.Context) error {
	failed := t.failed
	t.failed = false
	snap, err := t.j.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		if !failed {
			t.cursor = 0
		}
		return nil
	case err != nil:
		return fmt.Errorf("journal: seek: %w", err)
	}
	if failed && snap.Seq == t.seekedTo {
		t.opts.Logger.Warn("journal: replay failed after snapshot, waiting for a newer one",
			"snapshot", snap.Seq, "cursor", t.cursor)
		return nil
	}
	t.seekedTo = snap.Seq
	t.cursor = snap.Seq - 1
	t.opts.Logger.Debug("journal: seek to snapshot", "seq", snap.Seq)
	return nil
}

// Resync restarts replay at the latest snapshot. The snapshot is replayed
// as a view-preserving one, since it answers a reload.
func (t *Tail) Resync() {
	t.resync = true
	t.preserve = true
	if t.applying {
		t.failed = true
		return
	}
	t.opts.Scheduler.Defer(func() {
		if _, err := t.CatchUp(t.ctx); err != nil {
			t.opts.Logger.Warn("journal: resync failed", "error", err)
		}
	})
}

// Run polls the journal until ctx is done, catching up on the scheduler
// whenever new bundles land.
func (t *Tail) Run(ctx context.Context) error {
	if err := t.opts.Enter(ctx, func() { t.ctx = ctx }); err != nil {
		return err
	}
	t.w.Run(ctx, func(ctx context.Context, _ int64) error {
		var err error
		if enterErr := t.opts.Enter(ctx, func() { _, err = t.CatchUp(ctx) }); enterErr != nil {
			return enterErr
		}
		return err
	})
	return ctx.Err()
}
