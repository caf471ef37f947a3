// Package sched provides the cooperative scheduling primitives the mirror
// runs on: schedule-on-next-tick, delayed timers and a clock. Every mirror
// component mutates its state only from callbacks run by one Scheduler, so
// no component needs locks of its own.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("sched: loop stopped")

// Handle cancels a scheduled callback. Cancelling a callback that already
// ran is a no-op.
type Handle interface {
	Cancel()
}

// Scheduler runs callbacks cooperatively, one at a time.
type Scheduler interface {
	// Defer runs fn on the next tick.
	Defer(fn func()) Handle
	// After runs fn once d has elapsed.
	After(d time.Duration, fn func()) Handle
	// Now returns the scheduler's clock.
	Now() time.Time
}

type task struct {
	fn        func()
	cancelled atomic.Bool
}

func (t *task) Cancel() { t.cancelled.Store(true) }

// Loop is a Scheduler backed by a single goroutine draining a task queue.
// Callers outside the loop enter it with Post or Do.
type Loop struct {
	tasks   chan *task
	logger  *slog.Logger
	stopped chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(l *slog.Logger) LoopOption {
	return func(lp *Loop) { lp.logger = l }
}

// WithQueue sets the task queue capacity. Default: 1024.
func WithQueue(n int) LoopOption {
	return func(lp *Loop) { lp.tasks = make(chan *task, n) }
}

// NewLoop creates a Loop. Call Run to start draining it.
func NewLoop(opts ...LoopOption) *Loop {
	lp := &Loop{
		tasks:   make(chan *task, 1024),
		logger:  slog.Default(),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(lp)
	}
	return lp
}

// Run drains tasks until ctx is cancelled.
func (lp *Loop) Run(ctx context.Context) {
	defer close(lp.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-lp.tasks:
			lp.run(t)
		}
	}
}

func (lp *Loop) run(t *task) {
	if t.cancelled.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			lp.logger.Error("sched: task panicked", "panic", r)
		}
	}()
	t.fn()
}

// Defer implements Scheduler. It must not be called when the queue is full
// from inside the loop itself; the queue is sized for bursts.
func (lp *Loop) Defer(fn func()) Handle {
	t := &task{fn: fn}
	lp.tasks <- t
	return t
}

// After implements Scheduler using a runtime timer that posts into the loop.
func (lp *Loop) After(d time.Duration, fn func()) Handle {
	t := &task{fn: fn}
	timer := time.AfterFunc(d, func() {
		select {
		case lp.tasks <- t:
		case <-lp.stopped:
		}
	})
	return &timerHandle{task: t, timer: timer}
}

// Now implements Scheduler.
func (lp *Loop) Now() time.Time { return time.Now() }

// Post enqueues fn from any goroutine.
func (lp *Loop) Post(fn func()) {
	select {
	case lp.tasks <- &task{fn: fn}:
	case <-lp.stopped:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (lp *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	t := &task{fn: func() {
		defer close(done)
		fn()
	}}
	select {
	case lp.tasks <- t:
	case <-lp.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-lp.stopped:
		return ErrStopped
	case <-ctx.Done():
		t.Cancel()
		return ctx.Err()
	}
}

type timerHandle struct {
	task  *task
	timer *time.Timer
}

func (h *timerHandle) Cancel() {
	h.timer.Stop()
	h.task.Cancel()
}
