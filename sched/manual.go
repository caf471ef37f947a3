package sched

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler for tests: ticks and timers only run
// when the test calls Tick or Advance.
type Manual struct {
	now    time.Time
	queue  []*task
	timers []*manualTimer
	seq    int

	// Step, when non-zero, advances the clock on every Now call. It lets
	// tests exercise time budgets without sleeping.
	Step time.Duration
}

type manualTimer struct {
	task *task
	due  time.Time
	seq  int
}

func (t *manualTimer) Cancel() { t.task.Cancel() }

// NewManual creates a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Defer implements Scheduler.
func (m *Manual) Defer(fn func()) Handle {
	t := &task{fn: fn}
	m.queue = append(m.queue, t)
	return t
}

// After implements Scheduler.
func (m *Manual) After(d time.Duration, fn func()) Handle {
	m.seq++
	mt := &manualTimer{task: &task{fn: fn}, due: m.now.Add(d), seq: m.seq}
	m.timers = append(m.timers, mt)
	return mt
}

// Now implements Scheduler.
func (m *Manual) Now() time.Time {
	now := m.now
	if m.Step > 0 {
		m.now = m.now.Add(m.Step)
	}
	return now
}

// Pending returns the number of live callbacks queued for the next tick.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.queue {
		if !t.cancelled.Load() {
			n++
		}
	}
	return n
}

// Timers returns the number of live timers.
func (m *Manual) Timers() int {
	n := 0
	for _, t := range m.timers {
		if !t.task.cancelled.Load() {
			n++
		}
	}
	return n
}

// Tick runs the callbacks queued before the call. Callbacks deferred while
// ticking run on the following tick. It returns how many callbacks ran.
func (m *Manual) Tick() int {
	batch := m.queue
	m.queue = nil
	ran := 0
	for _, t := range batch {
		if t.cancelled.Load() {
			continue
		}
		t.fn()
		ran++
	}
	return ran
}

// RunUntilIdle ticks until no callbacks remain or max ticks ran. It returns
// the number of ticks.
func (m *Manual) RunUntilIdle(max int) int {
	ticks := 0
	for ticks < max && m.Pending() > 0 {
		m.Tick()
		ticks++
	}
	return ticks
}

// Advance moves the clock forward by d, firing due timers in due order.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].due.Equal(m.timers[j].due) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].due.Before(m.timers[j].due)
		})
		if len(m.timers) == 0 || m.timers[0].due.After(target) {
			break
		}
		next := m.timers[0]
		m.timers = m.timers[1:]
		if next.due.After(m.now) {
			m.now = next.due
		}
		if !next.task.cancelled.Load() {
			next.task.fn()
		}
	}
	m.now = target
}
