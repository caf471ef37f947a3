package sched

import (
	"context"
	"testing"
	"time"
)

func TestManual_TickOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []int
	m.Defer(func() {
		got = append(got, 1)
		m.Defer(func() { got = append(got, 3) })
	})
	m.Defer(func() { got = append(got, 2) })

	if ran := m.Tick(); ran != 2 {
		t.Fatalf("first tick: ran %d, want 2", ran)
	}
	if len(got) != 2 {
		t.Fatalf("after first tick: got %v", got)
	}
	m.Tick()
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("after second tick: got %v", got)
	}
}

func TestManual_Cancel(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ran := false
	h := m.Defer(func() { ran = true })
	h.Cancel()
	m.Tick()
	if ran {
		t.Error("cancelled callback ran")
	}
}

func TestManual_AdvanceFiresTimersInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string
	m.After(200*time.Millisecond, func() { got = append(got, "b") })
	m.After(100*time.Millisecond, func() { got = append(got, "a") })
	h := m.After(150*time.Millisecond, func() { got = append(got, "x") })
	h.Cancel()

	m.Advance(120 * time.Millisecond)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("after 120ms: got %v", got)
	}
	m.Advance(100 * time.Millisecond)
	if len(got) != 2 || got[1] != "b" {
		t.Errorf("after 220ms: got %v", got)
	}
	if m.Timers() != 0 {
		t.Errorf("Timers: got %d, want 0", m.Timers())
	}
}

func TestManual_Step(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	m.Step = time.Millisecond
	a := m.Now()
	b := m.Now()
	if b.Sub(a) != time.Millisecond {
		t.Errorf("step: got %v", b.Sub(a))
	}
}

func TestLoop_DoRunsOnLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lp := NewLoop()
	go lp.Run(ctx)

	counter := 0
	for i := 0; i < 10; i++ {
		if err := lp.Do(ctx, func() { counter++ }); err != nil {
			t.Fatal(err)
		}
	}
	if counter != 10 {
		t.Errorf("counter: got %d, want 10", counter)
	}
}

func TestLoop_AfterAndDefer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lp := NewLoop()
	go lp.Run(ctx)

	done := make(chan string, 2)
	lp.Post(func() {
		lp.Defer(func() { done <- "defer" })
		lp.After(5*time.Millisecond, func() { done <- "after" })
	})

	first := <-done
	second := <-done
	if first != "defer" || second != "after" {
		t.Errorf("order: got %s, %s", first, second)
	}
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lp := NewLoop()
	go lp.Run(ctx)

	lp.Post(func() { panic("boom") })
	ok := false
	if err := lp.Do(ctx, func() { ok = true }); err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("loop did not survive panic")
	}
}

func TestLoop_DoAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lp := NewLoop(WithQueue(1))
	stopped := make(chan struct{})
	go func() {
		lp.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// Fill the queue so the send cannot succeed.
	lp.tasks <- &task{fn: func() {}}
	if err := lp.Do(context.Background(), func() {}); err != ErrStopped {
		t.Errorf("Do after stop: got %v, want ErrStopped", err)
	}
}
