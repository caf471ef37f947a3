// Package render turns per-node dirty marks from a model.Store into
// budgeted presentation batches. Marks are coalesced per node until the next
// tick, flushed parents-first, and whatever does not fit the tick's budget
// is carried over rather than dropped.
package render

import (
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/sched"
)

// Presenter applies node state to a display.
type Presenter interface {
	// Create builds the presentation of a node seen for the first time.
	Create(n *model.Node) model.Handle
	// Update refreshes an existing presentation.
	Update(n *model.Node, h model.Handle, c model.Change)
	// ApplySelection and ApplyFilter run once at the end of every batch.
	ApplySelection(id int64)
	ApplyFilter(filter string)
}

// Default budgets.
const (
	DefaultMaxItems = 200
	DefaultBudget   = 8 * time.Millisecond
)

// Config configures a Scheduler.
type Config struct {
	Scheduler sched.Scheduler
	Logger    *slog.Logger
	MaxItems  int
	Budget    time.Duration
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
}

// Stats counts flush work.
type Stats struct {
	Batches  int `json:"batches"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Deferred int `json:"deferred"`
}

type mark struct {
	children bool
	attrs    []string
}

func (m *mark) merge(c model.Change) {
	m.children = m.children || c.Children
	for _, a := range c.Attrs {
		if !slices.Contains(m.attrs, a) {
			m.attrs = append(m.attrs, a)
		}
	}
}

func (m *mark) change() model.Change {
	return model.Change{Children: m.children, Attrs: m.attrs}
}

// Scheduler coalesces dirty marks and flushes them to a Presenter. Like the
// store it serves, it is driven from a single scheduler.
type Scheduler struct {
	cfg       Config
	store     *model.Store
	presenter Presenter
	logger    *slog.Logger

	dirty map[int64]*mark
	tick  sched.Handle
	stats Stats
}

// New creates a Scheduler and installs it as the store's dirty hook.
func New(store *model.Store, p Presenter, cfg Config) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		presenter: p,
		logger:    cfg.Logger,
		dirty:     make(map[int64]*mark),
	}
	store.OnDirty(s.MarkDirty)
	return s
}

// MarkDirty records that n needs presenting. Marks for the same node merge
// until the next flush, which is scheduled if none is pending.
func (s *Scheduler) MarkDirty(n *model.Node, c model.Change) {
	if n == nil {
		return
	}
	m := s.dirty[n.ID]
	if m == nil {
		m = &mark{}
		s.dirty[n.ID] = m
	}
	m.merge(c)
	s.schedule()
}

func (s *Scheduler) schedule() {
	if s.tick == nil {
		s.tick = s.cfg.Scheduler.Defer(s.flush)
	}
}

// Pending returns the number of nodes waiting to be presented.
func (s *Scheduler) Pending() int { return len(s.dirty) }

// Stats returns counters.
func (s *Scheduler) Stats() Stats { return s.stats }

type item struct {
	node *model.Node
	mark *mark
}

func (s *Scheduler) flush() {
	s.tick = nil
	s.flushBatch(s.cfg.MaxItems, s.cfg.Budget)
}

// FlushAll presents everything pending, ignoring budgets, including the
// children a flushed node reveals.
func (s *Scheduler) FlushAll() {
	for len(s.dirty) > 0 {
		if s.tick != nil {
			s.tick.Cancel()
			s.tick = nil
		}
		s.flushBatch(len(s.dirty), 0)
	}
	if s.tick != nil {
		s.tick.Cancel()
		s.tick = nil
	}
}

// flushBatch applies up to maxItems marks, shallowest first, stopping early
// when budget (if non-zero) is spent. Leftovers merge back into the dirty
// set for the next tick.
func (s *Scheduler) flushBatch(maxItems int, budget time.Duration) {
	batch := s.dirty
	s.dirty = make(map[int64]*mark)

	items := make([]item, 0, len(batch))
	for id, m := range batch {
		if n := s.store.Get(id); n != nil {
			items = append(items, item{node: n, mark: m})
		}
	}
	slices.SortFunc(items, func(a, b item) int {
		if a.node.Depth != b.node.Depth {
			return a.node.Depth - b.node.Depth
		}
		switch {
		case a.node.ID < b.node.ID:
			return -1
		case a.node.ID > b.node.ID:
			return 1
		}
		return 0
	})

	sc := s.cfg.Scheduler
	start := sc.Now()
	applied := 0
	for i, it := range items {
		if applied >= maxItems || (budget > 0 && applied > 0 && sc.Now().Sub(start) >= budget) {
			s.requeue(items[i:])
			break
		}
		s.present(it)
		s.reveal(it.node, batch)
		applied++
	}

	s.presenter.ApplySelection(s.store.Selected())
	s.presenter.ApplyFilter(s.store.Filter())
	s.stats.Batches++
	s.logger.Debug("render: batch flushed", "applied", applied, "pending", len(s.dirty))
}

func (s *Scheduler) present(it item) {
	n := it.node
	if h := s.store.Handle(n.ID); h != nil {
		s.presenter.Update(n, h, it.mark.change())
		s.stats.Updated++
		return
	}
	if h := s.presenter.Create(n); h != nil {
		s.store.SetHandle(n.ID, h)
	}
	s.stats.Created++
}

// reveal marks the unpresented children of an open node dirty, so
// expanding a node or filtering the tree shows what lies below it. Children
// already in the current batch are skipped.
func (s *Scheduler) reveal(n *model.Node, batch map[int64]*mark) {
	if !s.store.Expanded(n.ID) && s.store.Filter() == "" {
		return
	}
	for _, id := range n.Children {
		if _, ok := batch[id]; ok || s.store.Handle(id) != nil {
			continue
		}
		s.MarkDirty(s.store.Get(id), model.Change{Children: true})
	}
}

func (s *Scheduler) requeue(rest []item) {
	s.stats.Deferred += len(rest)
	for _, it := range rest {
		m := s.dirty[it.node.ID]
		if m == nil {
			s.dirty[it.node.ID] = it.mark
			continue
		}
		m.merge(it.mark.change())
	}
	s.schedule()
}
