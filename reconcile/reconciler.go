// Package reconcile keeps an inspector-side model.Store in sync with a
// capture agent. Snapshots rebuild the registry while preserving view state,
// subtree and child-list results are merged by id, and incremental events
// are applied through a FIFO queue drained under a per-tick budget. Nodes
// that cannot be resolved are refreshed with bounded retries, escalating to
// a single full reload.
//
// A Reconciler is not safe for concurrent use. Every method, and every
// response dispatched to its commander, must run on the configured
// scheduler.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/protocol"
	"github.com/hazyhaar/domirror/sched"
	"github.com/hazyhaar/domirror/wire"
)

// Commander sends commands to the capture side. *protocol.Router is one.
type Commander interface {
	SendCommand(ctx context.Context, method string, params any) *protocol.Call
}

// childNodesSource is implemented by commanders that deliver child-node
// results through a callback, like *protocol.Router.
type childNodesSource interface {
	OnChildNodes(fn protocol.ChildNodesFunc)
}

// Stats counts reconciliation work.
type Stats struct {
	Snapshots int `json:"snapshots"`
	Bundles   int `json:"bundles"`
	Applied   int `json:"applied"`
	Ticks     int `json:"ticks"`
	Deferred  int `json:"deferred"`
	Stale     int `json:"stale"`
	Refreshes int `json:"refreshes"`
	Coalesced int `json:"coalesced"`
	Retries   int `json:"retries"`
	Abandoned int `json:"abandoned"`
	Reloads   int `json:"reloads"`
	Aborted   int `json:"aborted"`
	Queued    int `json:"queued"`
}

// Reconciler applies capture output to a Store.
type Reconciler struct {
	cfg    Config
	store  *model.Store
	cmd    Commander
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	queue    []wire.Mutation
	draining sched.Handle

	// expanding holds ids with an in-flight child fetch that is not a
	// refresh; a result for a parent that vanished meanwhile is dropped.
	expanding   map[int64]bool
	retryTimers map[int64]sched.Handle

	reloadPending bool
	lastSeq       uint64
	stats         Stats
}

// New creates a Reconciler for store. cmd may be nil for sources that only
// push bundles; refreshes are then skipped and reloads need Config.Reload.
func New(store *model.Store, cmd Commander, cfg Config) *Reconciler {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		cfg:         cfg,
		store:       store,
		cmd:         cmd,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
		expanding:   make(map[int64]bool),
		retryTimers: make(map[int64]sched.Handle),
	}
	if src, ok := cmd.(childNodesSource); ok {
		src.OnChildNodes(r.HandleChildNodes)
	}
	return r
}

// Close cancels pending work. In-flight commands are not cancelled; their
// results are still applied if they arrive.
func (r *Reconciler) Close() {
	r.stopTimers()
	r.queue = nil
	r.cancel()
}

// Store returns the reconciled store.
func (r *Reconciler) Store() *model.Store { return r.store }

// Stats returns counters.
func (r *Reconciler) Stats() Stats {
	st := r.stats
	st.Queued = len(r.queue)
	return st
}

// ReloadPending reports whether a full reload is in flight.
func (r *Reconciler) ReloadPending() bool { return r.reloadPending }

func (r *Reconciler) stopTimers() {
	if r.draining != nil {
		r.draining.Cancel()
		r.draining = nil
	}
	for id, h := range r.retryTimers {
		h.Cancel()
		delete(r.retryTimers, id)
	}
}

// HandleBundleEvent is a protocol.Listener for wire.MethodBundle.
func (r *Reconciler) HandleBundleEvent(params json.RawMessage) error {
	b, err := wire.UnmarshalBundle(params)
	if err != nil {
		r.abort("invalid bundle", err)
		return err
	}
	return r.ApplyBundle(b)
}

// ApplyBundle validates b and applies it. Every event of a mutation bundle
// is decoded before any is queued; one unknown or malformed event rejects
// the whole bundle and triggers a reload.
func (r *Reconciler) ApplyBundle(b *wire.Bundle) error {
	if err := b.Validate(); err != nil {
		r.abort("invalid bundle", err)
		return err
	}
	r.stats.Bundles++

	if b.Kind == wire.KindSnapshot {
		r.lastSeq = b.Seq
		preserve := b.Reason != wire.ReasonInitial && b.Reason != wire.ReasonDocument
		r.ApplySnapshot(b.Snapshot, preserve)
		return nil
	}

	muts := make([]wire.Mutation, 0, len(b.Events))
	for i, ev := range b.Events {
		m, err := wire.DecodeEvent(ev)
		if err != nil {
			err = fmt.Errorf("reconcile: bundle %d event %d: %w", b.Seq, i, err)
			r.abort("bad event", err)
			return err
		}
		muts = append(muts, m)
	}

	gap := r.lastSeq != 0 && b.Seq != 0 && b.Seq != r.lastSeq+1
	if b.Seq != 0 {
		r.lastSeq = b.Seq
	}
	switch {
	case r.reloadPending:
		// The pending snapshot supersedes these.
		return nil
	case r.store.Root() == nil:
		r.Reload("mutation before snapshot")
		return nil
	case gap:
		r.logger.Warn("reconcile: bundle sequence gap", "seq", b.Seq)
		r.Reload("sequence gap")
		return nil
	}
	r.Enqueue(muts...)
	return nil
}

func (r *Reconciler) abort(cause string, err error) {
	r.stats.Aborted++
	r.logger.Warn("reconcile: rejecting bundle", "cause", cause, "error", err)
	r.queue = nil
	r.Reload(cause)
}

// ApplySnapshot rebuilds the registry from snap. With preserve set, the
// expansion state and scroll position of ids that still exist carry over
// and the previous selection is kept when it still resolves.
func (r *Reconciler) ApplySnapshot(snap *wire.Snapshot, preserve bool) {
	if snap == nil {
		return
	}
	prevSel := r.store.Selected()
	prevChain := r.store.SelectionChain()
	var (
		expansion map[int64]bool
		scroll    float64
	)
	if preserve {
		expansion = r.store.Expansion()
		scroll = r.store.Scroll()
	}

	r.stopTimers()
	r.queue = nil
	r.reloadPending = false
	clear(r.expanding)
	r.store.Clear()
	r.store.ResetRefresh()
	r.stats.Snapshots++

	f := model.Normalize(snap.Root)
	if f == nil {
		r.logger.Warn("reconcile: snapshot without usable root")
		return
	}
	r.store.Index(f, f.Root, 0, 0, 0)
	r.store.SetRoot(f.Root)
	root := r.store.Root()
	r.store.MarkDirty(root, model.Change{Children: true})

	if preserve {
		r.store.ApplyExpansion(expansion)
		r.store.SetScroll(scroll)
	}
	if _, ok := expansion[root.ID]; !ok {
		r.store.SetExpanded(root.ID, true)
	}

	r.resolveSelection(snap, preserve, prevSel, prevChain)
	r.logger.Debug("reconcile: snapshot applied", "nodes", r.store.Len(), "preserve", preserve, "selected", r.store.Selected())

	if preserve {
		r.fetchExpanded()
	}
}

// snapshotCandidate returns the snapshot's own selection: its explicit id
// if registered, otherwise the deepest registered id on its path.
func (r *Reconciler) snapshotCandidate(snap *wire.Snapshot) int64 {
	if snap.SelectedNodeID != 0 && r.store.Get(snap.SelectedNodeID) != nil {
		return snap.SelectedNodeID
	}
	for i := len(snap.SelectedPath) - 1; i >= 0; i-- {
		if id := snap.SelectedPath[i]; r.store.Get(id) != nil {
			return id
		}
	}
	return 0
}

func (r *Reconciler) resolveSelection(snap *wire.Snapshot, preserve bool, prevSel int64, prevChain []int64) {
	candidate := r.snapshotCandidate(snap)
	explicit := snap.SelectedNodeID != 0 || len(snap.SelectedPath) > 0

	var sel int64
	switch {
	case !preserve:
		sel = candidate
	case explicit && candidate != 0 && snap.SelectedNodeID != prevSel:
		sel = candidate
	case prevSel != 0 && r.store.Get(prevSel) != nil:
		sel = prevSel
	default:
		sel = candidate
	}

	if sel != 0 {
		r.store.Select(sel)
		r.reveal(sel)
		if preserve && sel == prevSel {
			// Same node: keep the chain recorded when it was selected.
			r.store.SetSelectionChain(prevChain)
		}
		return
	}
	r.store.Select(0)
	if preserve && len(prevChain) > 0 {
		r.store.SetSelectionChain(prevChain)
		r.restoreChain()
	}
}

// reveal expands every ancestor of id.
func (r *Reconciler) reveal(id int64) {
	for _, a := range r.store.Ancestors(id) {
		if a != id && !r.store.Expanded(a) {
			r.store.SetExpanded(a, true)
		}
	}
}

// revalidateSelection falls back to the deepest registered id of the
// selection chain when the selected node left the registry.
func (r *Reconciler) revalidateSelection() {
	sel := r.store.Selected()
	if sel == 0 || r.store.Get(sel) != nil {
		return
	}
	r.store.Reselect(0)
	r.restoreChain()
}

// restoreChain moves the selection down the recorded chain as far as the
// registry allows. A selection lost to a re-render is thereby restored as
// soon as the node comes back.
func (r *Reconciler) restoreChain() {
	chain := r.store.SelectionChain()
	if len(chain) == 0 {
		return
	}
	cur := slices.Index(chain, r.store.Selected())
	deepest := -1
	for i := len(chain) - 1; i > cur; i-- {
		if r.store.Get(chain[i]) != nil {
			deepest = i
			break
		}
	}
	if deepest < 0 {
		return
	}
	id := chain[deepest]
	r.store.Reselect(id)
	r.reveal(id)
	if n := r.store.Get(id); n != nil {
		r.store.MarkDirty(n, model.Change{})
	}
}

// ApplySubtree merges a described subtree into the registry. A subtree
// whose root id is not registered is stale and discarded.
func (r *Reconciler) ApplySubtree(d *wire.Descriptor) {
	f := model.Normalize(d)
	if f == nil {
		return
	}
	target := r.store.Get(f.Root)
	if target == nil {
		r.stats.Stale++
		r.logger.Debug("reconcile: discarding stale subtree", "id", f.Root)
		return
	}
	r.merge(target, f)
}

// HandleChildNodes is the protocol.ChildNodesFunc for child-node results.
func (r *Reconciler) HandleChildNodes(cn *wire.ChildNodes) {
	r.ApplyChildList(cn.ParentID, cn.Nodes)
}

// ApplyChildList replaces the child list of parentID. An unknown parent
// schedules a refresh of it, unless the list answers a request already in
// flight for it, in which case that request's retry logic takes over.
func (r *Reconciler) ApplyChildList(parentID int64, children []*wire.Descriptor) {
	parent := r.store.Get(parentID)
	if parent == nil {
		switch {
		case r.store.Refreshing[parentID]:
		case r.expanding[parentID]:
			r.stats.Stale++
		default:
			r.requestRefresh(parentID)
		}
		return
	}
	r.merge(parent, model.NormalizeChildren(parent, children))
}

// merge folds f into target and restores the view state around it: the
// subtree's expansion, the target forced open, the selection and any
// refresh bookkeeping for target.
func (r *Reconciler) merge(target *model.Node, f *model.Fragment) {
	expansion := r.store.CaptureExpansion(target.ID)
	r.store.Merge(target, f, f.Root, target.Depth)
	r.store.PropagateRendered(target.ID)
	r.store.ApplyExpansion(expansion)
	r.store.SetExpanded(target.ID, true)
	r.revalidateSelection()
	r.restoreChain()
	r.fulfil(target.ID)
}

// fulfil ends the refresh lifecycle of id.
func (r *Reconciler) fulfil(id int64) {
	if r.store.Refreshing[id] {
		recordRefresh(r.ctx, "fulfilled")
	}
	delete(r.store.Refreshing, id)
	delete(r.store.Retries, id)
	if h := r.retryTimers[id]; h != nil {
		h.Cancel()
		delete(r.retryTimers, id)
	}
}

// Select selects id, recording its chain and revealing it.
func (r *Reconciler) Select(id int64) bool {
	if !r.store.Select(id) {
		return false
	}
	n := r.store.Get(id)
	if n == nil {
		n = r.store.Root()
	} else {
		r.reveal(id)
	}
	if n != nil {
		r.store.MarkDirty(n, model.Change{})
	}
	return true
}
