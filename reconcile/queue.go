// CLAUDE:SUMMARY FIFO event queue drained under item and time budgets, applying each mutation to the store.
package reconcile

import (
	"slices"
	"strings"

	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/wire"
)

// Enqueue appends decoded events to the FIFO queue and schedules a drain.
func (r *Reconciler) Enqueue(muts ...wire.Mutation) {
	if len(muts) == 0 {
		return
	}
	r.queue = append(r.queue, muts...)
	r.scheduleDrain()
}

func (r *Reconciler) scheduleDrain() {
	if r.draining == nil {
		r.draining = r.cfg.Scheduler.Defer(r.drain)
	}
}

// drain applies queued events in order until the item or time budget is
// spent. The remainder waits for the next tick.
func (r *Reconciler) drain() {
	r.draining = nil
	sc := r.cfg.Scheduler
	start := sc.Now()
	n := 0
	for len(r.queue) > 0 {
		if n >= r.cfg.MaxItems || (n > 0 && sc.Now().Sub(start) >= r.cfg.Budget) {
			break
		}
		m := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.apply(m)
		n++
	}
	r.stats.Ticks++
	r.stats.Applied += n
	recordDrain(r.ctx, n)
	if len(r.queue) > 0 {
		r.stats.Deferred++
		r.scheduleDrain()
	} else {
		r.queue = nil
	}
}

// Pending returns the number of queued events.
func (r *Reconciler) Pending() int { return len(r.queue) }

func (r *Reconciler) apply(m wire.Mutation) {
	switch m := m.(type) {
	case wire.ChildNodeInserted:
		recordEvent(r.ctx, wire.MethodChildNodeInserted)
		r.applyInserted(m)

	case wire.ChildNodeRemoved:
		recordEvent(r.ctx, wire.MethodChildNodeRemoved)
		r.applyRemoved(m)

	case wire.AttributeModified:
		recordEvent(r.ctx, wire.MethodAttributeModified)
		n := r.require(m.NodeID)
		if n != nil && n.SetAttr(m.Name, m.Value) {
			r.store.MarkDirty(n, model.Change{Attrs: []string{m.Name}})
		}

	case wire.AttributeRemoved:
		recordEvent(r.ctx, wire.MethodAttributeRemoved)
		n := r.require(m.NodeID)
		if n != nil && n.RemoveAttr(m.Name) {
			r.store.MarkDirty(n, model.Change{Attrs: []string{m.Name}})
		}

	case wire.CharacterDataModified:
		recordEvent(r.ctx, wire.MethodCharacterDataModified)
		r.applyText(m)

	case wire.ChildNodeCountUpdated:
		recordEvent(r.ctx, wire.MethodChildNodeCountUpdated)
		n := r.require(m.NodeID)
		if n == nil {
			return
		}
		n.ChildCount = m.ChildNodeCount
		r.store.SyncPlaceholder(n)
		r.store.MarkDirty(n, model.Change{})

	case wire.LayoutUpdated:
		recordEvent(r.ctx, wire.MethodLayoutUpdated)
		n := r.require(m.NodeID)
		if n == nil || n.SelfRendered == m.Rendered {
			return
		}
		n.SelfRendered = m.Rendered
		r.store.PropagateRendered(n.ID)

	case wire.DocumentUpdated:
		recordEvent(r.ctx, wire.MethodDocumentUpdated)
		r.queue = nil
		r.Reload("document updated")
	}
}

// require returns the registered node id, scheduling a refresh when it is
// missing.
func (r *Reconciler) require(id int64) *model.Node {
	if n := r.store.Get(id); n != nil {
		return n
	}
	r.requestRefresh(id)
	return nil
}

func (r *Reconciler) applyInserted(m wire.ChildNodeInserted) {
	parent := r.require(m.ParentNodeID)
	if parent == nil {
		return
	}
	f := model.Normalize(m.Node)
	if f == nil {
		return
	}
	if slices.Contains(r.store.Ancestors(parent.ID), f.Root) {
		r.requestRefresh(parent.ID)
		return
	}
	if r.store.Get(f.Root) != nil {
		// The fresher descriptor wins over the registered copy.
		r.store.Detach(f.Root)
	}
	idx := model.FindInsertionIndex(parent.Children, m.PreviousNodeID)
	r.store.InsertChild(parent, f, f.Root, idx)
	r.store.SyncPlaceholder(parent)
	r.restoreChain()
}

func (r *Reconciler) applyRemoved(m wire.ChildNodeRemoved) {
	parent := r.require(m.ParentNodeID)
	if parent == nil {
		return
	}
	if r.store.Get(m.NodeID) == nil {
		return
	}
	r.detach(parent, m.NodeID)
}

// detach removes id from parent, keeping parent's declared count in step
// and the selection on the nearest surviving ancestor.
func (r *Reconciler) detach(parent *model.Node, id int64) {
	r.store.Detach(id)
	if parent.ChildCount > 0 {
		parent.ChildCount--
	}
	r.store.SyncPlaceholder(parent)
	if sel := r.store.Selected(); sel != 0 && r.store.Get(sel) == nil {
		r.store.Reselect(parent.ID)
		r.store.MarkDirty(parent, model.Change{})
	}
}

func (r *Reconciler) applyText(m wire.CharacterDataModified) {
	n := r.require(m.NodeID)
	if n == nil || (n.Kind != model.KindText && n.Kind != model.KindComment) {
		return
	}
	text := strings.TrimSpace(m.CharacterData)
	if text == "" {
		// Empty text is never mirrored.
		if parent := r.store.Get(n.ParentID); parent != nil {
			r.detach(parent, n.ID)
		} else {
			r.store.Remove(n.ID)
		}
		return
	}
	if n.Text != nil && *n.Text == text {
		return
	}
	n.Text = &text
	r.store.MarkDirty(n, model.Change{})
}
