// CLAUDE:SUMMARY Deduplicated node refreshes with retry window, backoff and reload fallback; subtree re-describe.
package reconcile

import (
	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/protocol"
	"github.com/hazyhaar/domirror/wire"
)

// RequestRefresh asks the capture side for the current children of id.
//
// Requests for an id already in flight are coalesced. Every request counts
// against the id's retry window; reaching the limit inside the window
// abandons the id until the next snapshot and triggers one full reload.
func (r *Reconciler) RequestRefresh(id int64) { r.requestRefresh(id) }

func (r *Reconciler) requestRefresh(id int64) {
	if id <= 0 || r.store.Abandoned[id] || r.reloadPending {
		return
	}
	now := r.cfg.Scheduler.Now()
	st := r.store.Retries[id]
	if st == nil || now.Sub(st.Last) > r.cfg.RetryWindow {
		st = &model.RetryState{}
		r.store.Retries[id] = st
	}
	st.Attempts++
	st.Last = now

	if st.Attempts >= r.cfg.RetryLimit {
		r.stats.Abandoned++
		recordRefresh(r.ctx, "abandoned")
		r.logger.Warn("reconcile: refresh retries exhausted, reloading", "id", id, "attempts", st.Attempts)
		delete(r.store.Refreshing, id)
		delete(r.store.Retries, id)
		if h := r.retryTimers[id]; h != nil {
			h.Cancel()
			delete(r.retryTimers, id)
		}
		r.store.Abandoned[id] = true
		r.Reload("refresh exhausted")
		return
	}
	if r.store.Refreshing[id] {
		r.stats.Coalesced++
		recordRefresh(r.ctx, "coalesced")
		return
	}
	if r.cmd == nil {
		return
	}

	r.store.Refreshing[id] = true
	r.stats.Refreshes++
	recordRefresh(r.ctx, "sent")
	r.logger.Debug("reconcile: refreshing", "id", id, "attempt", st.Attempts)

	call := r.cmd.SendCommand(r.ctx, wire.MethodRequestChildNodes,
		wire.RequestChildNodesParams{NodeID: id, Depth: r.cfg.ChildDepth})
	call.Then(func(c *protocol.Call) {
		if !r.store.Refreshing[id] {
			// Fulfilled by the child-nodes callback, or reset by a snapshot.
			return
		}
		if err := c.Err(); err != nil {
			r.logger.Debug("reconcile: refresh failed", "id", id, "error", err)
		}
		r.scheduleRetry(id)
	})
}

// scheduleRetry re-requests id after an exponential backoff. The in-flight
// mark is kept until then so that other requests coalesce.
func (r *Reconciler) scheduleRetry(id int64) {
	if r.retryTimers[id] != nil {
		return
	}
	attempts := 1
	if st := r.store.Retries[id]; st != nil && st.Attempts > 0 {
		attempts = st.Attempts
	}
	delay := r.cfg.Backoff << (attempts - 1)
	delay = min(delay, r.cfg.RetryWindow)
	r.stats.Retries++
	recordRefresh(r.ctx, "retry")
	r.retryTimers[id] = r.cfg.Scheduler.After(delay, func() {
		delete(r.retryTimers, id)
		if !r.store.Refreshing[id] {
			return
		}
		delete(r.store.Refreshing, id)
		r.requestRefresh(id)
	})
}

// Reload replaces the registry with a fresh snapshot, preserving view
// state. Only one reload is in flight at a time; events arriving meanwhile
// are dropped because the snapshot supersedes them.
func (r *Reconciler) Reload(cause string) {
	if r.reloadPending {
		return
	}
	r.reloadPending = true
	r.stats.Reloads++
	recordReload(r.ctx, cause)
	r.queue = nil
	if r.draining != nil {
		r.draining.Cancel()
		r.draining = nil
	}
	r.logger.Info("reconcile: reloading", "cause", cause)

	if r.cfg.Reload != nil {
		r.cfg.Reload()
		return
	}
	if r.cmd == nil {
		r.logger.Warn("reconcile: no way to reload")
		r.reloadPending = false
		return
	}
	call := r.cmd.SendCommand(r.ctx, wire.MethodGetDocument, wire.GetDocumentParams{Depth: r.cfg.SnapshotDepth})
	call.Then(func(c *protocol.Call) {
		if !r.reloadPending {
			// A pushed snapshot already landed.
			return
		}
		var snap wire.Snapshot
		if err := c.Decode(&snap); err != nil || snap.Root == nil {
			r.logger.Warn("reconcile: reload failed", "error", err)
			r.reloadPending = false
			return
		}
		r.ApplySnapshot(&snap, true)
	})
}

// FetchChildren requests the full child list of id, for expanding a node
// whose children are not all materialised. The result is merged by the
// child-nodes callback.
func (r *Reconciler) FetchChildren(id int64) *protocol.Call {
	if r.cmd == nil {
		return nil
	}
	r.expanding[id] = true
	call := r.cmd.SendCommand(r.ctx, wire.MethodRequestChildNodes,
		wire.RequestChildNodesParams{NodeID: id, Depth: r.cfg.ChildDepth})
	call.Then(func(c *protocol.Call) {
		delete(r.expanding, id)
		if err := c.Err(); err != nil {
			r.logger.Debug("reconcile: child fetch failed", "id", id, "error", err)
		}
	})
	return call
}

// DescribeSubtree re-describes the subtree rooted at id, depth levels
// deep (0 lets the capture side pick), and merges the result with
// ApplySubtree. Loaded state below the described depth is kept.
func (r *Reconciler) DescribeSubtree(id int64, depth int) *protocol.Call {
	if r.cmd == nil {
		return nil
	}
	call := r.cmd.SendCommand(r.ctx, wire.MethodDescribeNode,
		wire.DescribeNodeParams{NodeID: id, Depth: depth})
	call.Then(func(c *protocol.Call) {
		var d wire.Descriptor
		if err := c.Decode(&d); err != nil {
			r.logger.Debug("reconcile: describe failed", "id", id, "error", err)
			return
		}
		r.ApplySubtree(&d)
	})
	return call
}

// NeedsChildren reports whether n's last child is a placeholder, or n
// declares children none of which are materialised.
func NeedsChildren(n *model.Node) bool {
	if n == nil || n.IsPlaceholder() {
		return false
	}
	if len(n.Children) == 0 {
		return n.ChildCount > 0
	}
	return n.Children[len(n.Children)-1] < 0
}

// fetchExpanded re-requests the children of expanded nodes that came back
// from a shallow snapshot with only a placeholder.
func (r *Reconciler) fetchExpanded() {
	fetched := 0
	r.store.Walk(r.store.RootID(), func(n *model.Node) bool {
		if fetched >= r.cfg.ExpandFetch {
			return false
		}
		if !r.store.Expanded(n.ID) {
			return false
		}
		if NeedsChildren(n) {
			r.FetchChildren(n.ID)
			fetched++
			return false
		}
		return true
	})
	if fetched > 0 {
		r.logger.Debug("reconcile: fetching children of expanded nodes", "count", fetched)
	}
}
