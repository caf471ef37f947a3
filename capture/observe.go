package capture

import (
	"time"

	"github.com/hazyhaar/domirror/livedom"
	"github.com/hazyhaar/domirror/wire"
)

// EnableAutoUpdates starts observing the document. Bundles are published
// at most once per debounce window. Calling it again only updates the
// parameters.
func (a *Agent) EnableAutoUpdates(debounce time.Duration, maxDepth int) {
	if debounce <= 0 {
		debounce = a.cfg.Debounce
	}
	if maxDepth <= 0 {
		maxDepth = a.cfg.MaxDepth
	}
	a.debounce = debounce
	a.autoDepth = maxDepth
	if a.auto {
		return
	}
	a.auto = true
	a.unobserve = a.doc.Observe(a.onRecord)
	a.logger.Info("capture: auto updates enabled", "debounce", debounce, "max_depth", maxDepth)
	if len(a.ids) == 0 {
		a.schedule(wire.ReasonInitial)
	}
}

// DisableAutoUpdates stops observing and drops anything queued.
func (a *Agent) DisableAutoUpdates() {
	if !a.auto {
		return
	}
	a.auto = false
	if a.unobserve != nil {
		a.unobserve()
		a.unobserve = nil
	}
	if a.timer != nil {
		a.timer.Cancel()
		a.timer = nil
	}
	a.queue = nil
	a.overflow = false
	a.docReset = false
	a.pendingReason = ""
	a.logger.Info("capture: auto updates disabled")
}

// AutoUpdates reports whether auto updates are on.
func (a *Agent) AutoUpdates() bool { return a.auto }

// Suppress pauses batch scheduling. Calls nest; records keep queueing.
func (a *Agent) Suppress() { a.suppressed++ }

// Resume undoes one Suppress. When the last one is undone, an update that
// was requested meanwhile is scheduled.
func (a *Agent) Resume() {
	if a.suppressed == 0 {
		return
	}
	a.suppressed--
	if a.suppressed == 0 && a.pendingReason != "" {
		reason := a.pendingReason
		a.pendingReason = ""
		a.schedule(reason)
	}
}

func (a *Agent) onRecord(r livedom.Record) {
	if r.Type == livedom.DocumentReplaced {
		a.queue = nil
		a.overflow = false
		a.docReset = true
		a.schedule(wire.ReasonDocument)
		return
	}
	if a.overflow {
		return
	}
	if len(a.queue) >= a.cfg.MaxPending {
		a.logger.Warn("capture: mutation queue overflow", "cap", a.cfg.MaxPending)
		a.overflow = true
		a.queue = nil
		a.schedule(wire.ReasonOverflow)
		return
	}
	a.queue = append(a.queue, r)
	a.schedule(wire.ReasonMutation)
}

// schedule arms the debounce timer unless one is already armed. The window
// is fixed from the first record so a steady stream of mutations cannot
// starve the flush.
func (a *Agent) schedule(reason string) {
	if !a.auto {
		return
	}
	if a.suppressed > 0 {
		a.pendingReason = reason
		return
	}
	if a.timer != nil {
		return
	}
	a.timer = a.cfg.Scheduler.After(a.debounce, a.flush)
}

// flush applies the dispatch policy: document reset, initial snapshot,
// overflow snapshot, compact-abort snapshot, or the compacted events.
func (a *Agent) flush() {
	a.timer = nil
	if !a.auto {
		return
	}
	if a.suppressed > 0 {
		a.pendingReason = wire.ReasonMutation
		return
	}

	switch {
	case a.docReset:
		a.docReset = false
		a.queue = nil
		a.overflow = false
		a.resetIDs()
		a.publishEvents(wire.ReasonDocument, []wire.Event{wire.MustEvent(wire.MethodDocumentUpdated, struct{}{})})
	case len(a.ids) == 0:
		a.PublishSnapshot(wire.ReasonInitial, a.autoDepth)
	case a.overflow:
		a.stats.Overflows++
		a.PublishSnapshot(wire.ReasonOverflow, a.cfg.FallbackDepth)
	default:
		events, ok := a.compact()
		if !ok {
			a.stats.CompactAborts++
			a.logger.Warn("capture: compaction over budget, sending snapshot", "budget", a.cfg.CompactBudget)
			a.PublishSnapshot(wire.ReasonCompact, a.cfg.FallbackDepth)
			return
		}
		if len(events) > 0 {
			a.publishEvents(wire.ReasonMutation, events)
		}
	}
}

// PublishSnapshot captures a snapshot and publishes it as a bundle.
func (a *Agent) PublishSnapshot(reason string, depth int) {
	snap := a.CaptureSnapshot(depth)
	a.publish(&wire.Bundle{Kind: wire.KindSnapshot, Reason: reason, Snapshot: snap})
}

func (a *Agent) publishEvents(reason string, events []wire.Event) {
	for _, chunk := range wire.ChunkEvents(events, a.cfg.EventsPerMessage) {
		a.publish(&wire.Bundle{Kind: wire.KindMutation, Reason: reason, Events: chunk})
		a.stats.Events += len(chunk)
	}
}

func (a *Agent) publish(b *wire.Bundle) {
	a.seq++
	b.Version = wire.BundleVersion
	b.ID = a.cfg.IDs()
	b.Seq = a.seq
	b.Timestamp = a.cfg.Scheduler.Now().UnixMilli()
	a.stats.Bundles++
	if err := a.cfg.Sink.Publish(a.ctx, b); err != nil {
		a.logger.Warn("capture: publish failed", "kind", b.Kind, "reason", b.Reason, "seq", b.Seq, "error", err)
	}
}
