package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/protocol"
	"github.com/hazyhaar/domirror/sched"
	"github.com/hazyhaar/domirror/wire"
)

// outbox records the commands the reconciler sends.
type outbox struct {
	sent []*wire.Message
}

func (o *outbox) Send(_ context.Context, data []byte) error {
	m, err := wire.ParseMessage(data)
	if err != nil {
		return err
	}
	o.sent = append(o.sent, m)
	return nil
}

func (o *outbox) methods() []string {
	var out []string
	for _, m := range o.sent {
		out = append(out, m.Method)
	}
	return out
}

func (o *outbox) last() *wire.Message { return o.sent[len(o.sent)-1] }

type fixture struct {
	clock  *sched.Manual
	store  *model.Store
	out    *outbox
	router *protocol.Router
	rec    *Reconciler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock: sched.NewManual(time.Unix(1000, 0)),
		store: model.NewStore(),
		out:   &outbox{},
	}
	f.router = protocol.NewRouter(f.out)
	cfg.Scheduler = f.clock
	f.rec = New(f.store, f.router, cfg)
	t.Cleanup(f.rec.Close)
	return f
}

// respond answers the last command sent with result.
func (f *fixture) respond(t *testing.T, result any) {
	t.Helper()
	data, err := wire.NewResult(*f.out.last().ID, result)
	if err != nil {
		t.Fatal(err)
	}
	f.router.Dispatch(context.Background(), data)
}

func el(id int64, name string, kids ...*wire.Descriptor) *wire.Descriptor {
	return &wire.Descriptor{
		ID:             id,
		NodeType:       wire.ElementNode,
		NodeName:       strings.ToUpper(name),
		LocalName:      name,
		ChildNodeCount: len(kids),
		Children:       kids,
	}
}

func text(id int64, s string) *wire.Descriptor {
	return &wire.Descriptor{ID: id, NodeType: wire.TextNode, NodeName: "#text", NodeValue: s}
}

// page is document(1) > html(2) > body(3) > [ul(4) > li(5..7), p(8) > "hi"(9)].
func page() *wire.Snapshot {
	ul := el(4, "ul", el(5, "li"), el(6, "li"), el(7, "li"))
	p := el(8, "p", text(9, "hi"))
	body := el(3, "body", ul, p)
	doc := &wire.Descriptor{ID: 1, NodeType: wire.DocumentNode, NodeName: "#document", ChildNodeCount: 1,
		Children: []*wire.Descriptor{el(2, "html", body)}}
	return &wire.Snapshot{Root: doc}
}

func snapshotBundle(seq uint64, reason string, snap *wire.Snapshot) *wire.Bundle {
	return &wire.Bundle{Version: wire.BundleVersion, Kind: wire.KindSnapshot, Reason: reason, Seq: seq, Snapshot: snap}
}

func mutationBundle(seq uint64, events ...wire.Event) *wire.Bundle {
	return &wire.Bundle{Version: wire.BundleVersion, Kind: wire.KindMutation, Reason: wire.ReasonMutation, Seq: seq, Events: events}
}

// dump renders the registry state that must not depend on history.
func dump(s *model.Store) string {
	var b strings.Builder
	s.Walk(s.RootID(), func(n *model.Node) bool {
		fmt.Fprintf(&b, "%d p=%d d=%d i=%d c=%d r=%v x=%v;", n.ID, n.ParentID, n.Depth, n.Index, n.ChildCount, n.Rendered, s.Expanded(n.ID))
		return true
	})
	fmt.Fprintf(&b, "sel=%d", s.Selected())
	return b.String()
}

func TestReconciler_PlaceholderConservation(t *testing.T) {
	f := newFixture(t, Config{})
	ul := el(4, "ul", el(5, "li"), el(6, "li"), el(7, "li"))
	ul.ChildNodeCount = 10
	f.rec.ApplySnapshot(&wire.Snapshot{Root: el(1, "html", ul)}, false)

	n := f.store.Get(4)
	if len(n.Children) != 4 {
		t.Fatalf("children: %v", n.Children)
	}
	ph := f.store.Get(n.Children[3])
	if ph == nil || !ph.IsPlaceholder() || ph.Remaining != 7 {
		t.Fatalf("placeholder: %+v", ph)
	}
	if !NeedsChildren(n) {
		t.Error("NeedsChildren: false")
	}

	f.rec.FetchChildren(4)
	if got := f.out.last().Method; got != wire.MethodRequestChildNodes {
		t.Fatalf("sent %s", got)
	}
	var kids []*wire.Descriptor
	for i := int64(0); i < 10; i++ {
		kids = append(kids, el(100+i, "li"))
	}
	f.respond(t, wire.ChildNodes{ParentID: 4, Nodes: kids})

	n = f.store.Get(4)
	if len(n.Children) != 10 || n.ChildCount != 10 {
		t.Fatalf("after fetch: children=%d count=%d", len(n.Children), n.ChildCount)
	}
	if f.store.Get(model.PlaceholderID(4)) != nil {
		t.Error("placeholder survived")
	}
	if f.store.Get(5) != nil {
		t.Error("old child survived a full child list")
	}
}

func TestReconciler_QueueItemBudget(t *testing.T) {
	f := newFixture(t, Config{MaxItems: 5})
	f.rec.ApplySnapshot(page(), false)

	var events []wire.Event
	for i := 0; i < 12; i++ {
		events = append(events, wire.MustEvent(wire.MethodAttributeModified,
			wire.AttributeModified{NodeID: 8, Name: "data-n", Value: fmt.Sprint(i)}))
	}
	if err := f.rec.ApplyBundle(mutationBundle(1, events...)); err != nil {
		t.Fatal(err)
	}

	f.clock.Tick()
	if st := f.rec.Stats(); st.Applied != 5 || f.rec.Pending() != 7 {
		t.Fatalf("first tick: applied=%d pending=%d", st.Applied, f.rec.Pending())
	}
	f.clock.Tick()
	f.clock.Tick()
	if st := f.rec.Stats(); st.Applied != 12 || st.Deferred != 2 {
		t.Fatalf("drained: %+v", st)
	}
	if v, _ := f.store.Get(8).Attr("data-n"); v != "11" {
		t.Errorf("last value: %q", v)
	}

	// Spreading the queue over ticks must not change the outcome.
	whole := newFixture(t, Config{MaxItems: 1000})
	whole.rec.ApplySnapshot(page(), false)
	if err := whole.rec.ApplyBundle(mutationBundle(1, events...)); err != nil {
		t.Fatal(err)
	}
	whole.clock.Tick()
	if st := whole.rec.Stats(); st.Applied != 12 || st.Deferred != 0 {
		t.Fatalf("single tick: %+v", st)
	}
	if got, want := dump(f.store), dump(whole.store); got != want {
		t.Errorf("budgeted store differs from single pass:\n%s\nwant:\n%s", got, want)
	}
}

func TestReconciler_QueueTimeBudget(t *testing.T) {
	f := newFixture(t, Config{Budget: 8 * time.Millisecond})
	f.rec.ApplySnapshot(page(), false)
	for i := 0; i < 10; i++ {
		f.rec.Enqueue(wire.AttributeModified{NodeID: 8, Name: "x", Value: fmt.Sprint(i)})
	}
	f.clock.Step = 5 * time.Millisecond
	f.clock.Tick()
	if st := f.rec.Stats(); st.Applied != 2 {
		t.Fatalf("applied under time budget: %d", st.Applied)
	}
}

func TestReconciler_PreservesOrderAcrossTicks(t *testing.T) {
	f := newFixture(t, Config{MaxItems: 1})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Enqueue(
		wire.AttributeModified{NodeID: 8, Name: "class", Value: "a"},
		wire.AttributeRemoved{NodeID: 8, Name: "class"},
		wire.AttributeModified{NodeID: 8, Name: "class", Value: "b"},
		wire.ChildNodeInserted{ParentNodeID: 4, PreviousNodeID: 5, Node: el(20, "li")},
		wire.ChildNodeRemoved{ParentNodeID: 4, NodeID: 6},
	)
	f.clock.RunUntilIdle(10)

	if v, ok := f.store.Get(8).Attr("class"); !ok || v != "b" {
		t.Errorf("class: %q %v", v, ok)
	}
	got := f.store.Get(4).Children
	want := []int64{5, 20, 7}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("children: got %v, want %v", got, want)
	}
	if f.store.Get(6) != nil {
		t.Error("removed node still registered")
	}
	if n := f.store.Get(20); n.Index != 1 || n.Depth != f.store.Get(4).Depth+1 {
		t.Errorf("inserted stamps: index=%d depth=%d", n.Index, n.Depth)
	}
}

func TestReconciler_RetryLimitFallsBackToOneReload(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)

	for i := 0; i < 3; i++ {
		f.rec.RequestRefresh(99)
	}
	want := []string{wire.MethodRequestChildNodes, wire.MethodGetDocument}
	if got := f.out.methods(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("commands: got %v, want %v", got, want)
	}
	if !f.store.Abandoned[99] || f.store.Refreshing[99] {
		t.Errorf("bookkeeping: abandoned=%v refreshing=%v", f.store.Abandoned[99], f.store.Refreshing[99])
	}
	f.rec.RequestRefresh(99)
	f.rec.RequestRefresh(98)
	if len(f.out.sent) != 2 || f.rec.Stats().Reloads != 1 {
		t.Errorf("after abandon: sent=%v reloads=%d", f.out.methods(), f.rec.Stats().Reloads)
	}

	f.respond(t, page())
	if f.rec.ReloadPending() || f.store.Abandoned[99] {
		t.Error("snapshot did not reset the reload state")
	}
}

func TestReconciler_RefreshRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Enqueue(wire.ChildNodeInserted{ParentNodeID: 500, Node: el(501, "div")})
	f.clock.Tick()

	if got := f.out.methods(); len(got) != 1 || got[0] != wire.MethodRequestChildNodes {
		t.Fatalf("first refresh: %v", got)
	}
	// The capture side answers, but the parent is still unknown here.
	f.respond(t, wire.ChildNodes{ParentID: 500, Nodes: []*wire.Descriptor{el(501, "div")}})
	if f.clock.Timers() != 1 {
		t.Fatalf("retry not scheduled: timers=%d", f.clock.Timers())
	}

	f.clock.Advance(199 * time.Millisecond)
	if len(f.out.sent) != 1 {
		t.Fatal("retried before the backoff elapsed")
	}
	f.clock.Advance(time.Millisecond)
	if len(f.out.sent) != 2 {
		t.Fatalf("second attempt: %v", f.out.methods())
	}

	f.respond(t, wire.ChildNodes{ParentID: 500})
	f.clock.Advance(400 * time.Millisecond)
	want := []string{wire.MethodRequestChildNodes, wire.MethodRequestChildNodes, wire.MethodGetDocument}
	if got := f.out.methods(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("escalation: got %v, want %v", got, want)
	}
}

func TestReconciler_FailedRefreshIsRetried(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.RequestRefresh(3)

	data, _ := wire.NewError(*f.out.last().ID, fmt.Errorf("busy"))
	f.router.Dispatch(context.Background(), data)
	f.clock.Advance(DefaultBackoff)
	if len(f.out.sent) != 2 {
		t.Fatalf("no retry after failure: %v", f.out.methods())
	}

	f.respond(t, wire.ChildNodes{ParentID: 3, Nodes: []*wire.Descriptor{el(40, "main")}})
	if f.store.Refreshing[3] || f.store.Retries[3] != nil {
		t.Error("fulfilled refresh left bookkeeping behind")
	}
	if kids := f.store.Get(3).Children; len(kids) != 1 || kids[0] != 40 {
		t.Errorf("children: %v", kids)
	}
}

func TestReconciler_SnapshotIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	snap := page()
	snap.SelectedNodeID = 6

	f.rec.ApplySnapshot(snap, false)
	first := dump(f.store)

	f.store.SetExpanded(8, true)
	f.rec.Select(9)
	f.rec.ApplySnapshot(snap, false)
	if got := dump(f.store); got != first {
		t.Errorf("state depends on history:\n got %s\nwant %s", got, first)
	}
	if f.store.Selected() != 6 {
		t.Errorf("selected: %d", f.store.Selected())
	}
}

func TestReconciler_SelectionSurvivesPreservingSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Select(6)
	f.store.SetExpanded(8, true)

	f.rec.ApplySnapshot(page(), true)
	if f.store.Selected() != 6 {
		t.Errorf("selected: %d", f.store.Selected())
	}
	if !f.store.Expanded(8) || !f.store.Expanded(4) {
		t.Error("expansion not preserved")
	}

	// An explicit, different snapshot selection wins.
	snap := page()
	snap.SelectedNodeID = 9
	f.rec.ApplySnapshot(snap, true)
	if f.store.Selected() != 9 {
		t.Errorf("explicit selection: %d", f.store.Selected())
	}
}

func TestReconciler_SelectionChainRestored(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Select(6)

	// A re-render replaces li#6 for a moment.
	f.rec.Enqueue(wire.ChildNodeRemoved{ParentNodeID: 4, NodeID: 6})
	f.clock.Tick()
	if f.store.Selected() != 4 {
		t.Fatalf("fallback selection: %d", f.store.Selected())
	}

	f.rec.Enqueue(wire.ChildNodeInserted{ParentNodeID: 4, PreviousNodeID: 5, Node: el(6, "li")})
	f.clock.Tick()
	if f.store.Selected() != 6 {
		t.Errorf("restored selection: %d", f.store.Selected())
	}
}

func TestReconciler_PreservingSnapshotFetchesExpandedPlaceholders(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	for _, id := range []int64{2, 3, 4} {
		f.store.SetExpanded(id, true)
	}
	f.rec.Select(5)

	shallow := page()
	ul := shallow.Root.Children[0].Children[0].Children[0]
	ul.Children = nil
	f.rec.ApplySnapshot(shallow, true)

	if len(f.out.sent) != 1 {
		t.Fatalf("commands: %v", f.out.methods())
	}
	var p wire.RequestChildNodesParams
	if err := json.Unmarshal(f.out.last().Params, &p); err != nil || p.NodeID != 4 {
		t.Fatalf("fetch params: %+v %v", p, err)
	}
	f.respond(t, wire.ChildNodes{ParentID: 4, Nodes: []*wire.Descriptor{el(5, "li"), el(6, "li"), el(7, "li")}})
	if n := f.store.Get(4); len(n.Children) != 3 || NeedsChildren(n) {
		t.Errorf("children after fetch: %v", n.Children)
	}
	if f.store.Selected() != 5 {
		t.Errorf("selection not restored from chain: %d", f.store.Selected())
	}
}

func TestReconciler_BundleWithUnknownEventIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplyBundle(snapshotBundle(1, wire.ReasonInitial, page()))

	b := mutationBundle(2,
		wire.MustEvent(wire.MethodAttributeModified, wire.AttributeModified{NodeID: 8, Name: "id", Value: "x"}),
		wire.Event{Method: "DOM.somethingNew", Params: json.RawMessage(`{}`)},
	)
	if err := f.rec.ApplyBundle(b); err == nil {
		t.Fatal("accepted a bundle with an unknown event")
	}
	f.clock.RunUntilIdle(5)
	if _, ok := f.store.Get(8).Attr("id"); ok {
		t.Error("partially applied a rejected bundle")
	}
	if got := f.out.methods(); len(got) != 1 || got[0] != wire.MethodGetDocument {
		t.Errorf("commands: %v", got)
	}
}

func TestReconciler_MutationsWithoutSnapshotReload(t *testing.T) {
	f := newFixture(t, Config{})
	ev := wire.MustEvent(wire.MethodAttributeModified, wire.AttributeModified{NodeID: 8, Name: "a", Value: "b"})
	if err := f.rec.ApplyBundle(mutationBundle(5, ev)); err != nil {
		t.Fatal(err)
	}
	if got := f.out.methods(); len(got) != 1 || got[0] != wire.MethodGetDocument {
		t.Errorf("commands: %v", got)
	}
	// Later bundles are superseded by the pending snapshot.
	f.rec.ApplyBundle(mutationBundle(6, ev))
	if f.rec.Pending() != 0 || len(f.out.sent) != 1 {
		t.Error("bundle queued while reloading")
	}
}

func TestReconciler_SequenceGapReloads(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplyBundle(snapshotBundle(1, wire.ReasonInitial, page()))
	ev := wire.MustEvent(wire.MethodAttributeModified, wire.AttributeModified{NodeID: 8, Name: "a", Value: "b"})
	f.rec.ApplyBundle(mutationBundle(2, ev))
	if len(f.out.sent) != 0 {
		t.Fatal("contiguous bundle caused a reload")
	}
	f.rec.ApplyBundle(mutationBundle(4, ev))
	if got := f.out.methods(); len(got) != 1 || got[0] != wire.MethodGetDocument {
		t.Errorf("commands: %v", got)
	}
}

func TestReconciler_StaleSubtreeDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	before := dump(f.store)
	f.rec.ApplySubtree(el(777, "div", el(778, "span")))
	if dump(f.store) != before || f.rec.Stats().Stale != 1 {
		t.Error("stale subtree changed the registry")
	}

	f.store.SetExpanded(5, true)
	f.rec.ApplySubtree(el(4, "ul", el(5, "li", text(30, "x")), el(6, "li")))
	if !f.store.Expanded(5) || !f.store.Expanded(4) {
		t.Error("expansion lost across merge")
	}
	if f.store.Get(7) != nil || f.store.Get(30) == nil {
		t.Error("merge did not follow the subtree")
	}
}

func TestReconciler_LayoutUpdatePropagates(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Enqueue(wire.LayoutUpdated{NodeID: 4, Rendered: false})
	f.clock.Tick()
	for _, id := range []int64{4, 5, 6, 7} {
		if f.store.Get(id).Rendered {
			t.Errorf("node %d still rendered", id)
		}
	}
	if !f.store.Get(8).Rendered {
		t.Error("sibling hidden")
	}

	f.rec.Enqueue(wire.LayoutUpdated{NodeID: 4, Rendered: true})
	f.clock.Tick()
	if !f.store.Get(6).Rendered {
		t.Error("descendant not restored")
	}
}

func TestReconciler_TextEvents(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Enqueue(wire.CharacterDataModified{NodeID: 9, CharacterData: "  hello  "})
	f.clock.Tick()
	if n := f.store.Get(9); n.Text == nil || *n.Text != "hello" {
		t.Fatalf("text: %+v", n.Text)
	}

	f.rec.Enqueue(wire.CharacterDataModified{NodeID: 9, CharacterData: "   "})
	f.clock.Tick()
	if f.store.Get(9) != nil {
		t.Error("blank text still registered")
	}
	if p := f.store.Get(8); len(p.Children) != 0 || p.ChildCount != 0 {
		t.Errorf("parent after blank text: children=%v count=%d", p.Children, p.ChildCount)
	}
}

func TestReconciler_CountUpdateSyncsPlaceholder(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Enqueue(wire.ChildNodeCountUpdated{NodeID: 4, ChildNodeCount: 5})
	f.clock.Tick()
	ph := f.store.Get(model.PlaceholderID(4))
	if ph == nil || ph.Remaining != 2 {
		t.Fatalf("placeholder: %+v", ph)
	}
	f.rec.Enqueue(wire.ChildNodeCountUpdated{NodeID: 4, ChildNodeCount: 3})
	f.clock.Tick()
	if f.store.Get(model.PlaceholderID(4)) != nil {
		t.Error("placeholder kept after count dropped")
	}
}

func TestReconciler_DocumentUpdatedReloads(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.ApplySnapshot(page(), false)
	f.rec.Enqueue(
		wire.DocumentUpdated{},
		wire.AttributeModified{NodeID: 8, Name: "late", Value: "1"},
	)
	f.clock.RunUntilIdle(5)
	if _, ok := f.store.Get(8).Attr("late"); ok {
		t.Error("events after documentUpdated were applied")
	}
	if got := f.out.methods(); len(got) != 1 || got[0] != wire.MethodGetDocument {
		t.Errorf("commands: %v", got)
	}
}

func TestReconciler_CustomReload(t *testing.T) {
	reloads := 0
	f := newFixture(t, Config{Reload: func() { reloads++ }})
	f.rec.Reload("test")
	f.rec.Reload("again")
	if reloads != 1 || len(f.out.sent) != 0 {
		t.Errorf("reloads=%d sent=%v", reloads, f.out.methods())
	}
}
