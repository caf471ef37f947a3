package model

import (
	"slices"
	"testing"

	"github.com/hazyhaar/domirror/wire"
)

func el(id int64, name string, count int, children ...*wire.Descriptor) *wire.Descriptor {
	return &wire.Descriptor{
		ID: id, NodeType: wire.ElementNode, NodeName: name, LocalName: name,
		ChildNodeCount: count, Children: children,
	}
}

func text(id int64, v string) *wire.Descriptor {
	return &wire.Descriptor{ID: id, NodeType: wire.TextNode, NodeName: "#text", NodeValue: v}
}

func TestNormalize_PlaceholderConservation(t *testing.T) {
	d := el(1, "UL", 10, el(2, "li", 0), el(3, "li", 0), el(4, "li", 0))
	f := Normalize(d)
	root := f.RootNode()

	if root.DisplayName != "ul" {
		t.Errorf("display name: got %q", root.DisplayName)
	}
	if len(root.Children) != 4 {
		t.Fatalf("children: got %v", root.Children)
	}
	ph := f.Nodes[root.Children[3]]
	if !ph.IsPlaceholder() || ph.ID != -1 || ph.PlaceholderParent != 1 {
		t.Fatalf("placeholder: got %+v", ph)
	}
	if got := 3 + ph.Remaining; got != 10 {
		t.Errorf("materialised + remaining: got %d, want 10", got)
	}
}

func TestNormalize_FiltersEmptyCharacterData(t *testing.T) {
	d := el(1, "div", 4,
		text(2, "  \n "),
		text(3, "  hello "),
		&wire.Descriptor{ID: 4, NodeType: wire.CommentNode, NodeValue: ""},
		el(5, "span", 0),
	)
	f := Normalize(d)
	root := f.RootNode()
	if !slices.Equal(root.Children, []int64{3, 5}) {
		t.Fatalf("children: got %v, want [3 5]", root.Children)
	}
	if *f.Nodes[3].Text != "hello" || f.Nodes[3].DisplayName != TextDisplayName {
		t.Errorf("text node: got %+v", f.Nodes[3])
	}
	if root.ChildCount != 2 {
		t.Errorf("child count: got %d, want 2", root.ChildCount)
	}
}

func TestNormalize_NoIDOrEmpty(t *testing.T) {
	if Normalize(&wire.Descriptor{NodeType: wire.ElementNode}) != nil {
		t.Error("descriptor without id must not normalise")
	}
	if Normalize(text(3, "   ")) != nil {
		t.Error("empty text must not normalise")
	}
	f := Normalize(&wire.Descriptor{NodeID: 7, NodeType: wire.ElementNode, NodeName: "P"})
	if f == nil || f.Root != 7 {
		t.Errorf("nodeId fallback: got %+v", f)
	}
}

func TestNormalize_LayoutRendered(t *testing.T) {
	d := el(1, "div", 1, el(2, "span", 0))
	d.Children[0].Layout = &wire.Layout{Rendered: false}
	f := Normalize(d)
	if f.Nodes[2].SelfRendered {
		t.Error("layout rendered=false not honoured")
	}
	if !f.Nodes[1].SelfRendered {
		t.Error("absent layout must default to rendered")
	}
}

func newIndexed(t *testing.T, d *wire.Descriptor) *Store {
	t.Helper()
	s := NewStore()
	f := Normalize(d)
	s.Index(f, f.Root, 0, 0, 0)
	s.SetRoot(f.Root)
	return s
}

func TestStore_IndexIsIdempotent(t *testing.T) {
	s := newIndexed(t, el(1, "html", 2, el(2, "head", 0), el(3, "body", 1, el(4, "p", 0))))
	before := s.Len()
	s.Reindex(1, 0, 0, 0)
	if s.Len() != before {
		t.Errorf("len changed: %d -> %d", before, s.Len())
	}
	p := s.Get(4)
	if p.Depth != 2 || p.ParentID != 3 || p.Index != 0 {
		t.Errorf("stamps: got depth=%d parent=%d index=%d", p.Depth, p.ParentID, p.Index)
	}
}

func TestStore_RenderedIsConjunction(t *testing.T) {
	d := el(1, "body", 1, el(2, "div", 1, el(3, "span", 0)))
	d.Children[0].Layout = &wire.Layout{Rendered: false}
	s := newIndexed(t, d)
	if s.Get(3).Rendered {
		t.Fatal("descendant of unrendered node reported rendered")
	}

	var flipped []int64
	s.OnDirty(func(n *Node, _ Change) { flipped = append(flipped, n.ID) })
	s.Get(2).SelfRendered = true
	if n := s.PropagateRendered(2); n != 2 {
		t.Errorf("flips: got %d, want 2", n)
	}
	if !s.Get(3).Rendered {
		t.Error("span should be rendered after parent flips")
	}
	if !slices.Equal(flipped, []int64{2, 3}) {
		t.Errorf("dirty: got %v", flipped)
	}
}

func TestStore_MergePreservesKeptChildren(t *testing.T) {
	s := newIndexed(t, el(1, "ul", 3, el(2, "li", 0), el(3, "li", 0), el(4, "li", 0)))
	kept := s.Get(3)

	next := Normalize(el(1, "ul", 3, el(3, "li", 0), el(5, "li", 0), el(2, "li", 0)))
	s.Merge(s.Get(1), next, 1, 0)

	if !slices.Equal(s.Get(1).Children, []int64{3, 5, 2}) {
		t.Fatalf("children: got %v", s.Get(1).Children)
	}
	if s.Get(3) != kept {
		t.Error("kept child was replaced instead of merged")
	}
	if s.Get(4) != nil {
		t.Error("dropped child still registered")
	}
	if s.Get(2).Index != 2 || s.Get(5).Index != 1 {
		t.Errorf("indices: 2=%d 5=%d", s.Get(2).Index, s.Get(5).Index)
	}
}

func TestStore_MergeKeepsLoadedGrandchildren(t *testing.T) {
	s := newIndexed(t, el(1, "ul", 3,
		el(2, "li", 1, el(4, "b", 1, text(5, "deep"))),
		el(3, "li", 0)))
	s.SetExpanded(2, true)
	s.Select(4)
	detached := 0
	s.SetHandle(4, fakeHandle{&detached})

	// A depth-1 child fetch: every li arrives with its count only.
	next := NormalizeChildren(s.Get(1), []*wire.Descriptor{
		el(2, "li", 1), el(3, "li", 0), el(6, "li", 2),
	})
	s.Merge(s.Get(1), next, 1, 0)

	if !slices.Equal(s.Get(1).Children, []int64{2, 3, 6}) {
		t.Fatalf("children: got %v", s.Get(1).Children)
	}
	if !slices.Equal(s.Get(2).Children, []int64{4}) || s.Get(5) == nil {
		t.Fatalf("loaded subtree lost: li children %v", s.Get(2).Children)
	}
	if detached != 0 {
		t.Errorf("handle detached %d times", detached)
	}
	if s.Selected() != 4 || !s.Expanded(2) {
		t.Errorf("selected %d expanded(2) %v", s.Selected(), s.Expanded(2))
	}
	if kids := s.Get(6).Children; len(kids) != 1 || kids[0] >= 0 || s.Get(kids[0]).Remaining != 2 {
		t.Errorf("new child placeholder: %v", kids)
	}
}

func TestStore_MergeUnfetchedFollowsCount(t *testing.T) {
	s := newIndexed(t, el(1, "ul", 1, el(2, "li", 1, el(3, "b", 0))))

	next := NormalizeChildren(s.Get(1), []*wire.Descriptor{el(2, "li", 3)})
	s.Merge(s.Get(1), next, 1, 0)

	li := s.Get(2)
	if len(li.Children) != 2 || li.Children[0] != 3 {
		t.Fatalf("li children: got %v", li.Children)
	}
	if ph := s.Get(li.Children[1]); ph == nil || ph.Remaining != 2 {
		t.Errorf("placeholder: got %+v", ph)
	}
}

func TestStore_MergeMovesStaleChild(t *testing.T) {
	s := newIndexed(t, el(1, "div", 2,
		el(2, "section", 1, el(4, "p", 0)),
		el(3, "section", 0)))

	next := Normalize(el(3, "section", 1, el(4, "p", 0)))
	s.Merge(s.Get(3), next, 3, 1)

	if slices.Contains(s.Get(2).Children, 4) {
		t.Error("moved node still under old parent")
	}
	if s.Get(4) == nil || s.Get(4).ParentID != 3 {
		t.Errorf("moved node: got %+v", s.Get(4))
	}
}

type fakeHandle struct{ detached *int }

func (h fakeHandle) Detach() { *h.detached++ }

func TestStore_RemovePurgesSubtree(t *testing.T) {
	s := newIndexed(t, el(1, "div", 1, el(2, "ul", 1, el(3, "li", 0))))
	detached := 0
	for _, id := range []int64{2, 3} {
		s.SetHandle(id, fakeHandle{&detached})
		s.SetExpanded(id, true)
	}
	s.Detach(2)

	if s.Get(2) != nil || s.Get(3) != nil {
		t.Error("subtree still registered")
	}
	if s.Expanded(2) || s.Expanded(3) {
		t.Error("expansion entries survived removal")
	}
	if detached != 2 {
		t.Errorf("detached handles: got %d, want 2", detached)
	}
	if len(s.Get(1).Children) != 0 {
		t.Errorf("parent children: got %v", s.Get(1).Children)
	}
}

func TestFindInsertionIndex(t *testing.T) {
	sib := []int64{10, 20, 30}
	cases := []struct {
		prev int64
		want int
	}{
		{0, 0},
		{10, 1},
		{30, 3},
		{99, 3},
	}
	for _, c := range cases {
		if got := FindInsertionIndex(sib, c.prev); got != c.want {
			t.Errorf("prev=%d: got %d, want %d", c.prev, got, c.want)
		}
	}
}

func TestStore_InsertChildKeepsPlaceholderLast(t *testing.T) {
	s := newIndexed(t, el(1, "ul", 5, el(2, "li", 0)))
	f := Normalize(el(9, "li", 0))
	s.InsertChild(s.Get(1), f, 9, 10)

	got := s.Get(1).Children
	if !slices.Equal(got, []int64{2, 9, -1}) {
		t.Errorf("children: got %v", got)
	}
}

func TestStore_SyncPlaceholder(t *testing.T) {
	s := newIndexed(t, el(1, "ul", 1, el(2, "li", 0)))
	n := s.Get(1)

	n.ChildCount = 4
	s.SyncPlaceholder(n)
	if ph := s.Get(-1); ph == nil || ph.Remaining != 3 {
		t.Fatalf("placeholder after grow: got %+v", ph)
	}

	n.ChildCount = 2
	s.SyncPlaceholder(n)
	if s.Get(-1).Remaining != 1 {
		t.Errorf("remaining after shrink: got %d", s.Get(-1).Remaining)
	}

	n.ChildCount = 0
	s.SyncPlaceholder(n)
	if s.Get(-1) != nil || len(n.Children) != 1 || n.ChildCount != 1 {
		t.Errorf("placeholder should be gone: children=%v count=%d", n.Children, n.ChildCount)
	}
}

func TestStore_ExpansionRoundTrip(t *testing.T) {
	s := newIndexed(t, el(1, "div", 1, el(2, "ul", 1, el(3, "li", 0))))
	s.SetExpanded(2, true)
	s.SetExpanded(3, false)
	saved := s.CaptureExpansion(1)

	s.Clear()
	s2 := newIndexed(t, el(1, "div", 1, el(2, "ul", 0)))
	s2.ApplyExpansion(saved)
	if !s2.Expanded(2) {
		t.Error("expansion not restored")
	}
	if _, ok := s2.Expansion()[3]; ok {
		t.Error("expansion restored for absent node")
	}
}

func TestStore_SelectRecordsChain(t *testing.T) {
	s := newIndexed(t, el(1, "html", 1, el(2, "body", 1, el(3, "p", 0))))
	if !s.Select(3) {
		t.Fatal("select failed")
	}
	if !slices.Equal(s.SelectionChain(), []int64{1, 2, 3}) {
		t.Errorf("chain: got %v", s.SelectionChain())
	}
	if s.Select(99) {
		t.Error("selecting unknown id succeeded")
	}
}

func TestNode_AttrLastWriteWins(t *testing.T) {
	n := &Node{Attributes: DecodeAttributes([]string{"class", "a", "id", "x", "class", "b"})}
	if v, _ := n.Attr("class"); v != "b" {
		t.Errorf("Attr: got %q", v)
	}
	n.SetAttr("class", "c")
	if len(n.Attributes) != 2 {
		t.Errorf("duplicates not collapsed: %+v", n.Attributes)
	}
	if v, _ := n.Attr("class"); v != "c" {
		t.Errorf("after set: got %q", v)
	}
	if !n.RemoveAttr("id") || n.RemoveAttr("id") {
		t.Error("RemoveAttr result mismatch")
	}
}

func TestNode_Matches(t *testing.T) {
	txt := "Hello World"
	n := &Node{DisplayName: "#text", Text: &txt}
	if !n.Matches("WORLD") {
		t.Error("text match must be case-insensitive")
	}
	e := &Node{DisplayName: "div", Attributes: []Attr{{Name: "data-Role", Value: "Main"}}}
	if !e.Matches("role") || !e.Matches("main") || e.Matches("span") {
		t.Error("attribute matching mismatch")
	}
}
