package model

import (
	"slices"
	"time"
)

// Handle is a presentation object attached to a node. The store only needs
// to be able to detach it when the node leaves the registry.
type Handle interface {
	Detach()
}

// Change describes what about a node changed, for the render scheduler.
type Change struct {
	Children bool
	Attrs    []string
}

// DirtyFunc receives every node whose presentation is stale.
type DirtyFunc func(n *Node, c Change)

// RetryState tracks refresh attempts for one node id.
type RetryState struct {
	Attempts int
	Last     time.Time
}

// Store is the node registry plus the tree state that survives
// re-synchronisation. It is not safe for concurrent use; all mutation
// happens on one scheduler.
type Store struct {
	nodes    map[int64]*Node
	handles  map[int64]Handle
	expanded map[int64]bool

	root     int64
	selected int64
	chain    []int64
	filter   string
	scroll   float64

	// Refreshing holds node ids with an in-flight child request; Retries
	// holds the attempt window per id; Abandoned holds ids given up on
	// until the next snapshot.
	Refreshing map[int64]bool
	Retries    map[int64]*RetryState
	Abandoned  map[int64]bool

	dirty DirtyFunc
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		nodes:      make(map[int64]*Node),
		handles:    make(map[int64]Handle),
		expanded:   make(map[int64]bool),
		Refreshing: make(map[int64]bool),
		Retries:    make(map[int64]*RetryState),
		Abandoned:  make(map[int64]bool),
	}
}

// OnDirty installs the dirty hook.
func (s *Store) OnDirty(fn DirtyFunc) { s.dirty = fn }

func (s *Store) markDirty(n *Node, c Change) {
	if s.dirty != nil && n != nil {
		s.dirty(n, c)
	}
}

// MarkDirty reports n as stale to the dirty hook.
func (s *Store) MarkDirty(n *Node, c Change) { s.markDirty(n, c) }

// Get returns the node for id, or nil.
func (s *Store) Get(id int64) *Node { return s.nodes[id] }

// Len returns the number of registered nodes, placeholders included.
func (s *Store) Len() int { return len(s.nodes) }

// RootID returns the root node id, or 0.
func (s *Store) RootID() int64 { return s.root }

// Root returns the root node, or nil.
func (s *Store) Root() *Node { return s.nodes[s.root] }

// SetRoot sets the root id.
func (s *Store) SetRoot(id int64) { s.root = id }

// Scroll returns the preserved scroll position.
func (s *Store) Scroll() float64 { return s.scroll }

// SetScroll records the scroll position.
func (s *Store) SetScroll(v float64) { s.scroll = v }

// Filter returns the active filter.
func (s *Store) Filter() string { return s.filter }

// SetFilter sets the active filter.
func (s *Store) SetFilter(f string) { s.filter = f }

// Clear detaches every handle and empties the registry and expansion. The
// selection is dropped; callers that want to restore it read it first.
func (s *Store) Clear() {
	for _, h := range s.handles {
		h.Detach()
	}
	clear(s.nodes)
	clear(s.handles)
	clear(s.expanded)
	s.root = 0
	s.selected = 0
	s.chain = nil
}

// ResetRefresh drops all refresh bookkeeping.
func (s *Store) ResetRefresh() {
	clear(s.Refreshing)
	clear(s.Retries)
	clear(s.Abandoned)
}

// Index registers the fragment subtree rooted at id, stamping depth,
// parent, child index and effective rendered state. Running it again over
// the same subtree is idempotent.
func (s *Store) Index(f *Fragment, id int64, depth int, parentID int64, childIndex int) {
	s.index(f.Nodes, id, depth, parentID, childIndex)
}

// Reindex restamps an already registered subtree.
func (s *Store) Reindex(id int64, depth int, parentID int64, childIndex int) {
	s.index(s.nodes, id, depth, parentID, childIndex)
}

func (s *Store) index(src map[int64]*Node, id int64, depth int, parentID int64, childIndex int) {
	n := src[id]
	if n == nil {
		return
	}
	n.Depth = depth
	n.ParentID = parentID
	n.Index = childIndex
	if n.IsPlaceholder() {
		n.PlaceholderParent = parentID
	}
	n.Rendered = n.SelfRendered && s.parentRendered(parentID)
	s.nodes[id] = n
	for i, c := range n.Children {
		s.index(src, c, depth+1, id, i)
	}
}

func (s *Store) parentRendered(parentID int64) bool {
	if parentID == 0 {
		return true
	}
	p := s.nodes[parentID]
	if p == nil {
		return true
	}
	return p.Rendered
}

// Merge updates target in place from the fragment node srcID. Children are
// matched by id: kept children are merged recursively, children missing
// from the fragment are removed and new ones are indexed. A new child
// registered elsewhere in the tree is detached from its old position first.
// Where the fragment carries no children at all for a node, only a
// placeholder, the node's loaded children are kept.
func (s *Store) Merge(target *Node, f *Fragment, srcID int64, depth int) {
	src := f.Nodes[srcID]
	if src == nil || target == nil {
		return
	}
	changedAttrs := diffAttrs(target.Attributes, src.Attributes)
	scalarsChanged := len(changedAttrs) > 0 ||
		target.DisplayName != src.DisplayName ||
		!equalText(target.Text, src.Text) ||
		target.Remaining != src.Remaining ||
		target.ChildCount != src.ChildCount

	target.Kind = src.Kind
	target.NodeType = src.NodeType
	target.NodeName = src.NodeName
	target.DisplayName = src.DisplayName
	target.Attributes = src.Attributes
	target.Text = src.Text
	target.ChildCount = src.ChildCount
	target.SelfRendered = src.SelfRendered
	target.Remaining = src.Remaining
	target.DocumentURL = src.DocumentURL
	target.PublicID = src.PublicID
	target.SystemID = src.SystemID
	target.Depth = depth
	wasRendered := target.Rendered
	target.Rendered = target.SelfRendered && s.parentRendered(target.ParentID)

	if unfetched(f, src) && target.materialized() > 0 {
		// The fragment stops above this level: the loaded children stay
		// and only the declared count is followed.
		s.SyncPlaceholder(target)
		if wasRendered != target.Rendered {
			s.PropagateRendered(target.ID)
		}
		if scalarsChanged || wasRendered != target.Rendered {
			s.markDirty(target, Change{Attrs: changedAttrs})
		}
		return
	}

	old := target.Children
	oldSet := make(map[int64]bool, len(old))
	for _, id := range old {
		oldSet[id] = true
	}
	keep := make(map[int64]bool, len(src.Children))
	next := make([]int64, 0, len(src.Children))
	for _, cid := range src.Children {
		if oldSet[cid] && s.nodes[cid] != nil {
			keep[cid] = true
			next = append(next, cid)
			continue
		}
		if s.nodes[cid] != nil {
			if cid == target.ID || s.isAncestor(cid, target.ID) {
				continue
			}
			s.Detach(cid)
		}
		next = append(next, cid)
	}
	for _, cid := range old {
		if !keep[cid] {
			s.Remove(cid)
		}
	}
	target.Children = next

	for i, cid := range next {
		if keep[cid] {
			child := s.nodes[cid]
			child.ParentID = target.ID
			child.Index = i
			s.Merge(child, f, cid, depth+1)
			continue
		}
		s.index(f.Nodes, cid, depth+1, target.ID, i)
		s.markDirty(s.nodes[cid], Change{Children: true})
	}

	childrenChanged := !slices.Equal(old, next)
	if scalarsChanged || childrenChanged || wasRendered != target.Rendered {
		s.markDirty(target, Change{Children: childrenChanged, Attrs: changedAttrs})
	}
}

// unfetched reports whether n's children in f are only a placeholder
// standing for all of them, as in a descriptor cut at its depth limit.
func unfetched(f *Fragment, n *Node) bool {
	if len(n.Children) != 1 || n.Children[0] >= 0 {
		return false
	}
	ph := f.Nodes[n.Children[0]]
	return ph != nil && ph.Remaining == n.ChildCount
}

// isAncestor reports whether anc is a strict ancestor of id.
func (s *Store) isAncestor(anc, id int64) bool {
	n := s.nodes[id]
	for n != nil && n.ParentID != 0 {
		if n.ParentID == anc {
			return true
		}
		n = s.nodes[n.ParentID]
	}
	return false
}

// Remove purges id and its whole subtree from the registry and expansion
// state, detaching presentation handles. It does not touch the parent's
// child list; see Detach.
func (s *Store) Remove(id int64) {
	n := s.nodes[id]
	if n == nil {
		return
	}
	for _, c := range n.Children {
		s.Remove(c)
	}
	if h := s.handles[id]; h != nil {
		h.Detach()
		delete(s.handles, id)
	}
	delete(s.nodes, id)
	delete(s.expanded, id)
	if s.root == id {
		s.root = 0
	}
}

// Detach unlinks id from its parent's child list and removes its subtree.
func (s *Store) Detach(id int64) {
	n := s.nodes[id]
	if n == nil {
		return
	}
	if p := s.nodes[n.ParentID]; p != nil {
		if i := slices.Index(p.Children, id); i >= 0 {
			p.Children = slices.Delete(p.Children, i, i+1)
			s.restamp(p, i)
			s.markDirty(p, Change{Children: true})
		}
	}
	s.Remove(id)
}

// InsertChild links the fragment subtree childID into parent at index. The
// placeholder, if any, stays last.
func (s *Store) InsertChild(parent *Node, f *Fragment, childID int64, index int) {
	limit := len(parent.Children)
	if limit > 0 && parent.Children[limit-1] < 0 {
		limit--
	}
	index = min(max(index, 0), limit)
	parent.Children = slices.Insert(parent.Children, index, childID)
	s.index(f.Nodes, childID, parent.Depth+1, parent.ID, index)
	s.restamp(parent, index+1)
	s.markDirty(s.nodes[childID], Change{Children: true})
	s.markDirty(parent, Change{Children: true})
}

func (s *Store) restamp(parent *Node, from int) {
	for i := from; i < len(parent.Children); i++ {
		if c := s.nodes[parent.Children[i]]; c != nil {
			c.Index = i
		}
	}
}

// SyncPlaceholder makes the trailing placeholder of n agree with its
// declared child count: created, resized or removed as needed.
func (s *Store) SyncPlaceholder(n *Node) {
	materialized := n.materialized()
	want := max(materialized, n.ChildCount)
	n.ChildCount = want
	hasPh := len(n.Children) > materialized
	switch {
	case materialized < want && hasPh:
		ph := s.nodes[n.Children[len(n.Children)-1]]
		if ph != nil && ph.Remaining != want-materialized {
			ph.Remaining = want - materialized
			s.markDirty(ph, Change{})
		}
	case materialized < want:
		ph := newPlaceholder(n.ID, want-materialized)
		n.Children = append(n.Children, ph.ID)
		s.index(map[int64]*Node{ph.ID: ph}, ph.ID, n.Depth+1, n.ID, len(n.Children)-1)
		s.markDirty(n, Change{Children: true})
	case hasPh:
		s.Remove(n.Children[len(n.Children)-1])
		n.Children = n.Children[:materialized]
		s.markDirty(n, Change{Children: true})
	}
}

// FindInsertionIndex returns where a node inserted after prevID goes among
// siblings: 0 with no anchor, just after the anchor when found, and the end
// when the anchor is unknown.
func FindInsertionIndex(siblings []int64, prevID int64) int {
	if prevID == 0 {
		return 0
	}
	if i := slices.Index(siblings, prevID); i >= 0 {
		return i + 1
	}
	return len(siblings)
}

// PropagateRendered recomputes effective rendered state for id's subtree
// from its own flag and its ancestors. Every node whose state flips is
// marked dirty. It returns the number of flips.
func (s *Store) PropagateRendered(id int64) int {
	n := s.nodes[id]
	if n == nil {
		return 0
	}
	flipped := 0
	var walk func(n *Node, parentRendered bool)
	walk = func(n *Node, parentRendered bool) {
		eff := n.SelfRendered && parentRendered
		if eff != n.Rendered {
			n.Rendered = eff
			flipped++
			s.markDirty(n, Change{})
		}
		for _, c := range n.Children {
			if child := s.nodes[c]; child != nil {
				walk(child, eff)
			}
		}
	}
	walk(n, s.parentRendered(n.ParentID))
	return flipped
}

// Expanded reports whether id is expanded.
func (s *Store) Expanded(id int64) bool { return s.expanded[id] }

// SetExpanded records the expansion state of id.
func (s *Store) SetExpanded(id int64, v bool) {
	if n := s.nodes[id]; n != nil {
		s.expanded[id] = v
		s.markDirty(n, Change{})
	}
}

// Expansion returns a copy of the whole expansion map.
func (s *Store) Expansion() map[int64]bool {
	out := make(map[int64]bool, len(s.expanded))
	for k, v := range s.expanded {
		out[k] = v
	}
	return out
}

// CaptureExpansion returns the expansion entries of id's subtree.
func (s *Store) CaptureExpansion(id int64) map[int64]bool {
	out := make(map[int64]bool)
	s.Walk(id, func(n *Node) bool {
		if v, ok := s.expanded[n.ID]; ok {
			out[n.ID] = v
		}
		return true
	})
	return out
}

// ApplyExpansion restores entries for ids that are registered.
func (s *Store) ApplyExpansion(m map[int64]bool) {
	for id, v := range m {
		if s.nodes[id] != nil {
			s.expanded[id] = v
		}
	}
}

// Selected returns the selected id, or 0.
func (s *Store) Selected() int64 { return s.selected }

// SelectionChain returns the root-to-selection id chain of the last
// selection.
func (s *Store) SelectionChain() []int64 { return slices.Clone(s.chain) }

// SetSelectionChain replaces the stored chain without selecting.
func (s *Store) SetSelectionChain(chain []int64) { s.chain = slices.Clone(chain) }

// Select selects id and records its ancestor chain. Selecting 0 clears the
// selection. It returns false when id is unknown.
func (s *Store) Select(id int64) bool {
	if id == 0 {
		s.selected = 0
		return true
	}
	n := s.nodes[id]
	if n == nil {
		return false
	}
	s.selected = id
	s.chain = s.Ancestors(id)
	return true
}

// Reselect moves the selection to id, which must be registered, without
// touching the recorded chain. Used to fall back along the chain while the
// original selection is missing.
func (s *Store) Reselect(id int64) bool {
	if id != 0 && s.nodes[id] == nil {
		return false
	}
	s.selected = id
	return true
}

// Ancestors returns the ids from the root down to id inclusive.
func (s *Store) Ancestors(id int64) []int64 {
	var chain []int64
	for n := s.nodes[id]; n != nil; n = s.nodes[n.ParentID] {
		chain = append(chain, n.ID)
		if n.ParentID == 0 {
			break
		}
	}
	slices.Reverse(chain)
	return chain
}

// Handle returns the presentation handle of id, or nil.
func (s *Store) Handle(id int64) Handle { return s.handles[id] }

// SetHandle attaches h to id.
func (s *Store) SetHandle(id int64, h Handle) {
	if s.nodes[id] != nil {
		s.handles[id] = h
	}
}

// Walk visits id's subtree in pre-order. Returning false from fn skips the
// node's children.
func (s *Store) Walk(id int64, fn func(*Node) bool) {
	n := s.nodes[id]
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		s.Walk(c, fn)
	}
}

// Stats summarises the registry.
type Stats struct {
	Nodes        int `json:"nodes"`
	Placeholders int `json:"placeholders"`
	Expanded     int `json:"expanded"`
	Handles      int `json:"handles"`
	Refreshing   int `json:"refreshing"`
}

// Stats returns counts over the registry.
func (s *Store) Stats() Stats {
	st := Stats{
		Nodes:      len(s.nodes),
		Expanded:   len(s.expanded),
		Handles:    len(s.handles),
		Refreshing: len(s.Refreshing),
	}
	for id := range s.nodes {
		if id < 0 {
			st.Placeholders++
		}
	}
	return st
}

func diffAttrs(old, next []Attr) []string {
	prev := make(map[string]string, len(old))
	for _, a := range old {
		prev[a.Name] = a.Value
	}
	var changed []string
	seen := make(map[string]bool, len(next))
	for _, a := range next {
		seen[a.Name] = true
		if v, ok := prev[a.Name]; !ok || v != a.Value {
			changed = append(changed, a.Name)
		}
	}
	for _, a := range old {
		if !seen[a.Name] {
			changed = append(changed, a.Name)
		}
	}
	return changed
}

func equalText(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
