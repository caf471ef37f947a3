package model

import (
	"strings"

	"github.com/hazyhaar/domirror/wire"
)

// Fragment is a normalised subtree that is not yet part of a Store.
type Fragment struct {
	Root  int64
	Nodes map[int64]*Node
}

// RootNode returns the fragment's root node.
func (f *Fragment) RootNode() *Node { return f.Nodes[f.Root] }

// Normalize converts a descriptor tree into a Fragment. It returns nil when
// the descriptor has no id or is an empty text/comment node.
func Normalize(d *wire.Descriptor) *Fragment {
	f := &Fragment{Nodes: make(map[int64]*Node)}
	id, ok := f.add(d)
	if !ok {
		return nil
	}
	f.Root = id
	return f
}

// NormalizeChildren builds a Fragment rooted at a copy of parent whose
// children are the given full child list. Merging it into parent replaces
// the child list wholesale, placeholder included.
func NormalizeChildren(parent *Node, children []*wire.Descriptor) *Fragment {
	root := *parent
	root.Children = nil
	root.Attributes = append([]Attr(nil), parent.Attributes...)
	f := &Fragment{Root: parent.ID, Nodes: map[int64]*Node{parent.ID: &root}}
	f.addChildren(&root, children, len(children))
	return f
}

func (f *Fragment) add(d *wire.Descriptor) (int64, bool) {
	id, ok := d.Identity()
	if !ok {
		return 0, false
	}
	if _, dup := f.Nodes[id]; dup {
		return 0, false
	}
	n := nodeFromDescriptor(id, d)
	if n == nil {
		return 0, false
	}
	f.Nodes[id] = n
	f.addChildren(n, d.Children, d.ChildNodeCount)
	return id, true
}

// addChildren normalises children under n. Empty text/comment children are
// dropped but still reduce the declared count, so the placeholder's
// remaining count only covers children that would actually materialise.
func (f *Fragment) addChildren(n *Node, children []*wire.Descriptor, declared int) {
	produced, filtered := 0, 0
	for _, c := range children {
		if isEmptyCharacterData(c) {
			filtered++
			continue
		}
		cid, ok := f.add(c)
		if !ok {
			continue
		}
		n.Children = append(n.Children, cid)
		produced++
	}

	want := max(produced, declared-filtered)
	n.ChildCount = want
	if produced < want {
		ph := newPlaceholder(n.ID, want-produced)
		f.Nodes[ph.ID] = ph
		n.Children = append(n.Children, ph.ID)
	}
}

func nodeFromDescriptor(id int64, d *wire.Descriptor) *Node {
	kind := KindOf(d.NodeType)
	n := &Node{
		ID:           id,
		Kind:         kind,
		NodeType:     d.NodeType,
		NodeName:     d.NodeName,
		Attributes:   DecodeAttributes(d.Attributes),
		SelfRendered: d.Rendered(),
		DocumentURL:  d.DocumentURL,
		PublicID:     d.PublicID,
		SystemID:     d.SystemID,
	}
	n.Rendered = n.SelfRendered

	switch kind {
	case KindElement:
		name := d.LocalName
		if name == "" {
			name = d.NodeName
		}
		n.DisplayName = strings.ToLower(name)
	case KindText, KindComment:
		text := strings.TrimSpace(d.NodeValue)
		if text == "" {
			return nil
		}
		n.Text = &text
		n.DisplayName = TextDisplayName
		if kind == KindComment {
			n.DisplayName = CommentDisplayName
		}
	default:
		n.DisplayName = d.NodeName
	}
	return n
}

func isEmptyCharacterData(d *wire.Descriptor) bool {
	if d == nil {
		return false
	}
	switch KindOf(d.NodeType) {
	case KindText, KindComment:
		return strings.TrimSpace(d.NodeValue) == ""
	}
	return false
}
