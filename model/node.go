// Package model holds the inspector-side mirror of the document: normalised
// nodes stored arena-style (a dense id → node map with explicit parent and
// child ids) plus the tree state that must survive re-synchronisation
// (expansion, selection, filter, refresh bookkeeping).
package model

import (
	"strings"

	"github.com/hazyhaar/domirror/wire"
)

// Kind is the normalised node category.
type Kind int

const (
	KindOther Kind = iota
	KindElement
	KindText
	KindComment
	KindDocument
)

// KindOf maps a DOM node type to a Kind.
func KindOf(nodeType int) Kind {
	switch nodeType {
	case wire.ElementNode:
		return KindElement
	case wire.TextNode, wire.CDATANode:
		return KindText
	case wire.CommentNode:
		return KindComment
	case wire.DocumentNode:
		return KindDocument
	default:
		return KindOther
	}
}

func (k Kind) String() string {
	switch k {
	case KindElement:
		return "element"
	case KindText:
		return "text"
	case KindComment:
		return "comment"
	case KindDocument:
		return "document"
	default:
		return "other"
	}
}

// Display names for the character-data kinds.
const (
	TextDisplayName        = "#text"
	CommentDisplayName     = "#comment"
	PlaceholderDisplayName = "#more"
)

// Attr is one attribute pair. Names are not required to be unique.
type Attr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Node is one materialised node of the mirror.
type Node struct {
	ID          int64  `json:"id"`
	Kind        Kind   `json:"kind"`
	NodeType    int    `json:"nodeType"`
	NodeName    string `json:"nodeName"`
	DisplayName string `json:"displayName"`
	Attributes  []Attr `json:"attributes,omitempty"`
	// Text is set for text and comment nodes only, trimmed and never empty.
	Text *string `json:"text,omitempty"`

	Children []int64 `json:"children,omitempty"`
	// ChildCount is the declared number of children; it may exceed the
	// materialised ones, in which case the last child is a placeholder.
	ChildCount int `json:"childCount"`

	SelfRendered bool `json:"selfRendered"`
	// Rendered is SelfRendered AND every ancestor's SelfRendered.
	Rendered bool `json:"rendered"`

	Depth    int   `json:"depth"`
	ParentID int64 `json:"parentId,omitempty"`
	Index    int   `json:"index"`

	// PlaceholderParent and Remaining are only set on placeholder nodes.
	PlaceholderParent int64 `json:"placeholderParent,omitempty"`
	Remaining         int   `json:"remaining,omitempty"`

	DocumentURL string `json:"documentURL,omitempty"`
	PublicID    string `json:"publicId,omitempty"`
	SystemID    string `json:"systemId,omitempty"`
}

// IsPlaceholder reports whether n stands in for unfetched children.
func (n *Node) IsPlaceholder() bool { return n.ID < 0 }

// PlaceholderID returns the synthetic id of parentID's placeholder.
func PlaceholderID(parentID int64) int64 {
	if parentID == 0 {
		return -1
	}
	if parentID < 0 {
		return parentID
	}
	return -parentID
}

func newPlaceholder(parentID int64, remaining int) *Node {
	return &Node{
		ID:                PlaceholderID(parentID),
		Kind:              KindOther,
		DisplayName:       PlaceholderDisplayName,
		SelfRendered:      true,
		Rendered:          true,
		PlaceholderParent: parentID,
		Remaining:         remaining,
	}
}

// Attr returns the value of the last attribute called name.
func (n *Node) Attr(name string) (string, bool) {
	for i := len(n.Attributes) - 1; i >= 0; i-- {
		if n.Attributes[i].Name == name {
			return n.Attributes[i].Value, true
		}
	}
	return "", false
}

// SetAttr sets name to value. Earlier duplicates are dropped so the pair
// is unique after an update. It reports whether anything changed.
func (n *Node) SetAttr(name, value string) bool {
	last := -1
	for i := len(n.Attributes) - 1; i >= 0; i-- {
		if n.Attributes[i].Name == name {
			last = i
			break
		}
	}
	if last < 0 {
		n.Attributes = append(n.Attributes, Attr{Name: name, Value: value})
		return true
	}
	changed := n.Attributes[last].Value != value
	n.Attributes[last].Value = value
	out := n.Attributes[:0]
	for i, a := range n.Attributes {
		if a.Name == name && i != last {
			changed = true
			continue
		}
		out = append(out, a)
	}
	n.Attributes = out
	return changed
}

// RemoveAttr drops every attribute called name.
func (n *Node) RemoveAttr(name string) bool {
	out := n.Attributes[:0]
	removed := false
	for _, a := range n.Attributes {
		if a.Name == name {
			removed = true
			continue
		}
		out = append(out, a)
	}
	n.Attributes = out
	return removed
}

// DecodeAttributes turns a flat name/value array into pairs. A trailing
// name without value gets an empty value.
func DecodeAttributes(flat []string) []Attr {
	if len(flat) == 0 {
		return nil
	}
	attrs := make([]Attr, 0, (len(flat)+1)/2)
	for i := 0; i < len(flat); i += 2 {
		a := Attr{Name: flat[i]}
		if i+1 < len(flat) {
			a.Value = flat[i+1]
		}
		attrs = append(attrs, a)
	}
	return attrs
}

// EncodeAttributes is the inverse of DecodeAttributes.
func EncodeAttributes(attrs []Attr) []string {
	if len(attrs) == 0 {
		return nil
	}
	flat := make([]string, 0, 2*len(attrs))
	for _, a := range attrs {
		flat = append(flat, a.Name, a.Value)
	}
	return flat
}

// Matches reports whether n matches a case-insensitive text filter on its
// display name, attributes or text. An empty filter matches everything.
func (n *Node) Matches(filter string) bool {
	if filter == "" {
		return true
	}
	f := strings.ToLower(filter)
	if strings.Contains(strings.ToLower(n.DisplayName), f) {
		return true
	}
	for _, a := range n.Attributes {
		if strings.Contains(strings.ToLower(a.Name), f) || strings.Contains(strings.ToLower(a.Value), f) {
			return true
		}
	}
	return n.Text != nil && strings.Contains(strings.ToLower(*n.Text), f)
}

// materialized counts the non-placeholder children.
func (n *Node) materialized() int {
	c := len(n.Children)
	if c > 0 && n.Children[c-1] < 0 {
		c--
	}
	return c
}
