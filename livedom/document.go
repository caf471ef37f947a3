// Package livedom is the live document the capture agent observes: an
// x/net/html tree whose mutations go through Document methods so that
// observers receive MutationObserver-style records.
//
// A Document is not safe for concurrent use. The host mutates it and the
// capture agent reads it from the same scheduler loop.
package livedom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RecordType classifies a mutation record.
type RecordType int

const (
	ChildList RecordType = iota
	Attributes
	CharacterData
	// DocumentReplaced is emitted when Replace swaps the whole tree.
	DocumentReplaced
)

func (t RecordType) String() string {
	switch t {
	case ChildList:
		return "childList"
	case Attributes:
		return "attributes"
	case CharacterData:
		return "characterData"
	case DocumentReplaced:
		return "document"
	}
	return fmt.Sprintf("RecordType(%d)", int(t))
}

// Record is one raw mutation, shaped like a DOM MutationRecord.
type Record struct {
	Type            RecordType
	Target          *html.Node
	Added           []*html.Node
	Removed         []*html.Node
	PreviousSibling *html.Node
	AttributeName   string
	// OldValue is the attribute or character data value before the change.
	OldValue string
	// HadValue reports whether the attribute existed before the change.
	HadValue bool
}

// Document wraps a parsed HTML tree.
type Document struct {
	root       *html.Node
	url        string
	generation uint64

	observers map[int]func(Record)
	nextObs   int
}

// New wraps root. root is normally an html.DocumentNode.
func New(root *html.Node, url string) *Document {
	return &Document{root: root, url: url, generation: 1, observers: make(map[int]func(Record))}
}

// Parse reads an HTML document.
func Parse(r io.Reader, url string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("livedom: parse: %w", err)
	}
	return New(root, url), nil
}

// ParseString is Parse over a string.
func ParseString(s, url string) (*Document, error) {
	return Parse(strings.NewReader(s), url)
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// URL returns the document URL.
func (d *Document) URL() string { return d.url }

// Generation identifies the current document. It changes on Replace.
func (d *Document) Generation() uint64 { return d.generation }

// Observe registers fn for every subsequent record. The returned function
// unregisters it.
func (d *Document) Observe(fn func(Record)) (cancel func()) {
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() { delete(d.observers, id) }
}

func (d *Document) emit(r Record) {
	for _, fn := range d.observers {
		fn(r)
	}
}

// Replace swaps in a new tree, as a navigation would.
func (d *Document) Replace(root *html.Node, url string) {
	d.root = root
	d.url = url
	d.generation++
	d.emit(Record{Type: DocumentReplaced, Target: root})
}

// Contains reports whether n is connected to the document.
func (d *Document) Contains(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == d.root {
			return true
		}
	}
	return false
}

// AppendChild appends child to parent, detaching it from any previous
// parent first.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child before ref under parent; a nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if child.Parent != nil {
		d.RemoveChild(child.Parent, child)
	}
	prev := parent.LastChild
	if ref != nil {
		prev = ref.PrevSibling
	}
	parent.InsertBefore(child, ref)
	d.emit(Record{Type: ChildList, Target: parent, Added: []*html.Node{child}, PreviousSibling: prev})
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) {
	if child.Parent != parent {
		return
	}
	prev := child.PrevSibling
	parent.RemoveChild(child)
	d.emit(Record{Type: ChildList, Target: parent, Removed: []*html.Node{child}, PreviousSibling: prev})
}

// SetAttr sets an attribute on an element.
func (d *Document) SetAttr(n *html.Node, name, value string) {
	old, had := Attr(n, name)
	if had && old == value {
		return
	}
	set := false
	for i := range n.Attr {
		if attrName(n.Attr[i]) == name {
			n.Attr[i].Val = value
			set = true
			break
		}
	}
	if !set {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.emit(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: old, HadValue: had})
}

// RemoveAttr removes an attribute from an element.
func (d *Document) RemoveAttr(n *html.Node, name string) {
	old, had := Attr(n, name)
	if !had {
		return
	}
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if attrName(a) != name {
			out = append(out, a)
		}
	}
	n.Attr = out
	d.emit(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: old, HadValue: true})
}

// SetText replaces the data of a text or comment node.
func (d *Document) SetText(n *html.Node, value string) {
	if n.Data == value {
		return
	}
	old := n.Data
	n.Data = value
	d.emit(Record{Type: CharacterData, Target: n, OldValue: old})
}

// SetInnerText replaces all children of n with a single text node.
func (d *Document) SetInnerText(n *html.Node, value string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		d.RemoveChild(n, c)
		c = next
	}
	if value != "" {
		d.AppendChild(n, NewText(value))
	}
}

// Attr returns the value of an attribute. Namespaced attributes are named
// "ns:key".
func Attr(n *html.Node, name string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if attrName(a) == name {
			return a.Val, true
		}
	}
	return "", false
}

func attrName(a html.Attribute) string {
	if a.Namespace != "" {
		return a.Namespace + ":" + a.Key
	}
	return a.Key
}

// AttrList returns the flattened name/value list of n's attributes.
func AttrList(n *html.Node) []string {
	if len(n.Attr) == 0 {
		return nil
	}
	out := make([]string, 0, 2*len(n.Attr))
	for _, a := range n.Attr {
		out = append(out, attrName(a), a.Val)
	}
	return out
}

// NewElement creates a detached element. attrs is a flat name/value list.
func NewElement(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

// NewText creates a detached text node.
func NewText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// NewComment creates a detached comment node.
func NewComment(s string) *html.Node {
	return &html.Node{Type: html.CommentNode, Data: s}
}

// ParseFragment parses markup in the context of parent and returns the
// detached nodes.
func ParseFragment(parent *html.Node, markup string) ([]*html.Node, error) {
	ctx := parent
	if ctx == nil || ctx.Type != html.ElementNode {
		ctx = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("livedom: parse fragment: %w", err)
	}
	return nodes, nil
}

// FindByID returns the first element whose id attribute equals id.
func (d *Document) FindByID(id string) *html.Node {
	return Find(d.root, func(n *html.Node) bool {
		v, ok := Attr(n, "id")
		return n.Type == html.ElementNode && ok && v == id
	})
}

// Find returns the first node under root, in document order, matching fn.
func Find(root *html.Node, fn func(*html.Node) bool) *html.Node {
	if root == nil {
		return nil
	}
	if fn(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if m := Find(c, fn); m != nil {
			return m
		}
	}
	return nil
}

// IsBlank reports whether n is a text or comment node with only
// whitespace. Blank nodes are never mirrored.
func IsBlank(n *html.Node) bool {
	switch n.Type {
	case html.TextNode, html.CommentNode:
		return strings.TrimSpace(n.Data) == ""
	}
	return false
}

// Significant returns n's mirrored children, skipping blank ones.
func Significant(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !IsBlank(c) {
			out = append(out, c)
		}
	}
	return out
}

// Path returns the significant-child index path from the document root to
// n, or nil when n is not connected.
func (d *Document) Path(n *html.Node) []int {
	if !d.Contains(n) {
		return nil
	}
	var rev []int
	for ; n != d.root; n = n.Parent {
		idx := 0
		for s := n.Parent.FirstChild; s != n; s = s.NextSibling {
			if !IsBlank(s) {
				idx++
			}
		}
		rev = append(rev, idx)
	}
	out := make([]int, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out
}

// Resolve follows a significant-child index path from the root.
func (d *Document) Resolve(path []int) *html.Node {
	n := d.root
	for _, idx := range path {
		kids := Significant(n)
		if idx < 0 || idx >= len(kids) {
			return nil
		}
		n = kids[idx]
	}
	return n
}
