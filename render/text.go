// CLAUDE:SUMMARY Text presenter keeping one formatted line per node and rendering the visible tree.
package render

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/wire"
)

// TextPresenter keeps one formatted line per presented node and renders the
// expanded part of the tree as indented text.
type TextPresenter struct {
	store    *model.Store
	lines    map[int64]*textHandle
	selected int64
	filter   string
	// visible is nil without a filter.
	visible map[int64]bool

	SelectionPasses int
	FilterPasses    int
}

type textHandle struct {
	p    *TextPresenter
	id   int64
	line string
}

func (h *textHandle) Detach() {
	if h.p.lines[h.id] == h {
		delete(h.p.lines, h.id)
	}
}

// NewTextPresenter creates a presenter over store.
func NewTextPresenter(store *model.Store) *TextPresenter {
	return &TextPresenter{store: store, lines: make(map[int64]*textHandle)}
}

func (p *TextPresenter) Create(n *model.Node) model.Handle {
	h := &textHandle{p: p, id: n.ID, line: Line(n)}
	p.lines[n.ID] = h
	return h
}

func (p *TextPresenter) Update(n *model.Node, h model.Handle, _ model.Change) {
	if th, ok := h.(*textHandle); ok {
		th.line = Line(n)
	}
}

func (p *TextPresenter) ApplySelection(id int64) {
	p.SelectionPasses++
	p.selected = id
}

// ApplyFilter recomputes which nodes stay visible: matches and their
// ancestors.
func (p *TextPresenter) ApplyFilter(filter string) {
	p.FilterPasses++
	p.filter = filter
	if filter == "" {
		p.visible = nil
		return
	}
	p.visible = make(map[int64]bool)
	var mark func(id int64) bool
	mark = func(id int64) bool {
		n := p.store.Get(id)
		if n == nil {
			return false
		}
		v := n.Matches(filter)
		for _, c := range n.Children {
			if mark(c) {
				v = true
			}
		}
		if v {
			p.visible[id] = true
		}
		return v
	}
	mark(p.store.RootID())
}

// Presented returns the number of live presentation handles.
func (p *TextPresenter) Presented() int { return len(p.lines) }

// String renders the presented tree. Collapsed nodes hide their children;
// with a filter active, everything on a path to a match is shown.
func (p *TextPresenter) String() string {
	var b strings.Builder
	var walk func(id int64, indent int)
	walk = func(id int64, indent int) {
		n := p.store.Get(id)
		h := p.lines[id]
		if n == nil || h == nil {
			return
		}
		if p.visible != nil && !p.visible[id] {
			return
		}
		prefix := "  "
		if id == p.selected && id != 0 {
			prefix = "> "
		}
		b.WriteString(prefix)
		b.WriteString(strings.Repeat("  ", indent))
		b.WriteString(h.line)
		b.WriteByte('\n')
		if p.visible == nil && !p.store.Expanded(id) {
			return
		}
		for _, c := range n.Children {
			walk(c, indent+1)
		}
	}
	walk(p.store.RootID(), 0)
	return b.String()
}

// Line formats one node.
func Line(n *model.Node) string {
	var s string
	switch {
	case n.IsPlaceholder():
		return fmt.Sprintf("… %d more", n.Remaining)
	case n.Kind == model.KindElement:
		var b strings.Builder
		b.WriteByte('<')
		b.WriteString(n.DisplayName)
		for _, a := range n.Attributes {
			fmt.Fprintf(&b, " %s=%q", a.Name, a.Value)
		}
		b.WriteByte('>')
		s = b.String()
	case n.Kind == model.KindText && n.Text != nil:
		s = fmt.Sprintf("%q", *n.Text)
	case n.Kind == model.KindComment && n.Text != nil:
		s = "<!-- " + *n.Text + " -->"
	case n.Kind == model.KindDocument:
		s = strings.TrimSpace("#document " + n.DocumentURL)
	case n.NodeType == wire.DoctypeNode:
		s = "<!DOCTYPE " + n.NodeName + ">"
	default:
		s = n.DisplayName
	}
	if !n.Rendered {
		s += " (hidden)"
	}
	return s
}
