// CLAUDE:SUMMARY Compacts queued DOM records into a minimal ordered event batch under an item budget.
package capture

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/domirror/livedom"
	"github.com/hazyhaar/domirror/wire"
)

type fieldKey struct {
	node  *html.Node
	field string
}

type insertion struct {
	parent *html.Node
	node   *html.Node
}

// compactor turns the raw record queue into typed events. Values are read
// from the live document at flush time, so the last value always wins and
// a removed attribute is reported as removed whatever happened before.
type compactor struct {
	a      *Agent
	budget int
	used   int
	seen   map[fieldKey]bool
	events []wire.Event

	parents   []*html.Node
	parentSet map[*html.Node]bool
	inserts   []insertion
	insertSet map[*html.Node]bool
	layout    []*html.Node
	layoutSet map[*html.Node]bool
}

// claim reserves one output for (n, field). It returns false when the pair
// was already emitted; each distinct pair counts against the budget once.
func (c *compactor) claim(n *html.Node, field string) bool {
	k := fieldKey{n, field}
	if c.seen[k] {
		return false
	}
	c.seen[k] = true
	c.used++
	return true
}

func (c *compactor) over() bool { return c.used > c.budget }

func (c *compactor) emit(method string, params any) {
	c.events = append(c.events, wire.MustEvent(method, params))
}

func (c *compactor) addParent(p *html.Node) {
	if p != nil && !c.parentSet[p] {
		c.parentSet[p] = true
		c.parents = append(c.parents, p)
	}
}

func (c *compactor) addInsert(parent, n *html.Node) {
	if !c.insertSet[n] {
		c.insertSet[n] = true
		c.inserts = append(c.inserts, insertion{parent: parent, node: n})
	}
}

func (c *compactor) addLayout(n *html.Node) {
	if !c.layoutSet[n] {
		c.layoutSet[n] = true
		c.layout = append(c.layout, n)
	}
}

// remove emits a removal for a mirrored node and forgets its subtree ids.
func (c *compactor) remove(parent, n *html.Node) {
	a := c.a
	c.addParent(parent)
	id, ok := a.mirroredID(n)
	pid, pok := a.mirroredID(parent)
	if ok && pok && c.claim(n, "removed") {
		c.emit(wire.MethodChildNodeRemoved, wire.ChildNodeRemoved{ParentNodeID: pid, NodeID: id})
	}
	a.forget(n)
}

// compact drains the queue. ok is false when the distinct output count
// exceeded the budget; the caller then falls back to a snapshot.
func (a *Agent) compact() (events []wire.Event, ok bool) {
	queue := a.queue
	a.queue = nil

	c := &compactor{
		a:         a,
		budget:    a.cfg.CompactBudget,
		seen:      make(map[fieldKey]bool),
		parentSet: make(map[*html.Node]bool),
		insertSet: make(map[*html.Node]bool),
		layoutSet: make(map[*html.Node]bool),
	}

	for _, r := range queue {
		switch r.Type {
		case livedom.Attributes:
			n := r.Target
			id, known := a.mirroredID(n)
			if !known || !a.doc.Contains(n) {
				continue
			}
			if affectsLayout(r.AttributeName) {
				c.addLayout(n)
			}
			if !c.claim(n, "attr:"+r.AttributeName) {
				continue
			}
			if v, present := livedom.Attr(n, r.AttributeName); present {
				c.emit(wire.MethodAttributeModified, wire.AttributeModified{NodeID: id, Name: r.AttributeName, Value: v})
			} else {
				c.emit(wire.MethodAttributeRemoved, wire.AttributeRemoved{NodeID: id, Name: r.AttributeName})
			}

		case livedom.CharacterData:
			n := r.Target
			if !a.doc.Contains(n) {
				continue
			}
			id, known := a.mirroredID(n)
			blank := livedom.IsBlank(n)
			switch {
			case known && blank:
				// Blank nodes are not mirrored: it leaves the mirror.
				c.remove(n.Parent, n)
			case known:
				if c.claim(n, "text") {
					c.emit(wire.MethodCharacterDataModified, wire.CharacterDataModified{NodeID: id, CharacterData: n.Data})
				}
			case !blank:
				c.addInsert(n.Parent, n)
				c.addParent(n.Parent)
			}

		case livedom.ChildList:
			for _, rm := range r.Removed {
				c.remove(r.Target, rm)
			}
			for _, ad := range r.Added {
				c.addInsert(r.Target, ad)
			}
			c.addParent(r.Target)
		}
		if c.over() {
			return nil, false
		}
	}

	for _, ins := range c.inserts {
		n := ins.node
		if _, described := a.mirroredID(n); described {
			continue
		}
		if n.Parent != ins.parent || livedom.IsBlank(n) || !a.doc.Contains(n) {
			continue
		}
		pid, ok := a.mirroredID(ins.parent)
		if !ok || !a.childrenSent[pid] {
			continue
		}
		if !c.claim(n, "insert") {
			continue
		}
		if c.over() {
			return nil, false
		}
		prev := a.anchor(n)
		c.emit(wire.MethodChildNodeInserted, wire.ChildNodeInserted{
			ParentNodeID:   pid,
			PreviousNodeID: prev,
			Node:           a.Describe(n, 0, a.cfg.InsertDepth, nil),
		})
	}

	for _, p := range c.parents {
		pid, ok := a.mirroredID(p)
		if !ok || !a.doc.Contains(p) || !c.claim(p, "count") {
			continue
		}
		c.emit(wire.MethodChildNodeCountUpdated, wire.ChildNodeCountUpdated{
			NodeID:         pid,
			ChildNodeCount: len(livedom.Significant(p)),
		})
	}
	if c.over() {
		return nil, false
	}

	a.checkLayout(c)
	if c.over() {
		return nil, false
	}
	return c.events, true
}

// checkLayout re-evaluates the rendered flag of elements whose
// layout-affecting attributes changed, within the lookup budget.
func (a *Agent) checkLayout(c *compactor) {
	if len(c.layout) == 0 {
		return
	}
	a.Suppress()
	defer a.Resume()

	a.layoutBudget = a.cfg.LayoutLookups
	lookups := 0
	for _, n := range c.layout {
		if lookups >= a.cfg.LayoutLookups {
			a.logger.Debug("capture: layout lookup budget spent", "skipped", len(c.layout)-lookups)
			return
		}
		id, ok := a.mirroredID(n)
		if !ok || !a.doc.Contains(n) {
			continue
		}
		lookups++
		vis, _, _ := a.visible(n)
		if prev, known := a.rendered[id]; known && prev == vis {
			continue
		}
		a.rendered[id] = vis
		if c.claim(n, "layout") {
			c.emit(wire.MethodLayoutUpdated, wire.LayoutUpdated{NodeID: id, Rendered: vis})
		}
	}
}

// anchor returns the id of the nearest previous mirrored sibling, or 0.
func (a *Agent) anchor(n *html.Node) int64 {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if livedom.IsBlank(s) {
			continue
		}
		if id, ok := a.mirroredID(s); ok {
			return id
		}
	}
	return 0
}
