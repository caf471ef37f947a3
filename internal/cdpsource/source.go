// Package cdpsource mirrors a Chrome page's DOM into a livedom.Document so
// the capture agent can observe a real page. The document is loaded with
// DOM.getDocument (depth -1, piercing shadow roots) and then kept current
// from CDP DOM events. It also provides a layout probe backed by
// DOM.getBoxModel.
//
// Shadow roots are flattened into their host: their children follow the
// host's light children. Frame documents are not mirrored.
package cdpsource

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domirror/capture"
	"github.com/hazyhaar/domirror/livedom"
)

// Options configures a Source.
type Options struct {
	Logger *slog.Logger
	// Post runs fn on the goroutine that owns the document, without
	// waiting for it. Every document change and every probe goes through
	// it. Default: call fn directly.
	Post func(fn func())
}

// Source binds one page to one document. Apart from Load, its methods must
// run on the goroutine Options.Post targets.
type Source struct {
	page   *rod.Page
	logger *slog.Logger
	post   func(fn func())

	doc   *livedom.Document
	nodes map[proto.DOMNodeID]*html.Node
	ids   map[*html.Node]proto.DOMNodeID

	stats Stats
}

// Stats counts applied CDP events.
type Stats struct {
	Events  int `json:"events"`
	Ignored int `json:"ignored"`
	Reloads int `json:"reloads"`
}

// New creates a Source for page.
func New(page *rod.Page, opts Options) *Source {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	return &Source{
		page:   page,
		logger: opts.Logger,
		post:   opts.Post,
		nodes:  make(map[proto.DOMNodeID]*html.Node),
		ids:    make(map[*html.Node]proto.DOMNodeID),
	}
}

// Bind sets the post target after construction, for owners that need the
// loaded document before they exist. Call it before Follow.
func (s *Source) Bind(post func(fn func())) { s.post = post }

// Document returns the mirrored document, nil before Load.
func (s *Source) Document() *livedom.Document { return s.doc }

// Stats returns counters.
func (s *Source) Stats() Stats { return s.stats }

func (s *Source) fetchRoot(ctx context.Context) (*proto.DOMNode, error) {
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth, Pierce: true}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("cdpsource: get document: %w", err)
	}
	return res.Root, nil
}

// Load enables the DOM domain and builds the document. Call it once,
// before the document is shared.
func (s *Source) Load(ctx context.Context) (*livedom.Document, error) {
	if err := (proto.DOMEnable{}).Call(s.page.Context(ctx)); err != nil {
		return nil, fmt.Errorf("cdpsource: enable DOM: %w", err)
	}
	root, err := s.fetchRoot(ctx)
	if err != nil {
		return nil, err
	}
	s.doc = livedom.New(s.build(root), root.DocumentURL)
	s.logger.Info("cdpsource: document loaded", "url", root.DocumentURL, "nodes", len(s.nodes))
	return s.doc, nil
}

// Follow applies DOM events to the document until ctx is done. Events are
// handed to Post so the CDP reader never waits on the document owner.
func (s *Source) Follow(ctx context.Context) {
	wait := s.page.Context(ctx).EachEvent(
		func(e *proto.DOMChildNodeInserted) { s.post(func() { s.Apply(e) }) },
		func(e *proto.DOMChildNodeRemoved) { s.post(func() { s.Apply(e) }) },
		func(e *proto.DOMAttributeModified) { s.post(func() { s.Apply(e) }) },
		func(e *proto.DOMAttributeRemoved) { s.post(func() { s.Apply(e) }) },
		func(e *proto.DOMCharacterDataModified) { s.post(func() { s.Apply(e) }) },
		func(e *proto.DOMSetChildNodes) { s.post(func() { s.Apply(e) }) },
		func(e *proto.DOMShadowRootPushed) { s.post(func() { s.Apply(e) }) },
		func(*proto.DOMDocumentUpdated) {
			// CDP calls may not be made from the event goroutine.
			go s.reload(ctx)
		},
	)
	wait()
}

func (s *Source) reload(ctx context.Context) {
	root, err := s.fetchRoot(ctx)
	if err != nil {
		s.logger.Warn("cdpsource: reload failed", "error", err)
		return
	}
	s.post(func() { s.Replace(root) })
}

// Replace swaps in a freshly fetched tree, as after a navigation.
func (s *Source) Replace(root *proto.DOMNode) {
	clear(s.nodes)
	clear(s.ids)
	s.stats.Reloads++
	s.doc.Replace(s.build(root), root.DocumentURL)
	s.logger.Info("cdpsource: document replaced", "url", root.DocumentURL, "nodes", len(s.nodes))
}

// Apply applies one CDP DOM event. Events naming unknown nodes are
// counted and dropped.
func (s *Source) Apply(ev any) {
	ok := true
	switch e := ev.(type) {
	case *proto.DOMChildNodeInserted:
		parent := s.nodes[e.ParentNodeID]
		if parent == nil {
			ok = false
			break
		}
		child := s.build(e.Node)
		if child == nil {
			break
		}
		ref := parent.FirstChild
		if e.PreviousNodeID != 0 {
			prev := s.nodes[e.PreviousNodeID]
			if prev == nil || prev.Parent != parent {
				ref = nil
			} else {
				ref = prev.NextSibling
			}
		}
		s.doc.InsertBefore(parent, child, ref)

	case *proto.DOMChildNodeRemoved:
		n := s.nodes[e.NodeID]
		if n == nil || n.Parent == nil {
			ok = false
			break
		}
		s.doc.RemoveChild(n.Parent, n)
		s.forget(n)

	case *proto.DOMAttributeModified:
		n := s.nodes[e.NodeID]
		if n == nil || n.Type != html.ElementNode {
			ok = false
			break
		}
		s.doc.SetAttr(n, e.Name, e.Value)

	case *proto.DOMAttributeRemoved:
		n := s.nodes[e.NodeID]
		if n == nil || n.Type != html.ElementNode {
			ok = false
			break
		}
		s.doc.RemoveAttr(n, e.Name)

	case *proto.DOMCharacterDataModified:
		n := s.nodes[e.NodeID]
		if n == nil {
			ok = false
			break
		}
		s.doc.SetText(n, e.CharacterData)

	case *proto.DOMSetChildNodes:
		parent := s.nodes[e.ParentID]
		if parent == nil {
			ok = false
			break
		}
		for c := parent.FirstChild; c != nil; {
			next := c.NextSibling
			s.doc.RemoveChild(parent, c)
			s.forget(c)
			c = next
		}
		for _, d := range e.Nodes {
			if c := s.build(d); c != nil {
				s.doc.AppendChild(parent, c)
			}
		}

	case *proto.DOMShadowRootPushed:
		host := s.nodes[e.HostID]
		if host == nil || e.Root == nil {
			ok = false
			break
		}
		s.nodes[e.Root.NodeID] = host
		for _, d := range e.Root.Children {
			if c := s.build(d); c != nil {
				s.doc.AppendChild(host, c)
			}
		}

	default:
		ok = false
	}
	if ok {
		s.stats.Events++
	} else {
		s.stats.Ignored++
		s.logger.Debug("cdpsource: event ignored", "event", fmt.Sprintf("%T", ev))
	}
}

// build converts a CDP node and its loaded descendants, registering every
// id. Shadow roots register under their host.
func (s *Source) build(d *proto.DOMNode) *html.Node {
	if d == nil {
		return nil
	}
	n := &html.Node{}
	switch d.NodeType {
	case 9:
		n.Type = html.DocumentNode
	case 1:
		n.Type = html.ElementNode
		name := d.LocalName
		if name == "" {
			name = d.NodeName
		}
		n.Data = name
		n.DataAtom = atom.Lookup([]byte(name))
		for i := 0; i+1 < len(d.Attributes); i += 2 {
			n.Attr = append(n.Attr, html.Attribute{Key: d.Attributes[i], Val: d.Attributes[i+1]})
		}
	case 3, 4:
		n.Type = html.TextNode
		n.Data = d.NodeValue
	case 8:
		n.Type = html.CommentNode
		n.Data = d.NodeValue
	case 10:
		n.Type = html.DoctypeNode
		n.Data = d.NodeName
		if d.PublicID != "" {
			n.Attr = append(n.Attr, html.Attribute{Key: "public", Val: d.PublicID})
		}
		if d.SystemID != "" {
			n.Attr = append(n.Attr, html.Attribute{Key: "system", Val: d.SystemID})
		}
	default:
		return nil
	}
	s.nodes[d.NodeID] = n
	s.ids[n] = d.NodeID

	for _, c := range d.Children {
		if cn := s.build(c); cn != nil {
			n.AppendChild(cn)
		}
	}
	for _, sr := range d.ShadowRoots {
		s.nodes[sr.NodeID] = n
		for _, c := range sr.Children {
			if cn := s.build(c); cn != nil {
				n.AppendChild(cn)
			}
		}
	}
	return n
}

func (s *Source) forget(n *html.Node) {
	if id, ok := s.ids[n]; ok {
		delete(s.ids, n)
		if s.nodes[id] == n {
			delete(s.nodes, id)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.forget(c)
	}
}

// Probe returns a layout probe asking Chrome for each element's box. A
// node Chrome cannot compute a box for (display:none, detached) reports
// zero geometry.
func (s *Source) Probe() capture.LayoutProbe {
	return capture.LayoutProbeFunc(func(n *html.Node) (capture.Box, bool) {
		id, ok := s.ids[n]
		if !ok {
			return capture.Box{}, false
		}
		res, err := proto.DOMGetBoxModel{NodeID: id}.Call(s.page)
		if err != nil || res.Model == nil {
			return capture.Box{}, true
		}
		return capture.Box{Width: float64(res.Model.Width), Height: float64(res.Model.Height)}, true
	})
}
