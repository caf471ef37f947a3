// Package capture is the content side of the mirror. An Agent walks a live
// document into descriptors, answers snapshot and subtree commands, and,
// while auto updates are enabled, compacts observed mutations into bounded
// bundles published to a sink.
//
// An Agent is driven from a single scheduler: commands, document mutations
// and debounce timers must all run on it.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domirror/livedom"
	"github.com/hazyhaar/domirror/sched"
	"github.com/hazyhaar/domirror/wire"
)

var (
	// ErrUnknownNode is returned for ids the agent does not (or no longer)
	// map to a connected node.
	ErrUnknownNode = errors.New("capture: unknown node")
	// ErrUnknownMethod is returned by HandleCommand for unsupported methods.
	ErrUnknownMethod = errors.New("capture: unknown method")
)

// Stats counts what the agent produced.
type Stats struct {
	Snapshots     int    `json:"snapshots"`
	Bundles       int    `json:"bundles"`
	Events        int    `json:"events"`
	Overflows     int    `json:"overflows"`
	CompactAborts int    `json:"compactAborts"`
	Nodes         int    `json:"nodes"`
	Seq           uint64 `json:"seq"`
}

// Agent captures one live document.
type Agent struct {
	cfg    Config
	doc    *livedom.Document
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// Two-way id map. Ids are never reused, even across documents.
	ids        map[int64]*html.Node
	nodeIDs    map[*html.Node]int64
	nextID     int64
	generation uint64
	// childrenSent marks ids whose child list was described at least once;
	// insertions under other parents only update the child count.
	childrenSent map[int64]bool
	// mirrored holds the ids described since the last snapshot, which is
	// exactly what the inspector can know about. Events name no others.
	mirrored map[int64]bool
	// rendered is the last self-rendered flag sent per id.
	rendered map[int64]bool

	pendingSelection []int
	layoutBudget     int

	auto          bool
	autoDepth     int
	debounce      time.Duration
	unobserve     func()
	queue         []livedom.Record
	overflow      bool
	docReset      bool
	timer         sched.Handle
	suppressed    int
	pendingReason string

	seq   uint64
	stats Stats
}

// New creates an Agent for doc.
func New(doc *livedom.Document, cfg Config) *Agent {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:          cfg,
		doc:          doc,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
		ids:          make(map[int64]*html.Node),
		nodeIDs:      make(map[*html.Node]int64),
		generation:   doc.Generation(),
		childrenSent: make(map[int64]bool),
		mirrored:     make(map[int64]bool),
		rendered:     make(map[int64]bool),
	}
}

// Close stops auto updates and cancels in-flight publishes.
func (a *Agent) Close() {
	a.DisableAutoUpdates()
	a.cancel()
}

// Document returns the observed document.
func (a *Agent) Document() *livedom.Document { return a.doc }

// Stats returns counters.
func (a *Agent) Stats() Stats {
	st := a.stats
	st.Nodes = len(a.ids)
	st.Seq = a.seq
	return st
}

// NodeID returns the id assigned to n, if any.
func (a *Agent) NodeID(n *html.Node) (int64, bool) {
	id, ok := a.nodeIDs[n]
	return id, ok
}

// Node returns the live node for id, if mapped.
func (a *Agent) Node(id int64) *html.Node { return a.ids[id] }

func (a *Agent) idFor(n *html.Node) int64 {
	if id, ok := a.nodeIDs[n]; ok {
		return id
	}
	a.nextID++
	a.ids[a.nextID] = n
	a.nodeIDs[n] = a.nextID
	return a.nextID
}

// forget drops the ids of n's subtree.
func (a *Agent) forget(n *html.Node) {
	if id, ok := a.nodeIDs[n]; ok {
		delete(a.nodeIDs, n)
		delete(a.ids, id)
		delete(a.childrenSent, id)
		delete(a.mirrored, id)
		delete(a.rendered, id)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		a.forget(c)
	}
}

func (a *Agent) resetIDs() {
	clear(a.ids)
	clear(a.nodeIDs)
	clear(a.childrenSent)
	clear(a.mirrored)
	clear(a.rendered)
	a.generation = a.doc.Generation()
}

// syncGeneration resets the id map when the document was replaced.
func (a *Agent) syncGeneration() {
	if a.doc.Generation() != a.generation {
		a.logger.Info("capture: document replaced, resetting ids", "url", a.doc.URL())
		a.resetIDs()
	}
}

// prune drops ids of nodes that left the document.
func (a *Agent) prune() {
	for id, n := range a.ids {
		if !a.doc.Contains(n) {
			delete(a.ids, id)
			delete(a.nodeIDs, n)
			delete(a.childrenSent, id)
			delete(a.mirrored, id)
			delete(a.rendered, id)
		}
	}
}

// mirroredID returns n's id when the inspector holds a descriptor for it.
func (a *Agent) mirroredID(n *html.Node) (int64, bool) {
	id, ok := a.nodeIDs[n]
	if !ok || !a.mirrored[id] {
		return 0, false
	}
	return id, true
}

// Describe serialises n down to maxDepth levels below depth. Child lists
// are truncated at the child limit, except for the child on path, which is
// always included so a pending selection is never pruned away.
func (a *Agent) Describe(n *html.Node, depth, maxDepth int, path []int) *wire.Descriptor {
	id := a.idFor(n)
	a.mirrored[id] = true
	d := &wire.Descriptor{ID: id}

	switch n.Type {
	case html.DocumentNode:
		d.NodeType = wire.DocumentNode
		d.NodeName = "#document"
		d.DocumentURL = a.doc.URL()
	case html.DoctypeNode:
		d.NodeType = wire.DoctypeNode
		d.NodeName = n.Data
		d.PublicID, _ = livedom.Attr(n, "public")
		d.SystemID, _ = livedom.Attr(n, "system")
	case html.ElementNode:
		d.NodeType = wire.ElementNode
		d.NodeName = strings.ToUpper(n.Data)
		d.LocalName = n.Data
		d.Attributes = livedom.AttrList(n)
		d.Layout = a.layout(n)
		a.rendered[id] = d.Layout.Rendered
	case html.CommentNode:
		d.NodeType = wire.CommentNode
		d.NodeName = "#comment"
		d.NodeValue = n.Data
	default:
		d.NodeType = wire.TextNode
		d.NodeName = "#text"
		d.NodeValue = n.Data
	}

	kids := livedom.Significant(n)
	d.ChildNodeCount = len(kids)
	if depth >= maxDepth || len(kids) == 0 {
		return d
	}
	a.childrenSent[id] = true

	onPath := -1
	if len(path) > 0 {
		onPath = path[0]
	}
	for i, c := range kids {
		if i >= a.cfg.ChildLimit && i != onPath {
			if onPath < i {
				break
			}
			continue
		}
		var sub []int
		if i == onPath {
			sub = path[1:]
		}
		d.Children = append(d.Children, a.Describe(c, depth+1, maxDepth, sub))
	}
	return d
}

// CaptureSnapshot serialises the whole document. The effective depth is
// raised so that a pending selection is reachable, and the selection is
// resolved to an id and an id path.
func (a *Agent) CaptureSnapshot(maxDepth int) *wire.Snapshot {
	if maxDepth <= 0 {
		maxDepth = a.cfg.MaxDepth
	}
	a.syncGeneration()
	a.prune()

	path := a.pendingSelection
	var target *html.Node
	if len(path) > 0 {
		if target = a.doc.Resolve(path); target == nil {
			path = nil
		}
	}
	eff := max(maxDepth, len(path))

	// The inspector rebuilds its registry from this snapshot alone.
	clear(a.mirrored)
	clear(a.childrenSent)
	a.layoutBudget = a.cfg.LayoutLookups
	snap := &wire.Snapshot{Root: a.Describe(a.doc.Root(), 0, eff, path), Depth: eff}
	if target != nil {
		snap.SelectedNodeID = a.nodeIDs[target]
		snap.SelectedPath = a.idPath(target)
	}

	// Everything queued so far is reflected in the snapshot.
	a.queue = nil
	a.overflow = false
	a.stats.Snapshots++
	return snap
}

func (a *Agent) idPath(n *html.Node) []int64 {
	var rev []int64
	for ; n != nil; n = n.Parent {
		id, ok := a.nodeIDs[n]
		if !ok {
			return nil
		}
		rev = append(rev, id)
	}
	slices.Reverse(rev)
	return rev
}

// CaptureSubtree describes the node id down to maxDepth.
func (a *Agent) CaptureSubtree(id int64, maxDepth int) (*wire.Descriptor, error) {
	n, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = a.cfg.MaxDepth
	}
	a.layoutBudget = a.cfg.LayoutLookups
	return a.Describe(n, 0, maxDepth, a.pathBelow(n)), nil
}

// ChildNodes describes the full child list of id, each child down to
// depth-1 further levels.
func (a *Agent) ChildNodes(id int64, depth int) (*wire.ChildNodes, error) {
	n, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	a.layoutBudget = a.cfg.LayoutLookups
	a.childrenSent[id] = true
	out := &wire.ChildNodes{ParentID: id, Nodes: []*wire.Descriptor{}}
	for _, c := range livedom.Significant(n) {
		out.Nodes = append(out.Nodes, a.Describe(c, 1, depth, nil))
	}
	return out, nil
}

func (a *Agent) lookup(id int64) (*html.Node, error) {
	a.syncGeneration()
	n := a.ids[id]
	if n == nil || !a.doc.Contains(n) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return n, nil
}

// pathBelow returns the part of the pending selection path under n.
func (a *Agent) pathBelow(n *html.Node) []int {
	if len(a.pendingSelection) == 0 {
		return nil
	}
	prefix := a.doc.Path(n)
	if prefix == nil || len(prefix) > len(a.pendingSelection) {
		return nil
	}
	if !slices.Equal(prefix, a.pendingSelection[:len(prefix)]) {
		return nil
	}
	return a.pendingSelection[len(prefix):]
}

// SetPendingSelection records the host's page selection as a
// significant-child index path from the document root.
func (a *Agent) SetPendingSelection(path []int) {
	a.pendingSelection = slices.Clone(path)
}

// HandleCommand serves one inspector command.
func (a *Agent) HandleCommand(method string, params json.RawMessage) (any, error) {
	switch method {
	case wire.MethodGetDocument:
		var p wire.GetDocumentParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		depth := p.Depth
		if depth < 0 {
			depth = math.MaxInt32
		}
		return a.CaptureSnapshot(depth), nil

	case wire.MethodDescribeNode:
		var p wire.DescribeNodeParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return a.CaptureSubtree(p.NodeID, p.Depth)

	case wire.MethodRequestChildNodes:
		var p wire.RequestChildNodesParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		return a.ChildNodes(p.NodeID, p.Depth)

	case wire.MethodEnableAutoUpdates:
		var p wire.EnableAutoUpdatesParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		a.EnableAutoUpdates(time.Duration(p.DebounceMs)*time.Millisecond, p.MaxDepth)
		return struct{}{}, nil

	case wire.MethodDisableAutoUpdates:
		a.DisableAutoUpdates()
		return struct{}{}, nil

	case wire.MethodSetPendingSelection:
		var p wire.PendingSelectionParams
		if err := decode(method, params, &p); err != nil {
			return nil, err
		}
		a.SetPendingSelection(p.Path)
		return struct{}{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

func decode(method string, params json.RawMessage, v any) error {
	raw := wire.Unnest(params)
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("capture: %s: decode params: %w", method, err)
	}
	return nil
}
