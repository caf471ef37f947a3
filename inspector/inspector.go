// Package inspector is the viewing side of a mirror. An Inspector owns a
// node store, the reconciler keeping it in sync, and a render scheduler
// presenting it as text. It is fed either by a protocol connection to a
// host or by tailing a bundle journal written by another process.
//
// Every operation runs on the inspector's own loop, so callers may use an
// Inspector from any goroutine.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/domirror/journal"
	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/protocol"
	"github.com/hazyhaar/domirror/reconcile"
	"github.com/hazyhaar/domirror/render"
	"github.com/hazyhaar/domirror/sched"
	"github.com/hazyhaar/domirror/wire"
)

var (
	// ErrUnknownNode is returned for ids the mirror does not hold.
	ErrUnknownNode = errors.New("inspector: unknown node")
	// ErrNoDocument is returned before the first snapshot landed.
	ErrNoDocument = errors.New("inspector: no document yet")
)

// Config configures an Inspector.
type Config struct {
	Logger    *slog.Logger
	Reconcile reconcile.Config
	Render    render.Config

	// Debounce and MaxDepth are sent with DOMMirror.enableAutoUpdates; zero
	// lets the capture side pick.
	Debounce time.Duration
	MaxDepth int
	// SnapshotDepth is the depth of the initial DOM.getDocument.
	SnapshotDepth int
	// RefreshDepth is the depth of DOM.describeNode for Refresh; zero
	// lets the capture side pick.
	RefreshDepth int

	// PollInterval is the journal polling period in tail mode.
	PollInterval time.Duration
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Reconcile.Logger == nil {
		c.Reconcile.Logger = c.Logger
	}
	if c.Render.Logger == nil {
		c.Render.Logger = c.Logger
	}
}

// Inspector mirrors one document.
type Inspector struct {
	cfg    Config
	logger *slog.Logger
	loop   *sched.Loop

	store  *model.Store
	rec    *reconcile.Reconciler
	render *render.Scheduler
	text   *render.TextPresenter

	// Exactly one of conn and tail is set.
	conn   protocol.Conn
	router *protocol.Router
	tail   *journal.Tail
}

func newInspector(cfg Config) *Inspector {
	cfg.defaults()
	in := &Inspector{
		cfg:    cfg,
		logger: cfg.Logger,
		loop:   sched.NewLoop(sched.WithLogger(cfg.Logger)),
		store:  model.NewStore(),
	}
	in.text = render.NewTextPresenter(in.store)
	rc := cfg.Render
	rc.Scheduler = in.loop
	in.render = render.New(in.store, in.text, rc)
	return in
}

// New creates an Inspector talking to a host over conn.
func New(conn protocol.Conn, cfg Config) *Inspector {
	in := newInspector(cfg)
	in.conn = conn
	in.router = protocol.NewRouter(conn, protocol.WithLogger(in.logger))

	rc := in.cfg.Reconcile
	rc.Scheduler = in.loop
	in.rec = reconcile.New(in.store, in.router, rc)
	in.router.On(wire.MethodBundle, in.rec.HandleBundleEvent)
	return in
}

// NewFromJournal creates an Inspector replaying j. Reloads resync from the
// journal's latest snapshot; child fetches are unavailable, so expanding a
// node only shows what the journal captured.
func NewFromJournal(j *journal.Journal, cfg Config) *Inspector {
	in := newInspector(cfg)
	rc := in.cfg.Reconcile
	rc.Scheduler = in.loop
	rc.Reload = func() { in.tail.Resync() }
	in.rec = reconcile.New(in.store, nil, rc)
	in.tail = journal.NewTail(j, in.rec, journal.TailOptions{
		Scheduler: in.loop,
		Enter:     in.loop.Do,
		Interval:  in.cfg.PollInterval,
		Logger:    in.logger,
	})
	return in
}

// Run drives the loop and the source until ctx is done or the connection
// closes.
func (in *Inspector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		in.loop.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
		in.rec.Close()
	}()

	if in.tail != nil {
		if err := in.tail.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("inspector: tail: %w", err)
		}
		return nil
	}

	err := in.conn.Serve(ctx, func(ctx context.Context, data []byte) {
		if err := in.loop.Do(ctx, func() { in.router.Dispatch(ctx, data) }); err != nil {
			in.logger.Debug("inspector: dropping message", "error", err)
		}
	})
	in.router.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("inspector: serve: %w", err)
	}
	return nil
}

// Start loads the document: the initial snapshot from the host, then auto
// updates, or a catch-up from the journal. It returns once the snapshot is
// in the store.
func (in *Inspector) Start(ctx context.Context) error {
	if in.tail != nil {
		var n int
		var err error
		if derr := in.loop.Do(ctx, func() { n, err = in.tail.CatchUp(ctx) }); derr != nil {
			return derr
		}
		if err != nil {
			return fmt.Errorf("inspector: start: %w", err)
		}
		in.logger.Info("inspector: journal replayed", "bundles", n)
		return nil
	}

	var doc, auto *protocol.Call
	err := in.loop.Do(ctx, func() {
		// The snapshot goes first so the agent has ids and skips its own
		// initial snapshot when auto updates come on.
		doc = in.router.SendCommand(ctx, wire.MethodGetDocument, wire.GetDocumentParams{Depth: in.cfg.SnapshotDepth})
		doc.Then(func(c *protocol.Call) {
			var snap wire.Snapshot
			if err := c.Decode(&snap); err != nil {
				in.logger.Warn("inspector: initial snapshot failed", "error", err)
				return
			}
			in.rec.ApplySnapshot(&snap, false)
		})
		auto = in.router.SendCommand(ctx, wire.MethodEnableAutoUpdates, wire.EnableAutoUpdatesParams{
			DebounceMs: int(in.cfg.Debounce / time.Millisecond),
			MaxDepth:   in.cfg.MaxDepth,
		})
	})
	if err != nil {
		return err
	}
	if _, err := doc.Wait(ctx); err != nil {
		return fmt.Errorf("inspector: start: get document: %w", err)
	}
	if _, err := auto.Wait(ctx); err != nil {
		return fmt.Errorf("inspector: start: enable auto updates: %w", err)
	}
	// Then callbacks run after Wait returns; a round trip through the loop
	// orders us behind them.
	if err := in.loop.Do(ctx, func() {}); err != nil {
		return err
	}
	if in.Root(ctx) == 0 {
		return ErrNoDocument
	}
	in.logger.Info("inspector: started")
	return nil
}

// Root returns the root id, or 0 without a document.
func (in *Inspector) Root(ctx context.Context) int64 {
	var id int64
	in.loop.Do(ctx, func() { id = in.store.RootID() })
	return id
}

// Select makes id the selected node, expanding its ancestors.
func (in *Inspector) Select(ctx context.Context, id int64) error {
	var ok bool
	if err := in.loop.Do(ctx, func() { ok = in.store.Get(id) != nil && in.rec.Select(id) }); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return nil
}

// Expand opens or closes id. Opening a node whose children are not all
// materialised fetches them and waits for the result.
func (in *Inspector) Expand(ctx context.Context, id int64, open bool) error {
	var (
		call  *protocol.Call
		found bool
	)
	err := in.loop.Do(ctx, func() {
		n := in.store.Get(id)
		if n == nil {
			return
		}
		found = true
		in.store.SetExpanded(id, open)
		if open && reconcile.NeedsChildren(n) {
			call = in.rec.FetchChildren(id)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if call == nil {
		return nil
	}
	if _, err := call.Wait(ctx); err != nil {
		return fmt.Errorf("inspector: expand %d: %w", id, err)
	}
	return in.loop.Do(ctx, func() {})
}

// Refresh re-describes the subtree at id from the host and merges it,
// keeping selection and expansion where the nodes still exist. From a
// journal there is no host to ask and Refresh does nothing.
func (in *Inspector) Refresh(ctx context.Context, id int64) error {
	var (
		call  *protocol.Call
		found bool
	)
	err := in.loop.Do(ctx, func() {
		if in.store.Get(id) == nil {
			return
		}
		found = true
		call = in.rec.DescribeSubtree(id, in.cfg.RefreshDepth)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if call == nil {
		return nil
	}
	if _, err := call.Wait(ctx); err != nil {
		return fmt.Errorf("inspector: refresh %d: %w", id, err)
	}
	return in.loop.Do(ctx, func() {})
}

// SetFilter narrows the tree to nodes matching filter and their ancestors.
// An empty filter shows the expanded tree again.
func (in *Inspector) SetFilter(ctx context.Context, filter string) error {
	return in.loop.Do(ctx, func() {
		in.store.SetFilter(filter)
		if root := in.store.Root(); root != nil {
			in.store.MarkDirty(root, model.Change{})
		}
	})
}

// Tree flushes pending presentation work and renders the visible tree.
func (in *Inspector) Tree(ctx context.Context) (string, error) {
	var out string
	err := in.loop.Do(ctx, func() {
		in.render.FlushAll()
		out = in.text.String()
	})
	return out, err
}

// NodeView is a node with its view state.
type NodeView struct {
	*model.Node
	Line     string `json:"line"`
	Expanded bool   `json:"expanded"`
	Selected bool   `json:"selected"`
}

// Node returns a copy of id with its view state.
func (in *Inspector) Node(ctx context.Context, id int64) (*NodeView, error) {
	var v *NodeView
	err := in.loop.Do(ctx, func() {
		n := in.store.Get(id)
		if n == nil {
			return
		}
		cp := *n
		cp.Attributes = append([]model.Attr(nil), n.Attributes...)
		cp.Children = append([]int64(nil), n.Children...)
		v = &NodeView{
			Node:     &cp,
			Line:     render.Line(n),
			Expanded: in.store.Expanded(id),
			Selected: in.store.Selected() == id,
		}
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return v, nil
}

// Stats gathers counters from every stage.
type Stats struct {
	Reconcile reconcile.Stats `json:"reconcile"`
	Render    render.Stats    `json:"render"`
	Store     model.Stats     `json:"store"`
	Selected  int64           `json:"selected"`
	Filter    string          `json:"filter,omitempty"`
	// InFlight counts commands awaiting a response.
	InFlight int `json:"inFlight"`
	// Cursor is the last journal sequence applied, in tail mode.
	Cursor int64 `json:"cursor,omitempty"`
}

// Stats returns a snapshot of the counters.
func (in *Inspector) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := in.loop.Do(ctx, func() {
		st = Stats{
			Reconcile: in.rec.Stats(),
			Render:    in.render.Stats(),
			Store:     in.store.Stats(),
			Selected:  in.store.Selected(),
			Filter:    in.store.Filter(),
		}
		if in.router != nil {
			st.InFlight = in.router.Pending()
		}
		if in.tail != nil {
			st.Cursor = in.tail.Cursor()
		}
	})
	return st, err
}

// Reload asks for a fresh snapshot, keeping the view state.
func (in *Inspector) Reload(ctx context.Context) error {
	return in.loop.Do(ctx, func() { in.rec.Reload("requested") })
}

// Close detaches from the host and stops the source.
func (in *Inspector) Close() error {
	if in.conn != nil {
		return in.conn.Close()
	}
	return nil
}
