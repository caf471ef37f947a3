// Package host is the capture side of a mirror. A Host owns a live
// document, the capture agent observing it and the loop both run on, and
// serves any number of inspector peers over protocol connections. Bundles
// the agent produces are sent to every peer as DOMMirror.bundle events and
// to any extra sinks (journal, stdout, webhook).
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/domirror/capture"
	"github.com/hazyhaar/domirror/idgen"
	"github.com/hazyhaar/domirror/livedom"
	"github.com/hazyhaar/domirror/protocol"
	"github.com/hazyhaar/domirror/sched"
	"github.com/hazyhaar/domirror/sink"
	"github.com/hazyhaar/domirror/wire"
)

// Config configures a Host.
type Config struct {
	Logger *slog.Logger
	// Capture tunes the agent. Its Sink and Scheduler are set by the host.
	Capture capture.Config
	// Sinks receive every bundle besides the peers.
	Sinks []sink.Sink
	// KeepObserving leaves auto updates on when the last peer leaves.
	// Implied when Sinks is not empty.
	KeepObserving bool
}

// Host is safe for concurrent use; document changes go through Do.
type Host struct {
	cfg    Config
	logger *slog.Logger
	loop   *sched.Loop
	doc    *livedom.Document
	agent  *capture.Agent
	out    *sink.Router
	ids    idgen.Generator

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	id     string
	conn   protocol.Conn
	router *protocol.Router
}

// New creates a Host for doc. Call Run to start its loop.
func New(doc *livedom.Document, cfg Config) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Host{
		cfg:    cfg,
		logger: cfg.Logger,
		loop:   sched.NewLoop(sched.WithLogger(cfg.Logger)),
		doc:    doc,
		ids:    idgen.Prefixed("peer_", idgen.NanoID(10)),
		peers:  make(map[string]*peer),
	}
	h.out = sink.NewRouter(cfg.Logger, append([]sink.Sink{sink.NewCallback(h.broadcast)}, cfg.Sinks...)...)

	cc := cfg.Capture
	cc.Sink = h.out
	cc.Scheduler = h.loop
	if cc.Logger == nil {
		cc.Logger = cfg.Logger
	}
	h.agent = capture.New(doc, cc)
	return h
}

// Run drives the loop until ctx is done.
func (h *Host) Run(ctx context.Context) { h.loop.Run(ctx) }

// Loop returns the loop the agent runs on.
func (h *Host) Loop() *sched.Loop { return h.loop }

// Do runs fn on the loop with the live document, for mutating it.
func (h *Host) Do(ctx context.Context, fn func(doc *livedom.Document)) error {
	return h.loop.Do(ctx, func() { fn(h.doc) })
}

// Agent returns the capture agent. Use it only from the loop.
func (h *Host) Agent() *capture.Agent { return h.agent }

// Stats returns the agent counters.
func (h *Host) Stats(ctx context.Context) (capture.Stats, error) {
	var st capture.Stats
	err := h.loop.Do(ctx, func() { st = h.agent.Stats() })
	return st, err
}

// Peers returns the number of connected peers.
func (h *Host) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// EnableAutoUpdates turns on observation without waiting for a peer to ask,
// for hosts that only write to sinks.
func (h *Host) EnableAutoUpdates(ctx context.Context) error {
	return h.loop.Do(ctx, func() { h.agent.EnableAutoUpdates(0, 0) })
}

// SelectPath records the page's own selection as a significant-child index
// path. Snapshots carry it to the inspector.
func (h *Host) SelectPath(ctx context.Context, path []int) error {
	return h.loop.Do(ctx, func() { h.agent.SetPendingSelection(path) })
}

// Serve attaches conn as a peer and blocks until it closes. Inbound
// messages are dispatched on the loop, so a command's response is sent
// before any bundle published after it.
func (h *Host) Serve(ctx context.Context, conn protocol.Conn) error {
	p := &peer{id: h.ids(), conn: conn}
	p.router = protocol.NewRouter(conn,
		protocol.WithLogger(h.logger.With("peer", p.id)),
		protocol.WithCommandHandler(h.command))

	h.mu.Lock()
	h.peers[p.id] = p
	n := len(h.peers)
	h.mu.Unlock()
	h.logger.Info("host: peer connected", "peer", p.id, "peers", n)

	err := conn.Serve(ctx, func(ctx context.Context, data []byte) {
		if err := h.loop.Do(ctx, func() { p.router.Dispatch(ctx, data) }); err != nil {
			h.logger.Debug("host: dropping message", "peer", p.id, "error", err)
		}
	})

	h.mu.Lock()
	delete(h.peers, p.id)
	n = len(h.peers)
	h.mu.Unlock()
	p.router.Close()
	conn.Close()
	h.logger.Info("host: peer disconnected", "peer", p.id, "peers", n, "error", err)

	if n == 0 && !h.cfg.KeepObserving && len(h.cfg.Sinks) == 0 {
		// Nobody is listening.
		h.loop.Post(func() {
			if h.Peers() == 0 {
				h.agent.DisableAutoUpdates()
			}
		})
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// command runs on the loop.
func (h *Host) command(_ context.Context, method string, params json.RawMessage) (any, error) {
	return h.agent.HandleCommand(method, params)
}

// broadcast runs on the loop, from the agent's publish.
func (h *Host) broadcast(ctx context.Context, b *wire.Bundle) error {
	data, err := wire.NewEventMessage(wire.MethodBundle, b)
	if err != nil {
		return fmt.Errorf("host: encode bundle: %w", err)
	}
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := p.conn.Send(ctx, data); err != nil {
			h.logger.Warn("host: send bundle failed", "peer", p.id, "seq", b.Seq, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close stops the agent and closes every peer and sink. The loop must still
// be running.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
	err := h.loop.Do(ctx, h.agent.Close)
	if cerr := h.out.Close(); err == nil {
		err = cerr
	}
	return err
}
