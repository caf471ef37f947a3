// Command domirror mirrors a live DOM into an inspector.
//
// Usage:
//
//	domirror -url https://example.com            # capture a page in Chrome, serve ws://:8420/mirror
//	domirror -file page.html -inspect            # capture a local file and inspect it in-process
//	domirror -connect ws://host:8420/mirror      # inspect a remote capture host
//	domirror -url https://example.com -journal m.db
//	domirror -journal m.db -tail -mcp            # inspect a journal over MCP stdio
//	domirror -connect ws://host:8420/mirror -tree
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domirror/host"
	"github.com/hazyhaar/domirror/inspector"
	"github.com/hazyhaar/domirror/internal/browser"
	"github.com/hazyhaar/domirror/internal/cdpsource"
	"github.com/hazyhaar/domirror/internal/config"
	"github.com/hazyhaar/domirror/journal"
	"github.com/hazyhaar/domirror/livedom"
	"github.com/hazyhaar/domirror/protocol"
	"github.com/hazyhaar/domirror/wsconn"
)

const version = "0.1.0"

type options struct {
	configPath    string
	url           string
	file          string
	listen        string
	connect       string
	journal       string
	tail          bool
	inspect       bool
	inspectListen string
	mcp           bool
	tree          bool
	logLevel      string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to domirror.yaml")
	flag.StringVar(&o.url, "url", "", "capture this URL in Chrome")
	flag.StringVar(&o.file, "file", "", "capture this local HTML file")
	flag.StringVar(&o.listen, "listen", "", "capture endpoint address (default from config, :8420)")
	flag.StringVar(&o.connect, "connect", "", "inspect the capture host at this ws:// URL")
	flag.StringVar(&o.journal, "journal", "", "bundle journal path: written when capturing, read with -tail")
	flag.BoolVar(&o.tail, "tail", false, "inspect the journal instead of a host")
	flag.BoolVar(&o.inspect, "inspect", false, "run an inspector in-process on the captured page")
	flag.StringVar(&o.inspectListen, "inspect-listen", "", "inspector API address (default from config, :8421)")
	flag.BoolVar(&o.mcp, "mcp", false, "serve the inspector as MCP tools on stdio")
	flag.BoolVar(&o.tree, "tree", false, "print the inspected tree once and exit")
	flag.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(o.configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, o); err != nil {
		logger.Error("domirror: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, o options) error {
	o.applyConfig(cfg)
	capturing := o.url != "" || o.file != ""
	if !capturing && o.connect == "" && !(o.tail && o.journal != "") {
		fmt.Fprintln(os.Stderr, "usage: domirror -url <url> | -file <path> | -connect <ws url> | -journal <path> -tail")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if o.mcp && hasStdoutSink(cfg) {
		return errors.New("stdout sink and -mcp both need stdout")
	}

	var h *host.Host
	if capturing {
		var err error
		var cleanup func()
		h, cleanup, err = startHost(ctx, logger, cfg, o)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	in, release, err := newInspector(ctx, logger, cfg, o, h)
	if err != nil {
		return err
	}
	defer release()
	if in == nil {
		<-ctx.Done()
		return nil
	}
	return runInspector(ctx, logger, in, o)
}

func (o *options) applyConfig(cfg *config.Config) {
	if o.listen == "" {
		o.listen = cfg.Host.Listen
	}
	if o.inspectListen == "" {
		o.inspectListen = cfg.Inspector.Listen
	}
	if o.connect == "" && !o.inspect && !o.tail {
		o.connect = cfg.Inspector.Connect
	}
	if o.journal == "" {
		o.journal = cfg.Journal.Path
	}
}

func hasStdoutSink(cfg *config.Config) bool {
	for _, s := range cfg.Sinks {
		if s.Type == "stdout" {
			return true
		}
	}
	return false
}

// loadDocument opens the page to capture. With a URL the page is loaded in
// Chrome and the returned source still has to be bound to its owner.
func loadDocument(ctx context.Context, logger *slog.Logger, cfg *config.Config, o options) (*livedom.Document, *cdpsource.Source, func(), error) {
	if o.file != "" {
		f, err := os.Open(o.file)
		if err != nil {
			return nil, nil, nil, err
		}
		defer f.Close()
		doc, err := livedom.Parse(f, "file://"+o.file)
		return doc, nil, func() {}, err
	}

	mgr := browser.NewManager(cfg.BrowserManager(logger))
	if _, err := mgr.Start(ctx); err != nil {
		return nil, nil, nil, err
	}
	tab, err := mgr.OpenTab(ctx, o.url)
	if err != nil {
		mgr.Close()
		return nil, nil, nil, err
	}
	src := cdpsource.New(tab.Page, cdpsource.Options{Logger: logger})
	doc, err := src.Load(ctx)
	if err != nil {
		tab.Close()
		mgr.Close()
		return nil, nil, nil, err
	}
	return doc, src, func() {
		tab.Close()
		mgr.Close()
	}, nil
}

func startHost(ctx context.Context, logger *slog.Logger, cfg *config.Config, o options) (*host.Host, func(), error) {
	doc, src, closeDoc, err := loadDocument(ctx, logger, cfg, o)
	if err != nil {
		return nil, nil, fmt.Errorf("load document: %w", err)
	}

	sinks := cfg.BuildSinks(logger, os.Stdout)
	var j *journal.Journal
	if o.journal != "" && !o.tail {
		if j, err = journal.Open(o.journal, journal.WithLogger(logger)); err != nil {
			closeDoc()
			return nil, nil, err
		}
		sinks = append(sinks, j)
	}

	hc := cfg.HostConfig(logger, sinks)
	if src != nil {
		hc.Capture.Probe = src.Probe()
	}
	h := host.New(doc, hc)
	// The loop outlives ctx so Close can still flush the agent on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go h.Run(loopCtx)

	if src != nil {
		// CDP events now mutate the document on the host loop, the same
		// goroutine that runs the agent and its probes.
		src.Bind(h.Loop().Post)
		go src.Follow(ctx)
	}
	if len(sinks) > 0 {
		if err := h.EnableAutoUpdates(ctx); err != nil {
			stopLoop()
			closeDoc()
			return nil, nil, err
		}
	}
	if j != nil && cfg.Journal.PruneInterval > 0 {
		go prune(ctx, logger, j, cfg.Journal.PruneInterval)
	}

	srv := &http.Server{
		Addr:              o.listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("domirror: capture endpoint listening", "addr", o.listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("domirror: capture endpoint", "error", err)
		}
	}()

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("domirror: shutdown", "error", err)
		}
		if err := h.Close(shutdownCtx); err != nil {
			logger.Warn("domirror: host close", "error", err)
		}
		stopLoop()
		closeDoc()
	}
	return h, cleanup, nil
}

func prune(ctx context.Context, logger *slog.Logger, j *journal.Journal, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx)
			if err != nil {
				logger.Warn("domirror: journal prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("domirror: journal pruned", "bundles", n)
			}
		}
	}
}

// newInspector picks the inspector's source, or returns nil when only
// capturing. release frees what the inspector does not own.
func newInspector(ctx context.Context, logger *slog.Logger, cfg *config.Config, o options, h *host.Host) (in *inspector.Inspector, release func(), err error) {
	ic := cfg.InspectorConfig(logger)
	release = func() {}
	switch {
	case o.inspect && h != nil:
		left, right := protocol.Pipe(0)
		go func() {
			if err := h.Serve(ctx, right); err != nil {
				logger.Warn("domirror: in-process peer ended", "error", err)
			}
		}()
		return inspector.New(left, ic), release, nil

	case o.connect != "":
		conn, err := wsconn.Dial(ctx, o.connect, wsconn.WithLogger(logger))
		if err != nil {
			return nil, release, err
		}
		return inspector.New(conn, ic), release, nil

	case o.tail && o.journal != "":
		j, err := journal.Open(o.journal, journal.WithLogger(logger))
		if err != nil {
			return nil, release, err
		}
		return inspector.NewFromJournal(j, ic), func() { j.Close() }, nil
	}
	return nil, release, nil
}

func runInspector(ctx context.Context, logger *slog.Logger, in *inspector.Inspector, o options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- in.Run(ctx) }()
	defer in.Close()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	err := in.Start(startCtx)
	startCancel()
	if err != nil {
		return fmt.Errorf("start inspector: %w", err)
	}

	if o.tree {
		tree, err := in.Tree(ctx)
		if err != nil {
			return err
		}
		fmt.Print(tree)
		return nil
	}

	srv := &http.Server{
		Addr:              o.inspectListen,
		Handler:           in.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	go func() {
		logger.Info("domirror: inspector API listening", "addr", o.inspectListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("domirror: inspector API", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if o.mcp {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "domirror", Version: version}, nil)
		in.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Warn("domirror: mcp stdio ended", "error", err)
			}
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-runErr:
		return err
	}
}
