// Package config loads the domirror YAML configuration and maps it onto the
// component configs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domirror/capture"
	"github.com/hazyhaar/domirror/host"
	"github.com/hazyhaar/domirror/inspector"
	"github.com/hazyhaar/domirror/internal/browser"
	"github.com/hazyhaar/domirror/reconcile"
	"github.com/hazyhaar/domirror/render"
	"github.com/hazyhaar/domirror/sink"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Browser   BrowserConfig   `yaml:"browser"`
	Capture   CaptureConfig   `yaml:"capture"`
	Host      HostConfig      `yaml:"host"`
	Inspector InspectorConfig `yaml:"inspector"`
	Journal   JournalConfig   `yaml:"journal"`
	Sinks     []SinkConfig    `yaml:"sinks"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Headful          bool          `yaml:"headful"`
	Stealth          *bool         `yaml:"stealth"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
}

// CaptureConfig tunes the capture agent. Zero values keep the agent
// defaults.
type CaptureConfig struct {
	MaxDepth         int           `yaml:"max_depth"`
	ChildLimit       int           `yaml:"child_limit"`
	InsertDepth      int           `yaml:"insert_depth"`
	FallbackDepth    int           `yaml:"fallback_depth"`
	Debounce         time.Duration `yaml:"debounce"`
	MaxPending       int           `yaml:"max_pending"`
	CompactBudget    int           `yaml:"compact_budget"`
	LayoutLookups    int           `yaml:"layout_lookups"`
	EventsPerMessage int           `yaml:"events_per_message"`
}

// HostConfig configures the capture endpoint.
type HostConfig struct {
	Listen        string `yaml:"listen"`
	KeepObserving bool   `yaml:"keep_observing"`
}

// InspectorConfig configures the viewing side.
type InspectorConfig struct {
	// Connect is the ws:// URL of a host's /mirror endpoint.
	Connect       string        `yaml:"connect"`
	Listen        string        `yaml:"listen"`
	Debounce      time.Duration `yaml:"debounce"`
	SnapshotDepth int           `yaml:"snapshot_depth"`
	RefreshDepth  int           `yaml:"refresh_depth"`
	PollInterval  time.Duration `yaml:"poll_interval"`

	MaxItems    int           `yaml:"max_items"`
	Budget      time.Duration `yaml:"budget"`
	RetryLimit  int           `yaml:"retry_limit"`
	RetryWindow time.Duration `yaml:"retry_window"`
	Backoff     time.Duration `yaml:"backoff"`
	RenderItems int           `yaml:"render_items"`
}

// JournalConfig configures the SQLite bundle journal.
type JournalConfig struct {
	Path string `yaml:"path"`
	// PruneInterval drops bundles older than the latest snapshot
	// periodically. Zero disables pruning.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// SinkConfig defines an extra bundle output.
type SinkConfig struct {
	Type    string        `yaml:"type"` // stdout | webhook
	URL     string        `yaml:"url"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Browser.Stealth == nil {
		on := true
		c.Browser.Stealth = &on
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Host.Listen == "" {
		c.Host.Listen = ":8420"
	}
	if c.Inspector.Listen == "" {
		c.Inspector.Listen = ":8421"
	}
	if c.Inspector.PollInterval <= 0 {
		c.Inspector.PollInterval = 250 * time.Millisecond
	}
}

func (c *Config) validate() error {
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook needs a url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BrowserManager maps the browser section.
func (c *Config) BrowserManager(logger *slog.Logger) browser.Config {
	return browser.Config{
		RemoteURL:       c.Browser.Remote,
		Headful:         c.Browser.Headful,
		Stealth:         *c.Browser.Stealth,
		BlockResources:  c.Browser.ResourceBlocking,
		NavigateTimeout: c.Browser.NavigateTimeout,
		Logger:          logger,
	}
}

// Agent maps the capture section. Sink and Scheduler are left to the host.
func (c *Config) Agent() capture.Config {
	cc := c.Capture
	return capture.Config{
		MaxDepth:         cc.MaxDepth,
		ChildLimit:       cc.ChildLimit,
		InsertDepth:      cc.InsertDepth,
		FallbackDepth:    cc.FallbackDepth,
		Debounce:         cc.Debounce,
		MaxPending:       cc.MaxPending,
		CompactBudget:    cc.CompactBudget,
		LayoutLookups:    cc.LayoutLookups,
		EventsPerMessage: cc.EventsPerMessage,
	}
}

// HostConfig builds a host config around sinks.
func (c *Config) HostConfig(logger *slog.Logger, sinks []sink.Sink) host.Config {
	return host.Config{
		Logger:        logger,
		Capture:       c.Agent(),
		Sinks:         sinks,
		KeepObserving: c.Host.KeepObserving,
	}
}

// InspectorConfig maps the inspector section.
func (c *Config) InspectorConfig(logger *slog.Logger) inspector.Config {
	ic := c.Inspector
	return inspector.Config{
		Logger: logger,
		Reconcile: reconcile.Config{
			MaxItems:    ic.MaxItems,
			Budget:      ic.Budget,
			RetryLimit:  ic.RetryLimit,
			RetryWindow: ic.RetryWindow,
			Backoff:     ic.Backoff,
		},
		Render:        render.Config{MaxItems: ic.RenderItems},
		Debounce:      ic.Debounce,
		SnapshotDepth: ic.SnapshotDepth,
		RefreshDepth:  ic.RefreshDepth,
		PollInterval:  ic.PollInterval,
	}
}

// BuildSinks creates the configured extra sinks.
func (c *Config) BuildSinks(logger *slog.Logger, stdout io.Writer) []sink.Sink {
	var out []sink.Sink
	for _, s := range c.Sinks {
		switch s.Type {
		case "stdout":
			out = append(out, sink.NewStdout(stdout))
		case "webhook":
			opts := []sink.WebhookOption{sink.WithWebhookLogger(logger)}
			if s.Retries > 0 {
				opts = append(opts, sink.WithWebhookRetries(s.Retries))
			}
			if s.Backoff > 0 {
				opts = append(opts, sink.WithWebhookBackoff(s.Backoff))
			}
			out = append(out, sink.NewWebhook(s.URL, opts...))
		}
	}
	return out
}
