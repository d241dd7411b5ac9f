// Package config loads the agent's runtime configuration.
//
// Priority, highest first: an in-memory runtime override (set via the
// debughub:// URL scheme or a direct API call), a host-bundled
// debugprobe.yaml file, then compiled-in defaults. Environment variables
// are consulted as part of the runtime-override layer, following the
// plain os.Getenv-with-default convention used throughout this codebase's
// ambient stack, so CI and the host-app test harness can override without
// touching files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved configuration consumed by the probe.
type Config struct {
	HubHost string `yaml:"hubHost"`
	HubPort int    `yaml:"hubPort"`
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
	Verbose bool   `yaml:"verboseLogging"`

	// QueueBatchSize is the maximum number of events a single events_batch
	// frame carries.
	QueueBatchSize int `yaml:"queueBatchSize"`
	// QueueFlushInterval is the timer-driven flush period.
	QueueFlushInterval time.Duration `yaml:"-"`
	// QueueFlushIntervalMillis is QueueFlushInterval expressed for YAML.
	QueueFlushIntervalMillis int `yaml:"queueFlushIntervalMillis"`
	// QueueCapacity bounds the outbound FIFO; oldest entries are dropped
	// past this size.
	QueueCapacity int `yaml:"queueCapacity"`
	// DataDir is the agent's private data directory, holding the SQLite
	// outbound queue file. Host apps normally point this at their
	// application-support/caches directory.
	DataDir string `yaml:"dataDir"`

	// SQLTimeout bounds execute_query and search_in_database.
	SQLTimeout time.Duration `yaml:"-"`
	// SQLTimeoutSeconds is SQLTimeout expressed for YAML.
	SQLTimeoutSeconds int `yaml:"sqlTimeoutSeconds"`

	// DiagnosticsPort, when non-zero, serves the loopback-only
	// /debug-probe/status endpoint on 127.0.0.1:<port>. Zero disables it.
	DiagnosticsPort int `yaml:"diagnosticsPort"`

	// StatsInterval controls how often the stats plugin emits a Stats event.
	StatsInterval time.Duration `yaml:"-"`
	StatsIntervalSeconds int `yaml:"statsIntervalSeconds"`
}

// Default returns the compiled-in baseline, the lowest-priority layer.
func Default() Config {
	return Config{
		HubHost:                  "127.0.0.1",
		HubPort:                  9527,
		Enabled:                  true,
		Verbose:                  false,
		QueueBatchSize:           20,
		QueueFlushIntervalMillis: 200,
		QueueFlushInterval:       200 * time.Millisecond,
		QueueCapacity:            5000,
		DataDir:                  defaultDataDir(),
		SQLTimeoutSeconds:        10,
		SQLTimeout:               10 * time.Second,
		DiagnosticsPort:          0,
		StatsIntervalSeconds:     30,
		StatsInterval:            30 * time.Second,
	}
}

// LoadBundleFile reads a host-bundled debugprobe.yaml, overlaying non-zero
// fields onto base. Missing file is not an error; it simply leaves base
// untouched (the built-in default still applies).
func LoadBundleFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("config: reading bundle file: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return base, fmt.Errorf("config: parsing bundle file: %w", err)
	}
	return normalize(merge(base, overlay)), nil
}

// ApplyEnv overlays process environment variables onto cfg. Only variables
// that are actually set take effect.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("DEBUGPROBE_HUB_HOST"); v != "" {
		cfg.HubHost = v
	}
	if v := os.Getenv("DEBUGPROBE_HUB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HubPort = n
		}
	}
	if v := os.Getenv("DEBUGPROBE_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("DEBUGPROBE_ENABLED"); v != "" {
		cfg.Enabled = v == "true"
	}
	if v := os.Getenv("DEBUGPROBE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	return normalize(cfg)
}

// defaultDataDir falls back to the process's temp directory; host apps are
// expected to override DataDir with their own app-support path.
func defaultDataDir() string {
	return filepath.Join(os.TempDir(), "debugprobe")
}

// QueuePath returns the SQLite outbound-queue file path under DataDir.
func (c Config) QueuePath() string {
	return filepath.Join(c.DataDir, "outbound-queue.sqlite")
}

// ApplyURL parses a debughub://<host>[:<port>]?token=<tok> configuration URL
// (e.g. scanned from a QR code) and overlays it onto cfg.
func ApplyURL(raw string, cfg Config) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return cfg, fmt.Errorf("config: invalid debughub url: %w", err)
	}
	if u.Scheme != "debughub" {
		return cfg, fmt.Errorf("config: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() != "" {
		cfg.HubHost = u.Hostname()
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid port %q: %w", p, err)
		}
		cfg.HubPort = n
	}
	if tok := u.Query().Get("token"); tok != "" {
		cfg.Token = tok
	}
	return normalize(cfg), nil
}

func merge(base, overlay Config) Config {
	out := base
	if overlay.HubHost != "" {
		out.HubHost = overlay.HubHost
	}
	if overlay.HubPort != 0 {
		out.HubPort = overlay.HubPort
	}
	if overlay.Token != "" {
		out.Token = overlay.Token
	}
	out.Enabled = overlay.Enabled || base.Enabled
	out.Verbose = overlay.Verbose || base.Verbose
	if overlay.QueueBatchSize != 0 {
		out.QueueBatchSize = overlay.QueueBatchSize
	}
	if overlay.QueueFlushIntervalMillis != 0 {
		out.QueueFlushIntervalMillis = overlay.QueueFlushIntervalMillis
	}
	if overlay.QueueCapacity != 0 {
		out.QueueCapacity = overlay.QueueCapacity
	}
	if overlay.DataDir != "" {
		out.DataDir = overlay.DataDir
	}
	if overlay.SQLTimeoutSeconds != 0 {
		out.SQLTimeoutSeconds = overlay.SQLTimeoutSeconds
	}
	if overlay.DiagnosticsPort != 0 {
		out.DiagnosticsPort = overlay.DiagnosticsPort
	}
	if overlay.StatsIntervalSeconds != 0 {
		out.StatsIntervalSeconds = overlay.StatsIntervalSeconds
	}
	return out
}

// normalize recomputes the time.Duration fields from their YAML-friendly
// integer counterparts.
func normalize(cfg Config) Config {
	cfg.QueueFlushInterval = time.Duration(cfg.QueueFlushIntervalMillis) * time.Millisecond
	cfg.SQLTimeout = time.Duration(cfg.SQLTimeoutSeconds) * time.Second
	cfg.StatsInterval = time.Duration(cfg.StatsIntervalSeconds) * time.Second
	return cfg
}

// Resolve builds the final Config: default, then bundle file (if present),
// then environment overrides.
func Resolve(bundlePath string) (Config, error) {
	cfg := Default()
	cfg, err := LoadBundleFile(bundlePath, cfg)
	if err != nil {
		return cfg, err
	}
	return ApplyEnv(cfg), nil
}
