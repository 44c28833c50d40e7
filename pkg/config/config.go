// Package config handles loading proxylite configuration from YAML files.
//
// Loading priority (later wins):
//
//  1. Built-in defaults (Default)
//  2. Config file (proxylite.yml in cwd, or --config path)
//  3. Explicit CLI flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fidiego/proxylite/pkg/proxy"
)

// DefaultFilenames lists the config file names searched in the current
// directory when --config is not given.
var DefaultFilenames = []string{"proxylite.yml", "proxylite.yaml", ".proxylite.yml"}

const (
	DefaultListenPort      = 8080
	DefaultWebPort         = 9091
	DefaultPluginDir       = "./plugins"
	DefaultAutoScanWorkers = 4
	DefaultStopTimeout     = 5 * time.Second
)

// Config is the full YAML configuration for proxylite.
type Config struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	// WebPort is the port for the web API and UI. 0 disables it.
	WebPort int `yaml:"web_port"`

	PluginDir           string `yaml:"plugin_dir"`
	WatchPlugins        bool   `yaml:"watch_plugins"`
	PreservePluginState bool   `yaml:"preserve_plugin_state"`

	// ActiveScans lets plugins issue outbound requests with request.send.
	ActiveScans bool `yaml:"active_scans"`

	// PluginTimeout bounds each plugin invocation; 0 means no limit.
	PluginTimeout time.Duration `yaml:"plugin_timeout"`

	AutoScan        bool `yaml:"auto_scan"`
	AutoScanWorkers int  `yaml:"auto_scan_workers"`

	StopTimeout time.Duration `yaml:"stop_timeout"`

	// MaxBodySize is the max bytes captured per request/response body.
	MaxBodySize int64 `yaml:"max_body_size"`

	// Archive is the SQLite file that persists flows; empty disables it.
	Archive string `yaml:"archive"`

	NoTUI   bool `yaml:"no_tui"`
	NoColor bool `yaml:"no_color"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// Upstream is a shorthand for a single catch-all upstream.
	Upstream string `yaml:"upstream"`

	// Upstreams switches the engine to reverse-proxy mode with path routing.
	Upstreams []proxy.Upstream `yaml:"upstreams"`

	// Engine is passed through untouched to the interception engine.
	Engine map[string]any `yaml:"engine"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenHost:      proxy.DefaultListenHost,
		ListenPort:      DefaultListenPort,
		WebPort:         DefaultWebPort,
		PluginDir:       DefaultPluginDir,
		WatchPlugins:    true,
		AutoScanWorkers: DefaultAutoScanWorkers,
		StopTimeout:     DefaultStopTimeout,
		MaxBodySize:     proxy.DefaultMaxBody,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads a YAML config file from path on top of Default. Keys absent
// from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// FindDefault looks for a config file in dir using DefaultFilenames.
// Returns the path of the first file found, or "" if none exist.
func FindDefault(dir string) string {
	for _, name := range DefaultFilenames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.WebPort < 0 || c.WebPort > 65535 {
		return fmt.Errorf("web_port %d out of range", c.WebPort)
	}
	if c.PluginTimeout < 0 || c.StopTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q: expected text or json", c.LogFormat)
	}
	return nil
}

// AllUpstreams returns Upstreams with the Upstream shorthand prepended as a
// catch-all route.
func (c *Config) AllUpstreams() []proxy.Upstream {
	var out []proxy.Upstream
	if c.Upstream != "" {
		out = append(out, proxy.Upstream{Name: "default", Prefix: "/", Target: c.Upstream})
	}
	return append(out, c.Upstreams...)
}

// ToProxyConfig converts the Config into the lifecycle manager's session
// configuration.
func (c *Config) ToProxyConfig() proxy.Config {
	return proxy.Config{
		ListenHost: c.ListenHost,
		ListenPort: c.ListenPort,
		Options: proxy.Options{
			Upstreams:   c.AllUpstreams(),
			MaxBodySize: c.MaxBodySize,
			Extra:       c.Engine,
		},
	}
}

// Example returns the canonical example config as a YAML string.
func Example() string {
	return `# proxylite configuration
# All fields are optional; CLI flags take precedence over this file.

# Interception proxy address. Point your browser or HTTP client here.
listen_host: 127.0.0.1
listen_port: 8080

# Port for the web API and UI. Set to 0 to disable.
web_port: 9091

# --- Plugins ---

# Directory scanned for plugin units (*.js files or directories).
plugin_dir: ./plugins

# Reload plugins automatically when files in plugin_dir change.
watch_plugins: true

# Keep enabled/disabled choices across reloads (default: every unit is
# re-enabled on reload).
preserve_plugin_state: false

# Allow plugins to send outbound requests (request.send). Only enable this
# against targets you are authorised to test.
active_scans: false

# Upper bound for a single plugin invocation (0 = no limit).
plugin_timeout: 0s

# Run every enabled plugin against each completed flow.
auto_scan: false
auto_scan_workers: 4

# --- Proxy ---

# How long Stop waits for the engine to drain before giving up.
stop_timeout: 5s

# Maximum bytes captured per request/response body (default: 1048576 = 1 MiB).
max_body_size: 1048576

# Persist flows to SQLite across sessions (empty = disabled).
# archive: proxylite.db

# --- Output ---

# Disable the interactive terminal UI (log flows to stdout instead).
no_tui: false

# Disable ANSI colours in log output.
no_color: false

log_level: info    # debug, info, warn, error
log_format: text   # text or json
# log_file: proxylite.log

# --- Reverse-proxy mode ---

# Without upstreams proxylite is a forward proxy. With upstreams, requests
# sent directly to the listen address are routed by path prefix (longer
# prefixes win).
# upstream: http://localhost:3000
# upstreams:
#   - name: api
#     prefix: /api
#     target: http://localhost:8081
#     strip_prefix: true
#   - name: web
#     prefix: /
#     target: http://localhost:3000
`
}
