// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edge-gateway/config.toml",
	"configs/config.toml",
}

// reservedPaths are gateway-owned endpoints that the metrics path may not shadow.
var reservedPaths = []string{"/healthz", "/gateway/status"}

// Route kinds.
const (
	KindStatic = "static"
	KindProxy  = "proxy"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server          ServerConfig      `toml:"server"`
	Upstream        UpstreamConfig    `toml:"upstream"`
	Routes          []RouteConfig     `toml:"routes"`
	ResponseHeaders map[string]string `toml:"response_headers"`
	Log             LogConfig         `toml:"log"`
	Metrics         MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                     string          `toml:"host"`
	Port                     int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes             int64           `toml:"body_max_bytes"`
	ClientIdleTimeoutSeconds int             `toml:"client_idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int             `toml:"read_header_timeout_seconds"`
	MaxConnections           int64           `toml:"max_connections"` // 0 disables the in-flight cap
	RateLimit                RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings shared by all proxy routes.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	IdleTimeoutSeconds    int `toml:"idle_timeout_seconds"`
	IdleConnections       int `toml:"idle_connections"`
}

// RouteConfig declares one routing rule. Declaration order in the file is
// the match order; the first matching prefix wins.
type RouteConfig struct {
	Prefix string `toml:"prefix"`
	Kind   string `toml:"kind"`

	// Static routes.
	Root             string `toml:"root"`
	DirectoryListing bool   `toml:"directory_listing"`

	// Proxy routes.
	UpstreamHost string `toml:"upstream_host"`
	UpstreamPort int    `toml:"upstream_port"`
	AllowUpgrade bool   `toml:"allow_upgrade"`
	StripPrefix  bool   `toml:"strip_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edge-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for i, r := range c.Routes {
		if err := validateRoute(i, r); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ClientIdleTimeoutSeconds < 0 {
		return fmt.Errorf("server.client_idle_timeout_seconds must be non-negative; got %d", c.Server.ClientIdleTimeoutSeconds)
	}
	if c.Server.ReadHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_header_timeout_seconds must be non-negative; got %d", c.Server.ReadHeaderTimeoutSeconds)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be non-negative; got %d", c.Server.MaxConnections)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.idle_timeout_seconds must be non-negative; got %d", c.Upstream.IdleTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// An empty header name is a config typo that http.Header would
	// silently accept.
	for name := range c.ResponseHeaders {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("response_headers contains an empty header name")
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateRoute(i int, r RouteConfig) error {
	if r.Prefix == "" || r.Prefix[0] != '/' {
		return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
	}
	switch r.Kind {
	case KindStatic:
		if r.Root == "" {
			return fmt.Errorf("routes[%d]: static route requires root", i)
		}
		if r.UpstreamHost != "" || r.UpstreamPort != 0 {
			return fmt.Errorf("routes[%d]: static route must not set upstream_host/upstream_port", i)
		}
	case KindProxy:
		if r.UpstreamHost == "" {
			return fmt.Errorf("routes[%d]: proxy route requires upstream_host", i)
		}
		if r.UpstreamPort < 1 || r.UpstreamPort > 65535 {
			return fmt.Errorf("routes[%d].upstream_port must be 1–65535; got %d", i, r.UpstreamPort)
		}
		if r.Root != "" {
			return fmt.Errorf("routes[%d]: proxy route must not set root", i)
		}
	default:
		return fmt.Errorf("routes[%d].kind must be %q or %q; got %q", i, KindStatic, KindProxy, r.Kind)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. Exception: max_connections=0
// keeps the in-flight cap disabled.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.ClientIdleTimeoutSeconds == 0 {
		c.Server.ClientIdleTimeoutSeconds = 120
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UpstreamAddr returns the route's upstream address as host:port.
// Only meaningful for proxy routes.
func (r *RouteConfig) UpstreamAddr() string {
	return net.JoinHostPort(r.UpstreamHost, strconv.Itoa(r.UpstreamPort))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
