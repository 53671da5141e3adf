// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/proxypal/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	SOCKS5Proxy string `kong:"name='socks5-proxy',help='Fetch upstream through this SOCKS5 proxy (socks5://[user:pass@]host:port).',env='SOCKS5_PROXY'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	EntryPath    string          `toml:"entry_path"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	TimeoutSeconds      int      `toml:"timeout_seconds"`
	IdleConnections     int      `toml:"idle_connections"`
	MaxConnsPerHost     int      `toml:"max_conns_per_host"`
	ForwardHeaders      []string `toml:"forward_headers"`
	SOCKS5Proxy         string   `toml:"socks5_proxy"`
	DenyPrivateNetworks bool     `toml:"deny_private_networks"`
}

// RewriteConfig holds HTML rewriting settings.
type RewriteConfig struct {
	// Banner is a pointer so an explicit false in the file survives setDefaults.
	Banner           *bool  `toml:"banner"`
	HomePath         string `toml:"home_path"`
	MaxDocumentBytes int64  `toml:"max_document_bytes"`
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

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/proxypal/config.toml then configs/config.toml. Finding neither is not
// an error: the proxy runs on defaults plus CLI/environment overrides.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

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
	if cli.SOCKS5Proxy != "" {
		c.Upstream.SOCKS5Proxy = cli.SOCKS5Proxy
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxConnsPerHost < 0 {
		return fmt.Errorf("upstream.max_conns_per_host must be non-negative; got %d", c.Upstream.MaxConnsPerHost)
	}
	if c.Rewrite.MaxDocumentBytes < 0 {
		return fmt.Errorf("rewrite.max_document_bytes must be non-negative; got %d", c.Rewrite.MaxDocumentBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Paths.
	if p := c.Server.EntryPath; p != "" && (p[0] != '/' || p == "/") {
		return fmt.Errorf("server.entry_path must start with '/' and not be the root; got %q", p)
	}
	if p := c.Rewrite.HomePath; p != "" && p[0] != '/' {
		return fmt.Errorf("rewrite.home_path must start with '/'; got %q", p)
	}

	// Upstream egress.
	if c.Upstream.SOCKS5Proxy != "" {
		u, err := url.Parse(c.Upstream.SOCKS5Proxy)
		if err != nil {
			return fmt.Errorf("upstream.socks5_proxy is not a valid URL: %w", err)
		}
		if u.Scheme != "socks5" || u.Host == "" {
			return fmt.Errorf("upstream.socks5_proxy must look like socks5://host:port; got %q", u.Redacted())
		}
	}
	for _, h := range c.Upstream.ForwardHeaders {
		switch http.CanonicalHeaderKey(h) {
		case "Cookie", "Authorization", "Proxy-Authorization":
			return fmt.Errorf("upstream.forward_headers must not include credential header %q", h)
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
	case "json", "text", "console", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text, console; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		entry := c.Server.EntryPath
		if entry == "" {
			entry = DefaultEntryPath
		}
		for _, reserved := range []string{"/", entry, "/healthz", "/proxy/status"} {
			if p == reserved || (reserved != "/" && strings.HasPrefix(p, reserved+"/")) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// DefaultEntryPath is the entry endpoint used when server.entry_path is unset.
const DefaultEntryPath = "/proxy"

// defaultForwardHeaders are the client request headers sent upstream.
var defaultForwardHeaders = []string{"User-Agent", "Accept-Language", "Content-Type"}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (3000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.EntryPath == "" {
		c.Server.EntryPath = DefaultEntryPath
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxConnsPerHost == 0 {
		c.Upstream.MaxConnsPerHost = 64
	}
	if c.Upstream.ForwardHeaders == nil {
		c.Upstream.ForwardHeaders = append([]string(nil), defaultForwardHeaders...)
	}
	if c.Rewrite.Banner == nil {
		on := true
		c.Rewrite.Banner = &on
	}
	if c.Rewrite.HomePath == "" {
		c.Rewrite.HomePath = "/"
	}
	if c.Rewrite.MaxDocumentBytes == 0 {
		c.Rewrite.MaxDocumentBytes = 16 * 1024 * 1024 // 16 MB
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

// Default returns a configuration with every default applied, as if no file
// and no CLI overrides were given.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// BannerEnabled reports whether the rewriter injects the status banner.
func (c *RewriteConfig) BannerEnabled() bool {
	return c.Banner == nil || *c.Banner
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry SOCKS5 proxy credentials.
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
