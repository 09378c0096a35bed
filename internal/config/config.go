// Package config handles CLI intake, optional TOML configuration and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/forward-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Port      int              `kong:"arg,optional,help='TCP listen port (overrides config).'"`
	Config    string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	AccessLog string           `kong:"help='Access log path (overrides config).',env='ACCESS_LOG'"`
	LogLevel  string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version   kong.VersionFlag `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Proxy     ProxyConfig     `toml:"proxy"`
	AccessLog AccessLogConfig `toml:"access_log"`
	Log       LogConfig       `toml:"log"`
	Admin     AdminConfig     `toml:"admin"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host                   string `toml:"host"`
	Port                   int    `toml:"port"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

// ProxyConfig controls the per-request pipeline.
type ProxyConfig struct {
	BufferBytes int `toml:"buffer_bytes"`

	// LineEnding is "crlf" (default) or "lf". "lf" reproduces the bare
	// line-feed requests some legacy deployments were tuned against.
	LineEnding string `toml:"line_ending"`

	ClientReadTimeoutSeconds int `toml:"client_read_timeout_seconds"`
	ConnectTimeoutSeconds    int `toml:"connect_timeout_seconds"`
	IdleTimeoutSeconds       int `toml:"idle_timeout_seconds"`
	RequestTimeoutSeconds    int `toml:"request_timeout_seconds"`

	// MaxConnections bounds concurrent workers; 0 means unbounded.
	MaxConnections int64 `toml:"max_connections"`

	// AcceptRate limits accepted connections per second; 0 means unlimited.
	AcceptRate  float64 `toml:"accept_rate"`
	AcceptBurst int     `toml:"accept_burst"`
}

// AccessLogConfig holds access log settings.
type AccessLogConfig struct {
	Path string `toml:"path"`

	// Append keeps existing content instead of truncating at startup.
	Append bool `toml:"append"`
}

// LogConfig holds diagnostic logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds settings for the optional admin HTTP server.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`

	// RateLimit caps admin requests per second per client IP; 0 disables it.
	RateLimit float64 `toml:"rate_limit"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/forward-proxy/config.toml then configs/config.toml. Running without
// any config file is supported; the listen port then comes from the CLI.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
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
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.AccessLog != "" {
		c.AccessLog.Path = cli.AccessLog
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("listen port is required: pass it as the first argument or set server.port")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1–65535; got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be non-negative; got %d", c.Server.ShutdownTimeoutSeconds)
	}

	// Proxy pipeline bounds.
	if c.Proxy.BufferBytes < 0 {
		return fmt.Errorf("proxy.buffer_bytes must be non-negative; got %d", c.Proxy.BufferBytes)
	}
	switch strings.ToLower(c.Proxy.LineEnding) {
	case "crlf", "lf", "":
		// valid
	default:
		return fmt.Errorf("proxy.line_ending must be one of: crlf, lf; got %q", c.Proxy.LineEnding)
	}
	for name, v := range map[string]int{
		"client_read_timeout_seconds": c.Proxy.ClientReadTimeoutSeconds,
		"connect_timeout_seconds":     c.Proxy.ConnectTimeoutSeconds,
		"idle_timeout_seconds":        c.Proxy.IdleTimeoutSeconds,
		"request_timeout_seconds":     c.Proxy.RequestTimeoutSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("proxy.%s must be non-negative; got %d", name, v)
		}
	}
	if c.Proxy.MaxConnections < 0 {
		return fmt.Errorf("proxy.max_connections must be non-negative; got %d", c.Proxy.MaxConnections)
	}
	if c.Proxy.AcceptRate < 0 {
		return fmt.Errorf("proxy.accept_rate must be non-negative; got %v", c.Proxy.AcceptRate)
	}
	if c.Proxy.AcceptBurst < 0 {
		return fmt.Errorf("proxy.accept_burst must be non-negative; got %d", c.Proxy.AcceptBurst)
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

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Admin.RateLimit < 0 {
		return fmt.Errorf("admin.rate_limit must be non-negative; got %v", c.Admin.RateLimit)
	}
	if c.Admin.Enabled && c.Admin.Port != 0 && c.Admin.Port == c.Server.Port {
		return fmt.Errorf("admin.port %d conflicts with the proxy listen port", c.Admin.Port)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. The exceptions are
// max_connections and accept_rate, where zero keeps admission unbounded.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 30
	}
	if c.Proxy.BufferBytes == 0 {
		c.Proxy.BufferBytes = 10000
	}
	if c.Proxy.LineEnding == "" {
		c.Proxy.LineEnding = "crlf"
	}
	c.Proxy.LineEnding = strings.ToLower(c.Proxy.LineEnding)
	if c.Proxy.ClientReadTimeoutSeconds == 0 {
		c.Proxy.ClientReadTimeoutSeconds = 10
	}
	if c.Proxy.ConnectTimeoutSeconds == 0 {
		c.Proxy.ConnectTimeoutSeconds = 10
	}
	if c.Proxy.IdleTimeoutSeconds == 0 {
		c.Proxy.IdleTimeoutSeconds = 30
	}
	if c.Proxy.RequestTimeoutSeconds == 0 {
		c.Proxy.RequestTimeoutSeconds = 120
	}
	if c.Proxy.AcceptRate > 0 && c.Proxy.AcceptBurst == 0 {
		c.Proxy.AcceptBurst = 1
	}
	if c.AccessLog.Path == "" {
		c.AccessLog.Path = "log.txt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
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

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShutdownTimeout is how long workers may drain before being force-closed.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EOL returns the line terminator used for outbound requests.
func (c *ProxyConfig) EOL() string {
	if c.LineEnding == "lf" {
		return "\n"
	}
	return "\r\n"
}

func (c *ProxyConfig) ClientReadTimeout() time.Duration {
	return time.Duration(c.ClientReadTimeoutSeconds) * time.Second
}

func (c *ProxyConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c *ProxyConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c *ProxyConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
