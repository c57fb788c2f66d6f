package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
	CacheDir string `yaml:"cache_dir" toml:"cache_dir"`

	APIHost string `yaml:"api_host" toml:"api_host"`
	NodeID  int    `yaml:"node_id" toml:"node_id"`
	Key     string `yaml:"key" toml:"key"`
	Timeout int    `yaml:"timeout" toml:"timeout"` // seconds, default 5

	SyncInterval         int  `yaml:"sync_interval" toml:"sync_interval"`     // seconds, 0 = panel value
	ReportInterval       int  `yaml:"report_interval" toml:"report_interval"` // seconds, 0 = panel value
	ShutdownTimeout      int  `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	DisableConfigRefresh bool `yaml:"disable_config_refresh" toml:"disable_config_refresh"`

	Retry             RetryConfig         `yaml:"retry" toml:"retry"`
	StatsDB           string              `yaml:"stats_db" toml:"stats_db"`
	StatusAddr        string              `yaml:"status_addr" toml:"status_addr"`
	ObservabilityHTTP ObservabilityConfig `yaml:"observability_http" toml:"observability_http"`
	Statsd            StatsdConfig        `yaml:"statsd" toml:"statsd"`
	Shadowsocks       ShadowsocksConfig   `yaml:"shadowsocks" toml:"shadowsocks"`
}

type RetryConfig struct {
	MaxAttempts        int `yaml:"max_attempts" toml:"max_attempts"`
	StartupMaxAttempts int `yaml:"startup_max_attempts" toml:"startup_max_attempts"` // 0 = unlimited
	InitialIntervalMs  int `yaml:"initial_interval_ms" toml:"initial_interval_ms"`
	MaxIntervalMs      int `yaml:"max_interval_ms" toml:"max_interval_ms"`
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr" toml:"addr"`
	Pprof   bool   `yaml:"pprof" toml:"pprof"`
	Metrics bool   `yaml:"metrics" toml:"metrics"`
}

type StatsdConfig struct {
	Addr   string `yaml:"addr" toml:"addr"`
	Prefix string `yaml:"prefix" toml:"prefix"`
}

type ShadowsocksConfig struct {
	Mode               string            `yaml:"mode" toml:"mode"`               // tcp_and_udp, tcp_only, udp_only
	Timeout            int               `yaml:"timeout" toml:"timeout"`         // seconds, TCP idle
	UDPTimeout         int               `yaml:"udp_timeout" toml:"udp_timeout"` // seconds, UDP association idle
	NoDelay            bool              `yaml:"no_delay" toml:"no_delay"`
	FastOpen           bool              `yaml:"fast_open" toml:"fast_open"`
	KeepAlive          int               `yaml:"keep_alive" toml:"keep_alive"` // seconds, 0 = system default
	MPTCP              bool              `yaml:"mptcp" toml:"mptcp"`
	DNS                string            `yaml:"dns" toml:"dns"` // e.g. "1.1.1.1:53"
	IPv6First          bool              `yaml:"ipv6_first" toml:"ipv6_first"`
	UDPMaxAssociations int               `yaml:"udp_max_associations" toml:"udp_max_associations"`
	UDPMTU             int               `yaml:"udp_mtu" toml:"udp_mtu"`
	Relay              string            `yaml:"relay" toml:"relay"` // outline transport URI (ss://...)
	RelayHealthCheck   HealthCheckConfig `yaml:"relay_health_check" toml:"relay_health_check"`
}

type HealthCheckConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Interval int    `yaml:"interval" toml:"interval"`
	Target   string `yaml:"target" toml:"target"`
}

// Load reads a YAML config, or a TOML one when path ends in ".toml", and
// applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheDir == "" {
		if userCache, err := os.UserCacheDir(); err == nil {
			c.CacheDir = filepath.Join(userCache, "ssnode")
		}
	}
	if c.StatsDB == "" && c.CacheDir != "" {
		c.StatsDB = filepath.Join(c.CacheDir, "stats.sqlite")
	}
	if c.Timeout == 0 {
		c.Timeout = 5
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialIntervalMs == 0 {
		c.Retry.InitialIntervalMs = 1000
	}
	if c.Retry.MaxIntervalMs == 0 {
		c.Retry.MaxIntervalMs = 30000
	}

	if c.Statsd.Addr != "" && c.Statsd.Prefix == "" {
		c.Statsd.Prefix = "ssnode"
	}

	ss := &c.Shadowsocks
	if ss.Mode == "" {
		ss.Mode = "tcp_and_udp"
	}
	if ss.Timeout == 0 {
		ss.Timeout = 300
	}
	if ss.UDPTimeout == 0 {
		ss.UDPTimeout = 300
	}
	if ss.UDPMTU == 0 {
		ss.UDPMTU = 1500
	}
	if ss.DNS != "" && !strings.Contains(ss.DNS, ":") {
		ss.DNS += ":53"
	}
	if ss.RelayHealthCheck.Enabled {
		if ss.RelayHealthCheck.Interval == 0 {
			ss.RelayHealthCheck.Interval = 30
		}
		if ss.RelayHealthCheck.Target == "" {
			ss.RelayHealthCheck.Target = "1.1.1.1:80"
		}
	}
}

// Validate checks the config for values the node cannot run with.
func (c *Config) Validate() error {
	if c.APIHost == "" {
		return fmt.Errorf("api_host is required")
	}
	u, err := url.Parse(c.APIHost)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_host %q: must be an http(s) URL", c.APIHost)
	}
	if c.NodeID <= 0 {
		return fmt.Errorf("node_id must be positive, got %d", c.NodeID)
	}
	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	if c.Timeout < 0 || c.SyncInterval < 0 || c.ReportInterval < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts and intervals must not be negative")
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.StartupMaxAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}

	ss := c.Shadowsocks
	switch ss.Mode {
	case "tcp_and_udp", "tcp_only", "udp_only":
	default:
		return fmt.Errorf("shadowsocks.mode %q: must be tcp_and_udp, tcp_only or udp_only", ss.Mode)
	}
	if ss.UDPMTU < 576 || ss.UDPMTU > 65535 {
		return fmt.Errorf("shadowsocks.udp_mtu %d out of range", ss.UDPMTU)
	}
	if ss.UDPMaxAssociations < 0 || ss.KeepAlive < 0 {
		return fmt.Errorf("shadowsocks: negative values are not allowed")
	}
	if ss.RelayHealthCheck.Enabled && ss.Relay == "" {
		return fmt.Errorf("shadowsocks.relay_health_check requires shadowsocks.relay")
	}
	return nil
}

// Save writes the config in the format implied by path.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(*c)
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) TimeoutDuration() time.Duration         { return seconds(c.Timeout) }
func (c *Config) SyncIntervalDuration() time.Duration    { return seconds(c.SyncInterval) }
func (c *Config) ReportIntervalDuration() time.Duration  { return seconds(c.ReportInterval) }
func (c *Config) ShutdownTimeoutDuration() time.Duration { return seconds(c.ShutdownTimeout) }

func (r RetryConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMs) * time.Millisecond
}

func (r RetryConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMs) * time.Millisecond
}

// RedactTransport hides the credentials of a transport URI for logging.
func RedactTransport(uri string) string {
	if at := strings.LastIndex(uri, "@"); at != -1 {
		if i := strings.Index(uri, "//"); i != -1 && i < at {
			return uri[:i+2] + "***" + uri[at:]
		}
	}
	return uri
}
