// ABOUTME: Configuration loading and parsing for browtrix-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/browtrix-gateway/internal/broker"
	"github.com/2389/browtrix-gateway/internal/tools"
	"github.com/2389/browtrix-gateway/internal/transport/ws"
)

// Config represents the complete browtrix-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Broker    BrokerConfig    `yaml:"broker" toml:"broker"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	MCP       MCPConfig       `yaml:"mcp" toml:"mcp"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health listener
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AdmissionRate  float64  `yaml:"admission_rate" toml:"admission_rate"`
	AdmissionBurst int      `yaml:"admission_burst" toml:"admission_burst"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP over ListenTLS on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// Enabled reports whether bearer tokens are required.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// BrokerConfig holds connection broker settings
type BrokerConfig struct {
	MaxConnections      int           `yaml:"max_connections" toml:"max_connections"`
	MaxIdleTime         time.Duration `yaml:"-" toml:"-"`
	HealthCheckInterval time.Duration `yaml:"-" toml:"-"`
	PurgeInterval       time.Duration `yaml:"-" toml:"-"`
	RecordRetention     time.Duration `yaml:"-" toml:"-"`
	BacklogThreshold    int           `yaml:"backlog_threshold" toml:"backlog_threshold"`
	HistorySize         int           `yaml:"history_size" toml:"history_size"`
	LateResponsePolicy  string        `yaml:"late_response_policy" toml:"late_response_policy"`
	Timeouts            TimeoutConfig `yaml:"timeouts" toml:"timeouts"`

	// Raw string values for unmarshaling
	MaxIdleTimeRaw         string `yaml:"max_idle_time" toml:"max_idle_time"`
	HealthCheckIntervalRaw string `yaml:"health_check_interval" toml:"health_check_interval"`
	PurgeIntervalRaw       string `yaml:"purge_interval" toml:"purge_interval"`
	RecordRetentionRaw     string `yaml:"record_retention" toml:"record_retention"`
}

// TimeoutConfig bounds request envelope timeouts
type TimeoutConfig struct {
	Default time.Duration `yaml:"-" toml:"-"`
	Min     time.Duration `yaml:"-" toml:"-"`
	Max     time.Duration `yaml:"-" toml:"-"`

	DefaultRaw string `yaml:"default" toml:"default"`
	MinRaw     string `yaml:"min" toml:"min"`
	MaxRaw     string `yaml:"max" toml:"max"`
}

// WebSocketConfig holds browser transport keepalive settings
type WebSocketConfig struct {
	ReadLimit    int64         `yaml:"read_limit" toml:"read_limit"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	PongWait     time.Duration `yaml:"-" toml:"-"`
	WriteWait    time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	PongWaitRaw     string `yaml:"pong_wait" toml:"pong_wait"`
	WriteWaitRaw    string `yaml:"write_wait" toml:"write_wait"`
}

// ToolsConfig holds per-tool wait limits
type ToolsConfig struct {
	Snapshot ToolLimits `yaml:"snapshot" toml:"snapshot"`
	Confirm  ToolLimits `yaml:"confirm" toml:"confirm"`
	Input    ToolLimits `yaml:"input" toml:"input"`
}

// ToolLimits is how long the broker waits for one tool's request
type ToolLimits struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	MaxTimeout     time.Duration `yaml:"-" toml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout" toml:"max_timeout"`
}

// MCPConfig holds MCP endpoint settings
type MCPConfig struct {
	RequireAuth bool          `yaml:"require_auth" toml:"require_auth"`
	SessionTTL  time.Duration `yaml:"-" toml:"-"`

	SessionTTLRaw string `yaml:"session_ttl" toml:"session_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every field at its stock value.
func Default() *Config {
	b := broker.DefaultConfig()
	w := ws.DefaultConfig()
	t := tools.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPAddr:       "0.0.0.0:8000",
			GRPCAddr:       "0.0.0.0:50051",
			AdmissionRate:  w.AdmissionRate,
			AdmissionBurst: w.AdmissionBurst,
		},
		Tailscale: TailscaleConfig{Hostname: "browtrix"},
		Broker: BrokerConfig{
			MaxConnections:      b.MaxConnections,
			MaxIdleTime:         b.MaxIdleTime,
			HealthCheckInterval: b.HealthCheckInterval,
			PurgeInterval:       b.PurgeInterval,
			RecordRetention:     b.RecordRetention,
			BacklogThreshold:    b.BacklogThreshold,
			HistorySize:         b.HistorySize,
			LateResponsePolicy:  string(b.LateResponsePolicy),
			Timeouts:            TimeoutConfig{Default: b.DefaultTimeout, Min: b.MinTimeout, Max: b.MaxTimeout},
		},
		WebSocket: WebSocketConfig{
			ReadLimit:    w.ReadLimit,
			PingInterval: w.PingInterval,
			PongWait:     w.PongWait,
			WriteWait:    w.WriteWait,
		},
		Tools: ToolsConfig{
			Snapshot: ToolLimits{DefaultTimeout: t.Snapshot.DefaultTimeout, MaxTimeout: t.Snapshot.MaxTimeout},
			Confirm:  ToolLimits{DefaultTimeout: t.Confirm.DefaultTimeout, MaxTimeout: t.Confirm.MaxTimeout},
			Input:    ToolLimits{DefaultTimeout: t.Input.DefaultTimeout, MaxTimeout: t.Input.MaxTimeout},
		},
		MCP:     MCPConfig{SessionTTL: time.Hour},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and unset fields
// take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content. See Load.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if len(bytes.TrimSpace([]byte(expanded))) > 0 {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all configuration fields are present and consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.MCP.RequireAuth && !c.Auth.Enabled() {
		return fmt.Errorf("mcp.require_auth needs auth.jwt_secret")
	}

	b := c.Broker
	if b.MaxConnections < 1 {
		return fmt.Errorf("broker.max_connections must be at least 1")
	}
	if b.BacklogThreshold < 1 {
		return fmt.Errorf("broker.backlog_threshold must be at least 1")
	}
	if b.HistorySize < 0 {
		return fmt.Errorf("broker.history_size must not be negative")
	}
	switch broker.LateResponsePolicy(b.LateResponsePolicy) {
	case broker.LatePolicySilent, broker.LatePolicyLog:
	default:
		return fmt.Errorf("broker.late_response_policy must be silent or log, got %q", b.LateResponsePolicy)
	}
	if b.Timeouts.Min <= 0 || b.Timeouts.Min > b.Timeouts.Max {
		return fmt.Errorf("broker.timeouts: need 0 < min <= max (min %s, max %s)", b.Timeouts.Min, b.Timeouts.Max)
	}
	if b.Timeouts.Default < b.Timeouts.Min || b.Timeouts.Default > b.Timeouts.Max {
		return fmt.Errorf("broker.timeouts.default %s must be within [%s, %s]", b.Timeouts.Default, b.Timeouts.Min, b.Timeouts.Max)
	}

	for name, l := range map[string]ToolLimits{"snapshot": c.Tools.Snapshot, "confirm": c.Tools.Confirm, "input": c.Tools.Input} {
		if l.DefaultTimeout > l.MaxTimeout {
			return fmt.Errorf("tools.%s.default_timeout %s exceeds max_timeout %s", name, l.DefaultTimeout, l.MaxTimeout)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// Empty strings keep the default already in place.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"broker.max_idle_time", cfg.Broker.MaxIdleTimeRaw, &cfg.Broker.MaxIdleTime},
		{"broker.health_check_interval", cfg.Broker.HealthCheckIntervalRaw, &cfg.Broker.HealthCheckInterval},
		{"broker.purge_interval", cfg.Broker.PurgeIntervalRaw, &cfg.Broker.PurgeInterval},
		{"broker.record_retention", cfg.Broker.RecordRetentionRaw, &cfg.Broker.RecordRetention},
		{"broker.timeouts.default", cfg.Broker.Timeouts.DefaultRaw, &cfg.Broker.Timeouts.Default},
		{"broker.timeouts.min", cfg.Broker.Timeouts.MinRaw, &cfg.Broker.Timeouts.Min},
		{"broker.timeouts.max", cfg.Broker.Timeouts.MaxRaw, &cfg.Broker.Timeouts.Max},
		{"websocket.ping_interval", cfg.WebSocket.PingIntervalRaw, &cfg.WebSocket.PingInterval},
		{"websocket.pong_wait", cfg.WebSocket.PongWaitRaw, &cfg.WebSocket.PongWait},
		{"websocket.write_wait", cfg.WebSocket.WriteWaitRaw, &cfg.WebSocket.WriteWait},
		{"tools.snapshot.default_timeout", cfg.Tools.Snapshot.DefaultTimeoutRaw, &cfg.Tools.Snapshot.DefaultTimeout},
		{"tools.snapshot.max_timeout", cfg.Tools.Snapshot.MaxTimeoutRaw, &cfg.Tools.Snapshot.MaxTimeout},
		{"tools.confirm.default_timeout", cfg.Tools.Confirm.DefaultTimeoutRaw, &cfg.Tools.Confirm.DefaultTimeout},
		{"tools.confirm.max_timeout", cfg.Tools.Confirm.MaxTimeoutRaw, &cfg.Tools.Confirm.MaxTimeout},
		{"tools.input.default_timeout", cfg.Tools.Input.DefaultTimeoutRaw, &cfg.Tools.Input.DefaultTimeout},
		{"tools.input.max_timeout", cfg.Tools.Input.MaxTimeoutRaw, &cfg.Tools.Input.MaxTimeout},
		{"mcp.session_ttl", cfg.MCP.SessionTTLRaw, &cfg.MCP.SessionTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// BrokerSettings converts the broker section for broker.New.
func (c *Config) BrokerSettings() broker.Config {
	b := c.Broker
	return broker.Config{
		MaxConnections:      b.MaxConnections,
		MaxIdleTime:         b.MaxIdleTime,
		HealthCheckInterval: b.HealthCheckInterval,
		PurgeInterval:       b.PurgeInterval,
		RecordRetention:     b.RecordRetention,
		DefaultTimeout:      b.Timeouts.Default,
		MinTimeout:          b.Timeouts.Min,
		MaxTimeout:          b.Timeouts.Max,
		BacklogThreshold:    b.BacklogThreshold,
		HistorySize:         b.HistorySize,
		LateResponsePolicy:  broker.LateResponsePolicy(b.LateResponsePolicy),
	}
}

// WebSocketSettings converts the server and websocket sections for ws.NewHandler.
func (c *Config) WebSocketSettings() ws.Config {
	return ws.Config{
		AllowedOrigins: c.Server.AllowedOrigins,
		AdmissionRate:  c.Server.AdmissionRate,
		AdmissionBurst: c.Server.AdmissionBurst,
		ReadLimit:      c.WebSocket.ReadLimit,
		PingInterval:   c.WebSocket.PingInterval,
		PongWait:       c.WebSocket.PongWait,
		WriteWait:      c.WebSocket.WriteWait,
	}
}

// ToolSettings converts the tools section for tools.NewRegistry.
func (c *Config) ToolSettings() tools.Config {
	conv := func(l ToolLimits) tools.Limits {
		return tools.Limits{DefaultTimeout: l.DefaultTimeout, MaxTimeout: l.MaxTimeout}
	}
	return tools.Config{
		Snapshot: conv(c.Tools.Snapshot),
		Confirm:  conv(c.Tools.Confirm),
		Input:    conv(c.Tools.Input),
	}
}
