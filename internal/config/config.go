// Package config defines the static configuration file model. The file is
// YAML with ${VAR} environment expansion. Values here are raw operator
// input: referential and semantic validation happens when a snapshot is
// built from them, so the same checks cover file reloads and control-plane
// updates.
package config

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the static configuration file.
type Config struct {
	Version       string              `yaml:"version"`
	Logging       LoggingConfig       `yaml:"logging"`
	Listeners     []ListenerConfig    `yaml:"listeners"`
	Backends      []BackendConfig     `yaml:"backends"`
	Policies      []PolicyConfig      `yaml:"policies"`
	Routes        []RouteConfig       `yaml:"routes"`
	ControlPlane  ControlPlaneConfig  `yaml:"control_plane"`
	Redis         RedisConfig         `yaml:"redis"`
	Observability ObservabilityConfig `yaml:"observability"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep
	MaxAge     int  `yaml:"max_age"`     // days to retain old files
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// ListenerConfig defines one accepting socket.
type ListenerConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"` // http | tcp
	// Mode selects the wire adapter on this listener: http, mcp, a2a, or
	// auto to sniff per connection. Defaults to the protocol's natural
	// adapter.
	Mode         string        `yaml:"mode"`
	HTTP3        bool          `yaml:"http3"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	TLS          TLSConfig     `yaml:"tls"`
}

// TLSConfig defines server-side TLS for a listener.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
	// ClientAuth: none | request | require | verify
	ClientAuth string `yaml:"client_auth"`
	MinVersion string `yaml:"min_version"` // "1.2" (default) or "1.3"
}

// BackendConfig defines one upstream target group.
type BackendConfig struct {
	ID        string   `yaml:"id"`
	Scheme    string   `yaml:"scheme"` // http | https | tcp
	Endpoints []string `yaml:"endpoints"`
	// Provider selects request/response shaping for AI backends:
	// openai | anthropic | gemini. Empty means no dialect translation.
	Provider       string               `yaml:"provider"`
	Model          string               `yaml:"model"` // default model when the client names none
	PoolSize       int                  `yaml:"pool_size"`
	DialTimeout    time.Duration        `yaml:"dial_timeout"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	IdleTimeout    time.Duration        `yaml:"idle_timeout"`
	StreamIdle     time.Duration        `yaml:"stream_idle"` // max silence between stream events
	TLS            BackendTLSConfig     `yaml:"tls"`
	Auth           BackendAuthConfig    `yaml:"auth"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Health         HealthConfig         `yaml:"health"`
}

// BackendTLSConfig defines client-side TLS toward a backend.
type BackendTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// BackendAuthConfig injects a credential toward the backend.
type BackendAuthConfig struct {
	// Header receiving the credential; defaults to Authorization.
	Header string `yaml:"header"`
	// Scheme prefix, e.g. "Bearer". Empty sends the bare value.
	Scheme string `yaml:"scheme"`
	APIKey string `yaml:"api_key"`
}

// RetryConfig bounds upstream retries for idempotent requests.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
	IdempotentMethods []string      `yaml:"idempotent_methods"`
}

// CircuitBreakerConfig guards a backend against cascading failures.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HealthConfig enables active endpoint probing.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PolicyConfig declares a reusable policy stage. Params is the raw subtree
// decoded by the owning stage constructor.
type PolicyConfig struct {
	ID     string                 `yaml:"id"`
	Kind   string                 `yaml:"kind"`
	Params map[string]interface{} `yaml:"params"`
}

// RouteConfig binds a matched request shape to a backend and policy chain.
type RouteConfig struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"` // http | mcp | a2a
	Host     string `yaml:"host"`     // optional; doublestar patterns allowed
	Path     string `yaml:"path"`
	// Prefix makes Path a prefix match; otherwise the match is exact.
	Prefix       bool               `yaml:"prefix"`
	Methods      []string           `yaml:"methods"` // HTTP verbs or RPC method names
	Backend      string             `yaml:"backend"`
	Policies     []string           `yaml:"policies"`
	Timeout      time.Duration      `yaml:"timeout"`
	MaxBodyBytes int64              `yaml:"max_body_bytes"`
	StripPrefix  bool               `yaml:"strip_prefix"`
	RewritePath  string             `yaml:"rewrite_path"`
	MCP          MCPRouteConfig     `yaml:"mcp"`
	OpenAPI      OpenAPIRouteConfig `yaml:"openapi"`
}

// MCPRouteConfig configures MCP handling on a route.
type MCPRouteConfig struct {
	// ToolsFile points at a JSON tool catalog; when set together with
	// ValidateArgs, tools/call arguments are checked against each tool's
	// input schema.
	ToolsFile    string `yaml:"tools_file"`
	ValidateArgs bool   `yaml:"validate_args"`
}

// OpenAPIRouteConfig bridges an OpenAPI-described REST service to MCP.
type OpenAPIRouteConfig struct {
	SpecFile string `yaml:"spec_file"`
}

// ControlPlaneConfig connects the gateway to its dynamic config source.
type ControlPlaneConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Endpoints   []string         `yaml:"endpoints"`
	Cluster     string           `yaml:"cluster"`
	InstanceID  string           `yaml:"instance_id"`
	KeyPrefix   string           `yaml:"key_prefix"`
	AckPrefix   string           `yaml:"ack_prefix"`
	DialTimeout time.Duration    `yaml:"dial_timeout"`
	Username    string           `yaml:"username"`
	Password    string           `yaml:"password"`
	TLS         BackendTLSConfig `yaml:"tls"`
}

// RedisConfig enables distributed rate limiting.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ObservabilityConfig wires metrics and tracing exporters.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TracingConfig exports OTLP traces over gRPC.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// ShutdownConfig bounds graceful drain.
type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Path: "/metrics"},
			Tracing: TracingConfig{ServiceName: "agentwire", SampleRate: 1.0},
		},
		ControlPlane: ControlPlaneConfig{
			KeyPrefix:   "/agentwire/config",
			AckPrefix:   "/agentwire/ack",
			DialTimeout: 5 * time.Second,
		},
		Shutdown: ShutdownConfig{DrainTimeout: 30 * time.Second},
	}
}

// DecodeParams converts a raw policy params subtree into a typed struct.
// Stage constructors use this to give each kind its own schema.
func DecodeParams(params map[string]interface{}, out interface{}) error {
	if params == nil {
		return nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("re-encode params: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
