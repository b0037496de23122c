package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes. Only structural checks run
// here; cross-reference validation happens when a snapshot is built, so the
// same gate covers file reloads and control-plane documents.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration shape
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := l.envPattern.FindStringSubmatch(match)
		varName := groups[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		if groups[2] != "" { // ":-default" present
			return groups[3]
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration shape for errors
func (l *Loader) validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	// Validate listeners
	listenerIDs := make(map[string]bool)
	for i, listener := range cfg.Listeners {
		if listener.ID == "" {
			return fmt.Errorf("listener %d: id is required", i)
		}
		if listenerIDs[listener.ID] {
			return fmt.Errorf("duplicate listener id: %s", listener.ID)
		}
		listenerIDs[listener.ID] = true

		if listener.Address == "" {
			return fmt.Errorf("listener %s: address is required", listener.ID)
		}

		switch listener.Protocol {
		case "", "http", "tcp":
		default:
			return fmt.Errorf("listener %s: invalid protocol: %s", listener.ID, listener.Protocol)
		}

		switch listener.Mode {
		case "", "http", "mcp", "a2a", "auto":
		default:
			return fmt.Errorf("listener %s: invalid mode: %s", listener.ID, listener.Mode)
		}

		if listener.TLS.Enabled {
			if listener.TLS.CertFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but cert_file not provided", listener.ID)
			}
			if listener.TLS.KeyFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but key_file not provided", listener.ID)
			}
		}
		switch listener.TLS.ClientAuth {
		case "", "none", "request", "require", "verify":
		default:
			return fmt.Errorf("listener %s: invalid client_auth: %s", listener.ID, listener.TLS.ClientAuth)
		}
		if listener.TLS.ClientAuth == "verify" && listener.TLS.ClientCAFile == "" {
			return fmt.Errorf("listener %s: client_auth verify requires client_ca_file", listener.ID)
		}
		if listener.HTTP3 && !listener.TLS.Enabled {
			return fmt.Errorf("listener %s: http3 requires TLS", listener.ID)
		}
	}

	// Validate backends
	backendIDs := make(map[string]bool)
	for i, backend := range cfg.Backends {
		if backend.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}
		if backendIDs[backend.ID] {
			return fmt.Errorf("duplicate backend id: %s", backend.ID)
		}
		backendIDs[backend.ID] = true

		if len(backend.Endpoints) == 0 {
			return fmt.Errorf("backend %s: at least one endpoint is required", backend.ID)
		}
		switch backend.Scheme {
		case "", "http", "https", "tcp":
		default:
			return fmt.Errorf("backend %s: invalid scheme: %s", backend.ID, backend.Scheme)
		}
		switch backend.Provider {
		case "", "openai", "anthropic", "gemini":
		default:
			return fmt.Errorf("backend %s: unknown provider: %s", backend.ID, backend.Provider)
		}
		if backend.PoolSize < 0 {
			return fmt.Errorf("backend %s: pool_size must be >= 0", backend.ID)
		}
		if backend.Retry.MaxAttempts < 0 {
			return fmt.Errorf("backend %s: retry.max_attempts must be >= 0", backend.ID)
		}
		for _, status := range backend.Retry.RetryableStatuses {
			if status < 100 || status > 599 {
				return fmt.Errorf("backend %s: retry contains invalid HTTP status code: %d", backend.ID, status)
			}
		}
		for _, m := range backend.Retry.IdempotentMethods {
			if !validHTTPMethods[m] {
				return fmt.Errorf("backend %s: retry idempotent_methods contains invalid method: %s", backend.ID, m)
			}
		}
	}

	// Validate policies
	policyIDs := make(map[string]bool)
	for i, policy := range cfg.Policies {
		if policy.ID == "" {
			return fmt.Errorf("policy %d: id is required", i)
		}
		if policyIDs[policy.ID] {
			return fmt.Errorf("duplicate policy id: %s", policy.ID)
		}
		policyIDs[policy.ID] = true
		if policy.Kind == "" {
			return fmt.Errorf("policy %s: kind is required", policy.ID)
		}
	}

	// Validate routes
	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if route.Path == "" && route.Host == "" && route.Protocol == "" {
			return fmt.Errorf("route %s: at least one of protocol, host, or path is required", route.ID)
		}
		switch route.Protocol {
		case "", "http", "mcp", "a2a":
		default:
			return fmt.Errorf("route %s: invalid protocol: %s", route.ID, route.Protocol)
		}
		if route.Backend == "" {
			return fmt.Errorf("route %s: backend is required", route.ID)
		}
		if route.Path != "" && !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("route %s: path must start with /", route.ID)
		}
		if route.Timeout < 0 {
			return fmt.Errorf("route %s: timeout must be >= 0", route.ID)
		}
		if route.StripPrefix && !route.Prefix {
			return fmt.Errorf("route %s: strip_prefix requires prefix match", route.ID)
		}
		if route.MCP.ValidateArgs && route.MCP.ToolsFile == "" {
			return fmt.Errorf("route %s: mcp.validate_args requires mcp.tools_file", route.ID)
		}
	}

	// Control plane shape
	if cfg.ControlPlane.Enabled {
		if len(cfg.ControlPlane.Endpoints) == 0 {
			return fmt.Errorf("control_plane: at least one endpoint is required")
		}
		if cfg.ControlPlane.Cluster == "" {
			return fmt.Errorf("control_plane: cluster is required")
		}
		if cfg.ControlPlane.DialTimeout < 0 {
			return fmt.Errorf("control_plane: dial_timeout must be >= 0")
		}
	}

	if cfg.Shutdown.DrainTimeout < 0 {
		return fmt.Errorf("shutdown: drain_timeout must be >= 0")
	}
	if cfg.Observability.Tracing.SampleRate < 0 || cfg.Observability.Tracing.SampleRate > 1.0 {
		return fmt.Errorf("observability: tracing sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// ApplyBackendDefaults fills zero-valued backend knobs in place.
func ApplyBackendDefaults(b *BackendConfig) {
	if b.Scheme == "" {
		b.Scheme = "http"
	}
	if b.PoolSize == 0 {
		b.PoolSize = 16
	}
	if b.DialTimeout == 0 {
		b.DialTimeout = 5 * time.Second
	}
	if b.RequestTimeout == 0 {
		b.RequestTimeout = 60 * time.Second
	}
	if b.IdleTimeout == 0 {
		b.IdleTimeout = 90 * time.Second
	}
	if b.StreamIdle == 0 {
		b.StreamIdle = 30 * time.Second
	}
	if b.Retry.InitialBackoff == 0 {
		b.Retry.InitialBackoff = 100 * time.Millisecond
	}
	if b.Retry.MaxBackoff == 0 {
		b.Retry.MaxBackoff = 2 * time.Second
	}
	if len(b.Retry.RetryableStatuses) == 0 {
		b.Retry.RetryableStatuses = []int{502, 503, 504}
	}
	if len(b.Retry.IdempotentMethods) == 0 {
		b.Retry.IdempotentMethods = []string{"GET", "HEAD", "OPTIONS"}
	}
	if b.Auth.Header == "" && b.Auth.APIKey != "" {
		b.Auth.Header = "Authorization"
		if b.Auth.Scheme == "" {
			b.Auth.Scheme = "Bearer"
		}
	}
}
