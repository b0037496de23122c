package snapshot

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
	"github.com/agentwire/gateway/internal/upstream/provider"
	"github.com/agentwire/gateway/internal/wire/mcpwire"
	"github.com/agentwire/gateway/internal/wire/openapiwire"
)

// Deps carries the process-level resources policy stages may need.
type Deps struct {
	Policy policy.Deps
}

const (
	defaultPoolSize       = 16
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	defaultStreamIdle     = 2 * time.Minute
	defaultRetryAttempts  = 2
	defaultRetryInitial   = 100 * time.Millisecond
	defaultRetryMax       = 2 * time.Second
)

var defaultRetryableStatuses = []int{502, 503, 504}

var defaultIdempotentMethods = []string{"GET", "HEAD", "OPTIONS"}

// Build compiles a configuration into an immutable snapshot. The whole
// document is validated before anything becomes visible: on any violation
// Build returns a configuration error listing every problem found and no
// snapshot. The returned snapshot starts with one reference held by its
// publisher.
func Build(cfg *config.Config, deps Deps) (*Snapshot, error) {
	b := &builder{deps: deps}

	b.validateListeners(cfg.Listeners)
	backends := b.buildBackends(cfg.Backends)
	stages, closers := b.buildStages(cfg.Policies)
	routes := b.buildRoutes(cfg.Routes, backends, stages)
	b.validateControlPlane(cfg.ControlPlane)

	if len(b.violations) > 0 {
		return nil, errors.ConfigValidation(b.violations)
	}

	version := cfg.Version
	if version == "" {
		version = "static"
	}
	snap := &Snapshot{
		Version:  version,
		Routes:   routes,
		Backends: backends,
		Stages:   stages,
		BuiltAt:  b.now(),
		closers:  closers,
	}
	snap.refs.Store(1)
	return snap, nil
}

type builder struct {
	deps       Deps
	violations []string
}

func (b *builder) addf(format string, args ...interface{}) {
	b.violations = append(b.violations, fmt.Sprintf(format, args...))
}

func (b *builder) now() time.Time {
	if b.deps.Policy.Clock != nil {
		return b.deps.Policy.Clock.Now()
	}
	return time.Now()
}

func (b *builder) validateListeners(listeners []config.ListenerConfig) {
	seen := map[string]bool{}
	for i, l := range listeners {
		id := l.ID
		if id == "" {
			b.addf("listener %d: id is required", i)
			continue
		}
		if seen[id] {
			b.addf("listener %q: duplicate id", id)
			continue
		}
		seen[id] = true
		if l.Address == "" {
			b.addf("listener %q: address is required", id)
		}
		proto := l.Protocol
		if proto == "" {
			proto = "http"
		}
		switch proto {
		case "http":
			switch l.Mode {
			case "", "http", "mcp", "a2a":
			default:
				b.addf("listener %q: unknown mode %q for http listener", id, l.Mode)
			}
			if l.HTTP3 && !l.TLS.Enabled {
				b.addf("listener %q: http3 requires tls", id)
			}
		case "tcp":
			switch l.Mode {
			case "", "auto", "http", "mcp", "a2a":
			default:
				b.addf("listener %q: unknown mode %q for tcp listener", id, l.Mode)
			}
			if l.HTTP3 {
				b.addf("listener %q: http3 requires an http listener", id)
			}
		default:
			b.addf("listener %q: unknown protocol %q", id, l.Protocol)
		}
		b.validateListenerTLS(id, l.TLS)
	}
}

func (b *builder) validateListenerTLS(id string, t config.TLSConfig) {
	switch t.MinVersion {
	case "", "1.2", "1.3":
	default:
		b.addf("listener %q: unknown tls min_version %q", id, t.MinVersion)
	}
	switch t.ClientAuth {
	case "", "none", "request", "require", "verify":
	default:
		b.addf("listener %q: unknown tls client_auth %q", id, t.ClientAuth)
	}
	if t.Enabled {
		if t.CertFile == "" || t.KeyFile == "" {
			b.addf("listener %q: tls requires cert_file and key_file", id)
		} else {
			b.statFile(fmt.Sprintf("listener %q: cert_file", id), t.CertFile)
			b.statFile(fmt.Sprintf("listener %q: key_file", id), t.KeyFile)
		}
	}
	switch t.ClientAuth {
	case "require", "verify":
		if t.ClientCAFile == "" {
			b.addf("listener %q: client_auth %q requires client_ca_file", id, t.ClientAuth)
		}
	}
	if t.ClientCAFile != "" {
		b.statFile(fmt.Sprintf("listener %q: client_ca_file", id), t.ClientCAFile)
	}
}

func (b *builder) statFile(what, path string) {
	if _, err := os.Stat(path); err != nil {
		b.addf("%s: %v", what, err)
	}
}

func (b *builder) buildBackends(backends []config.BackendConfig) map[string]*Backend {
	out := make(map[string]*Backend, len(backends))
	for i, bc := range backends {
		if bc.ID == "" {
			b.addf("backend %d: id is required", i)
			continue
		}
		if _, dup := out[bc.ID]; dup {
			b.addf("backend %q: duplicate id", bc.ID)
			continue
		}
		out[bc.ID] = b.buildBackend(bc)
	}
	return out
}

func (b *builder) buildBackend(bc config.BackendConfig) *Backend {
	be := &Backend{
		ID:             bc.ID,
		Scheme:         bc.Scheme,
		Provider:       bc.Provider,
		Model:          bc.Model,
		PoolSize:       bc.PoolSize,
		DialTimeout:    bc.DialTimeout,
		RequestTimeout: bc.RequestTimeout,
		IdleTimeout:    bc.IdleTimeout,
		StreamIdle:     bc.StreamIdle,
		Auth:           bc.Auth,
		Breaker:        bc.CircuitBreaker,
		Health:         bc.Health,
	}

	switch bc.Scheme {
	case "", "http", "https", "tcp":
	default:
		b.addf("backend %q: unknown scheme %q", bc.ID, bc.Scheme)
	}
	if bc.Provider != "" && !provider.Known(bc.Provider) {
		b.addf("backend %q: unknown provider %q", bc.ID, bc.Provider)
	}

	if len(bc.Endpoints) == 0 {
		b.addf("backend %q: at least one endpoint is required", bc.ID)
	}
	for _, raw := range bc.Endpoints {
		u, err := parseEndpoint(raw, bc.Scheme)
		if err != nil {
			b.addf("backend %q: endpoint %q: %v", bc.ID, raw, err)
			continue
		}
		be.Endpoints = append(be.Endpoints, u)
	}
	if be.Scheme == "" && len(be.Endpoints) > 0 {
		be.Scheme = be.Endpoints[0].Scheme
	}
	if bc.Provider != "" && bc.Provider != "none" {
		for _, u := range be.Endpoints {
			if u.Scheme == "tcp" {
				b.addf("backend %q: provider %q requires http endpoints", bc.ID, bc.Provider)
				break
			}
		}
	}

	if bc.PoolSize < 0 {
		b.addf("backend %q: pool_size must not be negative", bc.ID)
	}
	if be.PoolSize <= 0 {
		be.PoolSize = defaultPoolSize
	}
	if be.DialTimeout <= 0 {
		be.DialTimeout = defaultDialTimeout
	}
	if be.RequestTimeout <= 0 {
		be.RequestTimeout = defaultRequestTimeout
	}
	if be.IdleTimeout <= 0 {
		be.IdleTimeout = defaultIdleTimeout
	}
	if be.StreamIdle <= 0 {
		be.StreamIdle = defaultStreamIdle
	}

	be.TLS = b.buildBackendTLS(bc.ID, bc.TLS)
	be.Retry = b.buildRetry(bc.ID, bc.Retry)
	return be
}

func parseEndpoint(raw, scheme string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		if scheme == "" {
			scheme = "http"
		}
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("missing host")
		}
	case "tcp":
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return nil, fmt.Errorf("tcp endpoint requires host:port")
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

func (b *builder) buildBackendTLS(id string, c config.BackendTLSConfig) *tls.Config {
	if !c.Enabled {
		return nil
	}
	t := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			b.addf("backend %q: ca_file: %v", id, err)
			return t
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			b.addf("backend %q: ca_file %q contains no certificates", id, c.CAFile)
			return t
		}
		t.RootCAs = pool
	}
	return t
}

func (b *builder) buildRetry(id string, rc config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
	}
	if rc.MaxAttempts < 0 {
		b.addf("backend %q: retry max_attempts must not be negative", id)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultRetryInitial
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultRetryMax
	}

	statuses := rc.RetryableStatuses
	if len(statuses) == 0 {
		statuses = defaultRetryableStatuses
	}
	p.retryableStatuses = make(map[int]struct{}, len(statuses))
	for _, code := range statuses {
		if code < 100 || code > 599 {
			b.addf("backend %q: retryable status %d out of range", id, code)
			continue
		}
		p.retryableStatuses[code] = struct{}{}
	}

	methods := rc.IdempotentMethods
	if len(methods) == 0 {
		methods = defaultIdempotentMethods
	}
	p.idempotent = make(map[string]struct{}, len(methods))
	for _, m := range methods {
		p.idempotent[strings.ToUpper(m)] = struct{}{}
	}
	return p
}

func (b *builder) buildStages(policies []config.PolicyConfig) (map[string]policy.Stage, []io.Closer) {
	stages := make(map[string]policy.Stage, len(policies))
	var closers []io.Closer
	for i, pc := range policies {
		if pc.ID == "" {
			b.addf("policy %d: id is required", i)
			continue
		}
		if _, dup := stages[pc.ID]; dup {
			b.addf("policy %q: duplicate id", pc.ID)
			continue
		}
		stage, err := policy.New(pc.Kind, pc.ID, pc.Params, b.deps.Policy)
		if err != nil {
			b.addf("policy %q: %v", pc.ID, err)
			continue
		}
		stages[pc.ID] = stage
		if c, ok := stage.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	return stages, closers
}

func (b *builder) buildRoutes(routes []config.RouteConfig, backends map[string]*Backend, stages map[string]policy.Stage) []*Route {
	out := make([]*Route, 0, len(routes))
	seen := map[string]bool{}
	for i, rc := range routes {
		if rc.ID == "" {
			b.addf("route %d: id is required", i)
			continue
		}
		if seen[rc.ID] {
			b.addf("route %q: duplicate id", rc.ID)
			continue
		}
		seen[rc.ID] = true
		out = append(out, b.buildRoute(rc, backends, stages))
	}
	return out
}

func (b *builder) buildRoute(rc config.RouteConfig, backends map[string]*Backend, stages map[string]policy.Stage) *Route {
	r := &Route{
		ID:           rc.ID,
		Host:         strings.ToLower(rc.Host),
		Path:         rc.Path,
		Prefix:       rc.Prefix,
		Timeout:      rc.Timeout,
		MaxBodyBytes: rc.MaxBodyBytes,
		StripPrefix:  rc.StripPrefix,
		RewritePath:  rc.RewritePath,
		ValidateArgs: rc.MCP.ValidateArgs,
	}

	switch rc.Protocol {
	case "", "http":
		r.Protocol = exchange.ProtoHTTP
	case "mcp":
		r.Protocol = exchange.ProtoMCP
	case "a2a":
		r.Protocol = exchange.ProtoA2A
	default:
		b.addf("route %q: unknown protocol %q", rc.ID, rc.Protocol)
		r.Protocol = exchange.ProtoHTTP
	}

	if rc.Host != "" && !doublestar.ValidatePattern(r.Host) {
		b.addf("route %q: invalid host pattern %q", rc.ID, rc.Host)
	}
	if rc.Path != "" && !strings.HasPrefix(rc.Path, "/") {
		b.addf("route %q: path must start with /", rc.ID)
	}
	if rc.Prefix && rc.Path == "" {
		b.addf("route %q: prefix matching requires a path", rc.ID)
	}
	if rc.StripPrefix && !rc.Prefix {
		b.addf("route %q: strip_prefix requires a prefix route", rc.ID)
	}
	if rc.RewritePath != "" {
		if !strings.HasPrefix(rc.RewritePath, "/") {
			b.addf("route %q: rewrite_path must start with /", rc.ID)
		}
		if rc.StripPrefix {
			b.addf("route %q: strip_prefix and rewrite_path are mutually exclusive", rc.ID)
		}
	}
	if rc.Timeout < 0 {
		b.addf("route %q: timeout must not be negative", rc.ID)
	}
	if rc.MaxBodyBytes < 0 {
		b.addf("route %q: max_body_bytes must not be negative", rc.ID)
	}

	if len(rc.Methods) > 0 {
		r.Methods = make(map[string]struct{}, len(rc.Methods))
		for _, m := range rc.Methods {
			if r.Protocol == exchange.ProtoHTTP {
				m = strings.ToUpper(m)
			}
			r.Methods[m] = struct{}{}
		}
	}

	if rc.Backend == "" {
		b.addf("route %q: backend is required", rc.ID)
	} else if be, ok := backends[rc.Backend]; ok {
		r.Backend = be
	} else {
		b.addf("route %q: unknown backend %q", rc.ID, rc.Backend)
	}

	chain := make([]policy.Stage, 0, len(rc.Policies))
	for _, name := range rc.Policies {
		stage, ok := stages[name]
		if !ok {
			b.addf("route %q: unknown policy %q", rc.ID, name)
			continue
		}
		chain = append(chain, stage)
	}
	r.Chain = policy.NewChain(chain...)

	if rc.MCP.ToolsFile != "" {
		if r.Protocol == exchange.ProtoA2A {
			b.addf("route %q: tool catalogs do not apply to a2a routes", rc.ID)
		} else if catalog, err := mcpwire.LoadCatalog(rc.MCP.ToolsFile); err != nil {
			b.addf("route %q: %v", rc.ID, err)
		} else {
			r.Tools = catalog
		}
	}
	if rc.MCP.ValidateArgs && rc.MCP.ToolsFile == "" {
		b.addf("route %q: validate_args requires tools_file", rc.ID)
	}

	if rc.OpenAPI.SpecFile != "" {
		if r.Protocol != exchange.ProtoHTTP {
			b.addf("route %q: openapi bridging requires an http route", rc.ID)
		} else if tr, err := openapiwire.Load(rc.OpenAPI.SpecFile); err != nil {
			b.addf("route %q: openapi spec %s: %v", rc.ID, rc.OpenAPI.SpecFile, err)
		} else {
			r.Bridge = tr
		}
	}

	return r
}

func (b *builder) validateControlPlane(cp config.ControlPlaneConfig) {
	if !cp.Enabled {
		return
	}
	if len(cp.Endpoints) == 0 {
		b.addf("control_plane: at least one endpoint is required")
	}
	if cp.TLS.CAFile != "" {
		b.statFile("control_plane: ca_file", cp.TLS.CAFile)
	}
}
