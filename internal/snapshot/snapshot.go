// Package snapshot holds the gateway's compiled routing state: one
// immutable, versioned aggregate of routes, backends and policy stages.
// Snapshots are replaced wholesale, never mutated. A superseded snapshot
// stays alive while any in-flight exchange still leases it and is retired
// exactly once when the last lease drains.
package snapshot

import (
	"crypto/tls"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
	"github.com/agentwire/gateway/internal/wire/mcpwire"
	"github.com/agentwire/gateway/internal/wire/openapiwire"
)

// Snapshot is the compiled configuration the data plane reads. All fields
// are read-only after Build.
type Snapshot struct {
	Version  string
	Routes   []*Route
	Backends map[string]*Backend
	Stages   map[string]policy.Stage
	BuiltAt  time.Time

	// OnRetire, when set before the snapshot is published, runs after the
	// last lease drains. The gateway uses it to tear down per-snapshot
	// resources; tests use it to observe retirement.
	OnRetire func(*Snapshot)

	closers []io.Closer

	// refs counts the publisher's implicit reference plus one per live
	// lease. Retirement triggers when it reaches zero.
	refs      atomic.Int64
	supersede sync.Once
	retire    sync.Once
}

// Lease pins a snapshot for one in-flight exchange. Release is idempotent.
type Lease struct {
	snap *Snapshot
	once sync.Once
}

// Snapshot returns the leased snapshot.
func (l *Lease) Snapshot() *Snapshot { return l.snap }

// Release returns the lease. The last release of a superseded snapshot
// retires it.
func (l *Lease) Release() {
	l.once.Do(func() { l.snap.release() })
}

// Acquire takes a lease on the snapshot. It fails only when the snapshot
// already retired, which tells the caller to re-read the current pointer
// and try again.
func (s *Snapshot) Acquire() (*Lease, bool) {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return nil, false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return &Lease{snap: s}, true
		}
	}
}

// Supersede drops the publisher's implicit reference when a newer snapshot
// replaces this one. Repeat calls are no-ops.
func (s *Snapshot) Supersede() {
	s.supersede.Do(func() { s.release() })
}

func (s *Snapshot) release() {
	if s.refs.Add(-1) == 0 {
		s.retireNow()
	}
}

func (s *Snapshot) retireNow() {
	s.retire.Do(func() {
		for _, c := range s.closers {
			c.Close()
		}
		if s.OnRetire != nil {
			s.OnRetire(s)
		}
	})
}

// Refs reports the current reference count. Test helper.
func (s *Snapshot) Refs() int64 { return s.refs.Load() }

// Route is one compiled match predicate with its resolved backend and
// policy chain.
type Route struct {
	ID       string
	Protocol exchange.Protocol
	// Host is a lowercased doublestar pattern; empty matches any host.
	Host string
	// Path is matched exactly unless Prefix is set; empty makes the route
	// a protocol-level fallback.
	Path    string
	Prefix  bool
	Methods map[string]struct{}

	Backend *Backend
	Chain   *policy.Chain

	Timeout      time.Duration
	MaxBodyBytes int64
	StripPrefix  bool
	RewritePath  string

	// Tools is the backend's tool catalog when the route declares one;
	// ValidateArgs turns on per-call argument checking against it.
	Tools        *mcpwire.Catalog
	ValidateArgs bool

	// Bridge translates OpenAPI-described REST traffic to MCP tool calls.
	Bridge *openapiwire.Translator
}

// MatchHost reports whether host satisfies the route's host pattern.
func (r *Route) MatchHost(host string) bool {
	if r.Host == "" {
		return true
	}
	ok, err := doublestar.Match(r.Host, strings.ToLower(host))
	return err == nil && ok
}

// MatchMethod reports whether the route accepts the method. HTTP verbs
// are matched case-insensitively; RPC method names exactly.
func (r *Route) MatchMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	if _, ok := r.Methods[method]; ok {
		return true
	}
	if r.Protocol == exchange.ProtoHTTP {
		_, ok := r.Methods[strings.ToUpper(method)]
		return ok
	}
	return false
}

// MatchPath reports whether path satisfies the route's path predicate.
// Prefix matches respect segment boundaries: prefix /v1 covers /v1 and
// /v1/chat but not /v1chat.
func (r *Route) MatchPath(path string) bool {
	if r.Path == "" {
		return true
	}
	if !r.Prefix {
		return path == r.Path
	}
	if !strings.HasPrefix(path, r.Path) {
		return false
	}
	if len(path) == len(r.Path) || strings.HasSuffix(r.Path, "/") {
		return true
	}
	return path[len(r.Path)] == '/'
}

// TargetPath rewrites the request path for upstream dispatch.
func (r *Route) TargetPath(path string) string {
	if r.RewritePath != "" {
		return r.RewritePath
	}
	if r.StripPrefix && r.Prefix {
		rest := strings.TrimPrefix(path, r.Path)
		if rest == "" || rest[0] != '/' {
			rest = "/" + rest
		}
		return rest
	}
	return path
}

// Backend is one compiled upstream target group.
type Backend struct {
	ID        string
	Scheme    string
	Endpoints []*url.URL
	Provider  string
	Model     string

	PoolSize       int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	StreamIdle     time.Duration

	// TLS is the client configuration toward the backend, nil for
	// plaintext.
	TLS  *tls.Config
	Auth config.BackendAuthConfig

	Retry   RetryPolicy
	Breaker config.CircuitBreakerConfig
	Health  config.HealthConfig
}

// RetryPolicy bounds retries for idempotent requests.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	retryableStatuses map[int]struct{}
	idempotent        map[string]struct{}
}

// IdempotentMethod reports whether the method may be retried.
func (p RetryPolicy) IdempotentMethod(method string) bool {
	_, ok := p.idempotent[strings.ToUpper(method)]
	return ok
}

// RetryableStatus reports whether a response status warrants a retry.
func (p RetryPolicy) RetryableStatus(code int) bool {
	_, ok := p.retryableStatuses[code]
	return ok
}
