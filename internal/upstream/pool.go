// Package upstream dispatches exchanges to backend endpoint groups. Each
// backend gets a bounded pool: a fixed number of in-flight slots, one
// shared HTTP transport whose idle connections respect the backend's idle
// timeout, and a pacing limiter on new dials so a cold or flapping backend
// is not hammered with connection storms.
package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentwire/gateway/internal/logging"
	"github.com/agentwire/gateway/internal/observe"
	"github.com/agentwire/gateway/internal/snapshot"
)

const (
	// New connections per backend are paced; a full pool warming up pays a
	// short stagger instead of dialing all at once.
	dialsPerSecond = 20
	dialBurst      = 10

	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	dialKeepAlive         = 30 * time.Second

	defaultBreakerFailures = 5
)

// Pool owns the dispatch resources for one backend: the slot semaphore,
// the HTTP transport, the circuit breaker and the health prober.
type Pool struct {
	backend   *snapshot.Backend
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	transport *http.Transport
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	slots     chan struct{}
	prober    *prober

	rr        atomic.Uint32
	closeOnce sync.Once
}

// NewPool builds the pool for a backend and starts its health prober when
// probing is configured.
func NewPool(be *snapshot.Backend, sink observe.Sink) *Pool {
	dialer := &net.Dialer{
		Timeout:   be.DialTimeout,
		KeepAlive: dialKeepAlive,
	}
	pace := rate.NewLimiter(rate.Limit(dialsPerSecond), dialBurst)
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if err := pace.Wait(ctx); err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, addr)
	}

	p := &Pool{
		backend: be,
		dial:    dial,
		transport: &http.Transport{
			DialContext:           dial,
			TLSClientConfig:       be.TLS,
			MaxIdleConns:          be.PoolSize,
			MaxIdleConnsPerHost:   be.PoolSize,
			MaxConnsPerHost:       be.PoolSize,
			IdleConnTimeout:       be.IdleTimeout,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ExpectContinueTimeout: expectContinueTimeout,
			ForceAttemptHTTP2:     true,
		},
		slots: make(chan struct{}, be.PoolSize),
	}

	if be.Breaker.Enabled {
		failures := be.Breaker.MaxFailures
		if failures == 0 {
			failures = defaultBreakerFailures
		}
		p.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:     be.ID,
			Interval: be.Breaker.Interval,
			Timeout:  be.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn("circuit breaker state change",
					zap.String("backend", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				sink.Counter("upstream_breaker_transitions", 1, name, to.String())
			},
		})
	}

	if be.Health.Enabled {
		p.prober = newProber(be, dial, sink)
		p.prober.start()
	}
	return p
}

// Acquire blocks until an in-flight slot is free or ctx ends. The returned
// release func is idempotent and must be called on every path.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	select {
	case p.slots <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-p.slots })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports how many slots are currently held.
func (p *Pool) InFlight() int { return len(p.slots) }

// pickEndpoint chooses the next endpoint round-robin, preferring healthy
// ones. With every endpoint marked down it falls back to the full set so
// traffic keeps probing for recovery.
func (p *Pool) pickEndpoint() *url.URL {
	eps := p.backend.Endpoints
	if len(eps) == 1 {
		return eps[0]
	}
	n := p.rr.Add(1) - 1
	if p.prober != nil {
		if healthy := p.prober.healthyEndpoints(); len(healthy) > 0 {
			return healthy[int(n)%len(healthy)]
		}
	}
	return eps[int(n)%len(eps)]
}

// Close stops the prober and drops idle connections. In-flight exchanges
// finish on their own; their release funcs stay valid.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		if p.prober != nil {
			p.prober.stop()
		}
		p.transport.CloseIdleConnections()
	})
}

// Pools tracks one Pool per live backend. Pools are keyed by the compiled
// backend itself, so two snapshot generations never share a pool; a
// superseded snapshot's pools are torn down when the snapshot retires.
type Pools struct {
	mu   sync.Mutex
	byBE map[*snapshot.Backend]*Pool
	sink observe.Sink
}

// NewPools creates an empty pool set.
func NewPools(sink observe.Sink) *Pools {
	if sink == nil {
		sink = observe.NopSink{}
	}
	return &Pools{
		byBE: make(map[*snapshot.Backend]*Pool),
		sink: sink,
	}
}

// Prime eagerly creates pools for every backend in the snapshot, starting
// health probers before traffic arrives.
func (ps *Pools) Prime(snap *snapshot.Snapshot) {
	for _, be := range snap.Backends {
		ps.For(be)
	}
}

// For returns the backend's pool, creating it on first use.
func (ps *Pools) For(be *snapshot.Backend) *Pool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.byBE[be]; ok {
		return p
	}
	p := NewPool(be, ps.sink)
	ps.byBE[be] = p
	return p
}

// Retire closes and forgets the pools of a retired snapshot's backends.
// Intended as the snapshot's OnRetire hook: by the time it runs, no lease
// and therefore no exchange can still be using them.
func (ps *Pools) Retire(snap *snapshot.Snapshot) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, be := range snap.Backends {
		if p, ok := ps.byBE[be]; ok {
			p.Close()
			delete(ps.byBE, be)
		}
	}
}

// Close tears down every pool.
func (ps *Pools) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for be, p := range ps.byBE {
		p.Close()
		delete(ps.byBE, be)
	}
}
