package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/logging"
	"github.com/agentwire/gateway/internal/observe"
	"github.com/agentwire/gateway/internal/snapshot"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
	defaultProbePath     = "/health"

	// An endpoint flips state only after consecutive probe results agree,
	// so a single blip does not flap routing.
	healthyAfter   = 2
	unhealthyAfter = 3
)

// prober actively checks a backend's endpoints. HTTP endpoints are probed
// with a GET against the configured path; tcp endpoints with a plain dial.
// Endpoints start healthy and are only taken out of rotation after
// unhealthyAfter consecutive failures.
type prober struct {
	backend  *snapshot.Backend
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	sink     observe.Sink
	interval time.Duration
	timeout  time.Duration
	path     string

	client  *http.Client
	healthy []atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     sync.WaitGroup
}

func newProber(be *snapshot.Backend, dial func(ctx context.Context, network, addr string) (net.Conn, error), sink observe.Sink) *prober {
	p := &prober{
		backend:  be,
		dial:     dial,
		sink:     sink,
		interval: be.Health.Interval,
		timeout:  be.Health.Timeout,
		path:     be.Health.Path,
		healthy:  make([]atomic.Bool, len(be.Endpoints)),
		stopCh:   make(chan struct{}),
	}
	if p.interval <= 0 {
		p.interval = defaultProbeInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultProbeTimeout
	}
	if p.path == "" {
		p.path = defaultProbePath
	}
	p.client = &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			DialContext:     dial,
			TLSClientConfig: be.TLS,
			// Probes dial fresh; the data path keeps its own pool.
			DisableKeepAlives: true,
		},
	}
	for i := range p.healthy {
		p.healthy[i].Store(true)
	}
	return p
}

func (p *prober) start() {
	for i := range p.backend.Endpoints {
		p.done.Add(1)
		go p.loop(i)
	}
}

func (p *prober) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.done.Wait()
}

// healthyEndpoints returns the endpoints currently in rotation.
func (p *prober) healthyEndpoints() []*url.URL {
	out := make([]*url.URL, 0, len(p.backend.Endpoints))
	for i, ep := range p.backend.Endpoints {
		if p.healthy[i].Load() {
			out = append(out, ep)
		}
	}
	return out
}

func (p *prober) loop(idx int) {
	defer p.done.Done()
	ep := p.backend.Endpoints[idx]
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var passes, fails int
	for {
		if p.probe(ep) {
			passes++
			fails = 0
			if passes >= healthyAfter && !p.healthy[idx].Load() {
				p.flip(idx, ep, true)
			}
		} else {
			fails++
			passes = 0
			if fails >= unhealthyAfter && p.healthy[idx].Load() {
				p.flip(idx, ep, false)
			}
		}

		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (p *prober) flip(idx int, ep *url.URL, healthy bool) {
	p.healthy[idx].Store(healthy)
	fields := []zap.Field{
		zap.String("backend", p.backend.ID),
		zap.String("endpoint", ep.Host),
		zap.Bool("healthy", healthy),
	}
	if healthy {
		logging.Info("backend endpoint health changed", fields...)
	} else {
		logging.Warn("backend endpoint health changed", fields...)
	}
	p.sink.Event(observe.Event{
		Type:    observe.EventBackendHealth,
		Backend: p.backend.ID,
		Healthy: healthy,
		Detail:  ep.Host,
	})
}

func (p *prober) probe(ep *url.URL) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if ep.Scheme == "tcp" {
		conn, err := p.dial(ctx, "tcp", ep.Host)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}

	u := &url.URL{Scheme: ep.Scheme, Host: ep.Host, Path: p.path}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
