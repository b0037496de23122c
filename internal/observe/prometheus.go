package observe

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationBuckets covers the latency range the gateway cares about, from
// sub-millisecond cache hits to multi-second model completions.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// PrometheusSink exposes pipeline events as Prometheus metrics.
type PrometheusSink struct {
	registry *prometheus.Registry

	exchanges     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rejects       *prometheus.CounterVec
	upstreamErrs  *prometheus.CounterVec
	retries       *prometheus.CounterVec
	swaps         *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	backendHealth *prometheus.GaugeVec

	mu    sync.Mutex
	adhoc map[string]*prometheus.CounterVec
}

// NewPrometheusSink registers the gateway metric set on a fresh registry.
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &PrometheusSink{
		registry: reg,
		adhoc:    make(map[string]*prometheus.CounterVec),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentwire_exchanges_total",
			Help: "Completed exchanges by route, protocol and status.",
		}, []string{"route", "protocol", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentwire_exchange_duration_seconds",
			Help:    "End-to-end exchange latency.",
			Buckets: durationBuckets,
		}, []string{"route", "protocol"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentwire_policy_rejects_total",
			Help: "Exchanges rejected by a policy stage.",
		}, []string{"route", "stage"}),
		upstreamErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentwire_upstream_errors_total",
			Help: "Upstream failures by backend and error kind.",
		}, []string{"backend", "kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentwire_upstream_retries_total",
			Help: "Retried upstream dispatches.",
		}, []string{"backend"}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentwire_snapshot_swaps_total",
			Help: "Configuration snapshot swaps by outcome.",
		}, []string{"status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentwire_tokens_total",
			Help: "Model tokens accounted per route.",
		}, []string{"route"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentwire_backend_healthy",
			Help: "Backend health probe state, 1 healthy 0 unhealthy.",
		}, []string{"backend"}),
	}
	reg.MustRegister(s.exchanges, s.duration, s.rejects, s.upstreamErrs,
		s.retries, s.swaps, s.tokens, s.backendHealth)
	return s
}

func (s *PrometheusSink) Event(e Event) {
	switch e.Type {
	case EventExchangeEnd:
		s.exchanges.WithLabelValues(e.Route, e.Protocol, strconv.Itoa(e.Status)).Inc()
		s.duration.WithLabelValues(e.Route, e.Protocol).Observe(e.Duration.Seconds())
		if e.Tokens > 0 {
			s.tokens.WithLabelValues(e.Route).Add(float64(e.Tokens))
		}
	case EventPolicyReject:
		s.rejects.WithLabelValues(e.Route, e.Stage).Inc()
	case EventUpstreamError:
		s.upstreamErrs.WithLabelValues(e.Backend, e.Kind).Inc()
	case EventUpstreamRetry:
		s.retries.WithLabelValues(e.Backend).Inc()
	case EventSnapshotSwap:
		status := "applied"
		if e.Detail != "" {
			status = e.Detail
		}
		s.swaps.WithLabelValues(status).Inc()
	case EventBackendHealth:
		v := 0.0
		if e.Healthy {
			v = 1.0
		}
		s.backendHealth.WithLabelValues(e.Backend).Set(v)
	}
}

// Counter bumps a free-form counter. Labels are name/value pairs; vectors
// are registered lazily on first use.
func (s *PrometheusSink) Counter(name string, delta float64, labels ...string) {
	names := make([]string, 0, len(labels)/2)
	values := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		names = append(names, labels[i])
		values = append(values, labels[i+1])
	}

	s.mu.Lock()
	vec, ok := s.adhoc[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, names)
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			return
		}
		s.adhoc[name] = vec
	}
	s.mu.Unlock()

	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	c.Add(delta)
}

// Handler serves the registry in the Prometheus text format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scraping.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}
