// Package observe defines the gateway's observability boundary. The
// pipeline emits structured events through a Sink; what happens to them
// (logs, Prometheus, nothing) is the sink implementation's business.
package observe

import (
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/logging"
)

// EventType enumerates pipeline events.
type EventType string

const (
	EventExchangeEnd   EventType = "exchange_end"
	EventPolicyReject  EventType = "policy_reject"
	EventUpstreamError EventType = "upstream_error"
	EventUpstreamRetry EventType = "upstream_retry"
	EventSnapshotSwap  EventType = "snapshot_swap"
	EventStreamEnd     EventType = "stream_end"
	EventBackendHealth EventType = "backend_health"
)

// Event is one observable pipeline occurrence. Only the fields relevant to
// the type are set.
type Event struct {
	Type     EventType
	Route    string
	Backend  string
	Stage    string
	Protocol string
	Status   int
	Kind     string // error kind, when the event describes a fault
	Version  string // snapshot version, for swap events
	Healthy  bool
	Duration time.Duration
	Tokens   int64
	Detail   string
}

// Sink consumes events and ad-hoc counters. Implementations must be safe
// for concurrent use and must never block the pipeline.
type Sink interface {
	Event(e Event)
	Counter(name string, delta float64, labels ...string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Event(Event)                        {}
func (NopSink) Counter(string, float64, ...string) {}

// LogSink writes events to the global structured logger at debug level,
// faults at warn.
type LogSink struct{}

func (LogSink) Event(e Event) {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
	}
	if e.Route != "" {
		fields = append(fields, zap.String("route", e.Route))
	}
	if e.Backend != "" {
		fields = append(fields, zap.String("backend", e.Backend))
	}
	if e.Stage != "" {
		fields = append(fields, zap.String("stage", e.Stage))
	}
	if e.Status != 0 {
		fields = append(fields, zap.Int("status", e.Status))
	}
	if e.Kind != "" {
		fields = append(fields, zap.String("kind", e.Kind))
	}
	if e.Duration != 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}

	switch e.Type {
	case EventPolicyReject, EventUpstreamError:
		logging.Warn("gateway event", fields...)
	default:
		logging.Debug("gateway event", fields...)
	}
}

func (LogSink) Counter(name string, delta float64, labels ...string) {}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Event(e Event) {
	for _, s := range m {
		s.Event(e)
	}
}

func (m Multi) Counter(name string, delta float64, labels ...string) {
	for _, s := range m {
		s.Counter(name, delta, labels...)
	}
}
