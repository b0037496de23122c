// Package gateway runs exchanges through the data plane pipeline: route
// resolution against the active snapshot, the route's policy chain, tool
// argument validation, the OpenAPI bridge, and upstream dispatch. The
// session layer (HTTP handlers and TCP sessions in this package) owns the
// wire; Execute owns everything between parse and serialization.
package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/logging"
	"github.com/agentwire/gateway/internal/observe"
	"github.com/agentwire/gateway/internal/policy"
	"github.com/agentwire/gateway/internal/router"
	"github.com/agentwire/gateway/internal/snapshot"
	"github.com/agentwire/gateway/internal/upstream"
	"github.com/agentwire/gateway/internal/wire/mcpwire"
	"github.com/agentwire/gateway/internal/wire/openapiwire"
)

const (
	bagRoute        = "gateway.route"
	bagBackend      = "gateway.backend"
	bagRejectHeader = "gateway.reject_header"
)

// Gateway is the data plane core. One instance serves every listener; the
// active snapshot swaps underneath it without disturbing in-flight
// exchanges.
type Gateway struct {
	matcher   *router.Matcher
	pools     *upstream.Pools
	connector *upstream.Connector
	sink      observe.Sink
	tracer    *observe.Tracer
}

// Options configures a Gateway.
type Options struct {
	Sink   observe.Sink
	Tracer *observe.Tracer
}

// New creates a Gateway with no configuration applied. Exchanges fail with
// a service-unavailable fault until the first Apply.
func New(opts Options) *Gateway {
	sink := opts.Sink
	if sink == nil {
		sink = observe.NopSink{}
	}
	pools := upstream.NewPools(sink)
	return &Gateway{
		matcher:   router.New(),
		pools:     pools,
		connector: upstream.New(pools, sink),
		sink:      sink,
		tracer:    opts.Tracer,
	}
}

// Apply publishes snap as the active configuration. Backend pools for the
// new snapshot spin up before the swap so health probing starts ahead of
// traffic; the superseded snapshot's pools tear down once its last lease
// drains.
func (g *Gateway) Apply(snap *snapshot.Snapshot) {
	snap.OnRetire = func(s *snapshot.Snapshot) { g.pools.Retire(s) }
	g.pools.Prime(snap)
	old := g.matcher.Swap(snap)

	fields := []zap.Field{
		zap.String("version", snap.Version),
		zap.Int("routes", len(snap.Routes)),
		zap.Int("backends", len(snap.Backends)),
	}
	if old != nil {
		fields = append(fields, zap.String("superseded", old.Version))
	}
	logging.Info("configuration applied", fields...)
	g.sink.Event(observe.Event{
		Type:    observe.EventSnapshotSwap,
		Version: snap.Version,
	})
}

// Current returns the active snapshot, nil before the first Apply.
func (g *Gateway) Current() *snapshot.Snapshot {
	return g.matcher.Current()
}

// Tracer returns the gateway's tracer, nil when tracing is off.
func (g *Gateway) Tracer() *observe.Tracer { return g.tracer }

// Close tears down all backend pools. Call after listeners have drained.
func (g *Gateway) Close() {
	g.pools.Close()
}

// Execute runs one exchange through the pipeline. The returned release
// function must be called after the response has been fully written
// (streams drained); it frees the snapshot lease and the route deadline.
// Callers may call it on every path, including errors. The error, when
// non-nil, is always a *errors.GatewayError carrying the request id.
func (g *Gateway) Execute(ctx context.Context, req *exchange.Request) (resp *exchange.Response, release func(), err error) {
	route, lease, rerr := g.matcher.Resolve(req)
	if rerr != nil {
		return nil, func() {}, errors.FromError(rerr).WithRequestID(req.ID)
	}

	cancel := func() {}
	if route.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, route.Timeout)
	}
	release = func() {
		cancel()
		lease.Release()
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error("exchange panicked",
				zap.Any("panic", r),
				zap.String("route", route.ID),
				zap.String("request_id", req.ID),
				zap.Stack("stack"))
			resp = nil
			err = errors.ErrInternalServer.WithRequestID(req.ID)
		}
	}()

	resp, err = g.run(ctx, route, req)
	if err != nil {
		ge := errors.FromError(err)
		if ge.RequestID == "" {
			ge = ge.WithRequestID(req.ID)
		}
		return nil, release, ge
	}
	return resp, release, nil
}

func (g *Gateway) run(ctx context.Context, route *snapshot.Route, req *exchange.Request) (*exchange.Response, error) {
	req.SetBag(bagRoute, route.ID)
	if route.Backend != nil {
		req.SetBag(bagBackend, route.Backend.ID)
	}

	if route.MaxBodyBytes > 0 {
		if b, ok := req.Body.(*exchange.BufferedBody); ok && int64(b.Len()) > route.MaxBodyBytes {
			return nil, errors.ErrBodyTooLarge
		}
	}

	if route.Chain != nil && route.Chain.Len() > 0 {
		dec, err := route.Chain.Apply(ctx, req)
		if err != nil {
			return nil, errors.Wrap(err, http.StatusInternalServerError,
				errors.KindInternal, "Internal Server Error")
		}
		switch dec.Op {
		case policy.OpReject:
			if dec.Header != nil {
				req.SetBag(bagRejectHeader, dec.Header)
			}
			g.sink.Event(observe.Event{
				Type:   observe.EventPolicyReject,
				Route:  route.ID,
				Stage:  dec.Stage,
				Status: dec.Status,
			})
			return nil, errors.Reject(dec.Status, dec.Reason)
		case policy.OpRespond:
			return dec.Response, nil
		}
	}

	if route.ValidateArgs && route.Tools != nil && req.Method == mcpwire.MethodToolsCall {
		var raw []byte
		if b, ok := req.Body.(*exchange.BufferedBody); ok {
			raw = b.Bytes()
		}
		if err := route.Tools.Validate(mcpwire.ToolName(req), mcpwire.ToolArgs(raw)); err != nil {
			return nil, err
		}
	}

	var inv *openapiwire.Invocation
	if route.Bridge != nil && req.Protocol == exchange.ProtoHTTP {
		var err error
		inv, err = route.Bridge.TranslateRequest(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	if route.Backend == nil {
		return nil, errors.ErrServiceUnavailable.WithDetails("route has no backend")
	}

	req.Path = route.TargetPath(req.Path)

	resp, err := g.connector.Dispatch(ctx, req, route.Backend)
	if err != nil {
		return nil, err
	}

	if inv != nil {
		resp, err = route.Bridge.TranslateResponse(ctx, inv, resp)
		if err != nil {
			return nil, err
		}
	}

	if route.Chain != nil && route.Chain.Len() > 0 {
		if err := route.Chain.ApplyResponse(ctx, req, resp); err != nil {
			exchange.Drain(resp.Body)
			return nil, errors.Wrap(err, http.StatusInternalServerError,
				errors.KindInternal, "Internal Server Error")
		}
	}

	return resp, nil
}

// RouteID returns the route an exchange resolved to, "" before resolution.
func RouteID(req *exchange.Request) string {
	return req.BagString(bagRoute)
}

// BackendID returns the backend an exchange resolved to, "" before
// resolution.
func BackendID(req *exchange.Request) string {
	return req.BagString(bagBackend)
}

// RejectHeader returns extra response headers attached by a rejecting
// policy stage, for example Retry-After.
func RejectHeader(req *exchange.Request) http.Header {
	if v, ok := req.Bag(bagRejectHeader); ok {
		if h, ok := v.(http.Header); ok {
			return h
		}
	}
	return nil
}

// tracker accumulates per-exchange observability: duration from receive to
// finish and token usage reported by the upstream connector. It installs
// the exchange's base OnUsage hook, so it must run before the policy chain
// wraps it.
type tracker struct {
	gw     *Gateway
	req    *exchange.Request
	start  time.Time
	tokens atomic.Int64
}

func (g *Gateway) track(req *exchange.Request) *tracker {
	t := &tracker{gw: g, req: req, start: req.ReceivedAt}
	if t.start.IsZero() {
		t.start = time.Now()
	}
	req.OnUsage = func(promptTokens, completionTokens int64) {
		t.tokens.Add(promptTokens + completionTokens)
	}
	return t
}

// finish emits the exchange-end event. Call once, after the response has
// been written or the error sent.
func (t *tracker) finish(status int, kind errors.Kind) {
	t.gw.sink.Event(observe.Event{
		Type:     observe.EventExchangeEnd,
		Route:    RouteID(t.req),
		Backend:  BackendID(t.req),
		Protocol: string(t.req.Protocol),
		Status:   status,
		Kind:     string(kind),
		Duration: time.Since(t.start),
		Tokens:   t.tokens.Load(),
	})
}
