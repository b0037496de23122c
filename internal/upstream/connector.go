package upstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/observe"
	"github.com/agentwire/gateway/internal/snapshot"
	"github.com/agentwire/gateway/internal/upstream/provider"
)

const (
	// Buffered responses are capped; anything larger must stream.
	maxBufferedResponse = 64 << 20

	streamChunkBuffer = 16
)

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// errServerStatus tags a delivered response whose status counts as a
// breaker failure. The response itself still flows back to the caller.
var errServerStatus = stderrors.New("upstream: server error status")

// statusRetry marks an attempt that produced a retryable status. When
// attempts run out the last such response is handed to the client as-is.
type statusRetry struct {
	status int
}

func (e *statusRetry) Error() string {
	return fmt.Sprintf("upstream: retryable status %d", e.status)
}

// Connector dispatches exchanges to backends. It shapes requests through
// the backend's provider dialect, bounds them with the backend's pool,
// retries idempotent requests and relays streamed responses chunk by
// chunk.
type Connector struct {
	pools *Pools
	sink  observe.Sink
}

// New creates a connector over the given pool set.
func New(pools *Pools, sink observe.Sink) *Connector {
	if sink == nil {
		sink = observe.NopSink{}
	}
	return &Connector{pools: pools, sink: sink}
}

// Dispatch sends one exchange to its backend and returns the response.
// Buffered responses come back complete; streamed responses return as soon
// as upstream headers arrive, with a relay goroutine feeding the body. A
// nil error with a streaming body means the relay owns the upstream
// connection until the stream's End marker.
func (c *Connector) Dispatch(ctx context.Context, req *exchange.Request, be *snapshot.Backend) (*exchange.Response, error) {
	pool := c.pools.For(be)

	raw, err := exchange.ReadAll(ctx, req.Body, 0)
	if err != nil {
		if stderrors.Is(err, exchange.ErrBodyTooLarge) {
			return nil, errors.ErrBodyTooLarge
		}
		return nil, errors.Wrap(err, http.StatusBadRequest, errors.KindParse, "Malformed Request")
	}
	req.Body = exchange.Buffered(raw)

	name := be.Provider
	if name == "" {
		name = "none"
	}
	dialect, ok := provider.Lookup(name)
	if !ok {
		return nil, errors.ErrInternalServer.WithDetails("unknown provider dialect " + name)
	}

	if be.Model != "" && dialect.Translates() && len(raw) > 0 && !gjson.GetBytes(raw, "model").Exists() {
		if injected, serr := sjson.SetBytes(raw, "model", be.Model); serr == nil {
			raw = injected
			req.Body = exchange.Buffered(raw)
		}
	}

	release, err := pool.Acquire(ctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.ErrGatewayTimeout.WithDetails("waiting for backend " + be.ID + " capacity")
		}
		return nil, err
	}
	streaming := false
	defer func() {
		if !streaming {
			release()
		}
	}()

	var resp, lastResp *exchange.Response
	op := func() error {
		r, aerr := c.attempt(ctx, dialect, req, raw, be, pool, release, &streaming)
		if aerr != nil {
			var sr *statusRetry
			if stderrors.As(aerr, &sr) {
				lastResp = r
			}
			return aerr
		}
		resp = r
		return nil
	}
	notify := func(aerr error, next time.Duration) {
		c.sink.Event(observe.Event{
			Type:     observe.EventUpstreamRetry,
			Backend:  be.ID,
			Detail:   aerr.Error(),
			Duration: next,
		})
	}
	err = backoff.RetryNotify(op, retryPolicy(ctx, be, req.Method), notify)
	if err == nil {
		return resp, nil
	}
	var sr *statusRetry
	if stderrors.As(err, &sr) && lastResp != nil {
		return lastResp, nil
	}
	return nil, c.mapError(err, be)
}

// attempt performs one dispatch try against one endpoint. Transport faults
// come back as plain errors so the retry policy can re-run them; terminal
// outcomes are wrapped backoff.Permanent.
func (c *Connector) attempt(ctx context.Context, d provider.Dialect, req *exchange.Request, raw []byte, be *snapshot.Backend, pool *Pool, release func(), streaming *bool) (*exchange.Response, error) {
	ep := pool.pickEndpoint()
	if ep.Scheme == "tcp" {
		return c.tcpAttempt(ctx, raw, be, pool, ep)
	}

	hreq, err := d.Shape(ctx, req)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, http.StatusBadRequest, errors.KindParse, "Malformed Request"))
	}
	finalizeRequest(hreq, ep, req, be)

	// The request timeout bounds buffered responses end to end. For a
	// stream it only bounds the wait for headers; after that the idle
	// watchdog in the relay takes over.
	actx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if be.RequestTimeout > 0 {
		timer = time.AfterFunc(be.RequestTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	hreq = hreq.WithContext(actx)
	hresp, err := c.roundTrip(pool, hreq)
	if err != nil && !stderrors.Is(err, errServerStatus) {
		stopTimer()
		cancel()
		switch {
		case timedOut.Load():
			return nil, backoff.Permanent(errors.ErrGatewayTimeout.WithDetails("backend " + be.ID + " did not respond in time"))
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	ct := hresp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") && hresp.StatusCode < http.StatusMultipleChoices {
		stopTimer()
		sb := exchange.NewStream(streamChunkBuffer)
		resp := exchange.NewResponse(hresp.StatusCode)
		copyResponseHeaders(resp.Header, hresp.Header)
		resp.Body = sb

		*streaming = true
		go c.relay(ctx, relayJob{
			dialect: d,
			req:     req,
			backend: be,
			body:    hresp.Body,
			stream:  sb,
			release: release,
			cancel:  cancel,
		})
		return resp, nil
	}

	body, rerr := io.ReadAll(io.LimitReader(hresp.Body, maxBufferedResponse+1))
	hresp.Body.Close()
	stopTimer()
	cancel()
	if rerr != nil {
		if timedOut.Load() {
			return nil, backoff.Permanent(errors.ErrGatewayTimeout.WithDetails("backend " + be.ID + " response stalled"))
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, rerr
	}
	if len(body) > maxBufferedResponse {
		return nil, backoff.Permanent(errors.New(http.StatusBadGateway, errors.KindUpstream, "Bad Gateway").
			WithDetails("upstream response exceeds buffer limit"))
	}

	resp, perr := d.ParseResponse(hresp.StatusCode, body)
	if perr != nil {
		return nil, backoff.Permanent(errors.Wrap(perr, http.StatusBadGateway, errors.KindUpstream, "Bad Gateway"))
	}
	copyResponseHeaders(resp.Header, hresp.Header)

	if be.Retry.RetryableStatus(hresp.StatusCode) {
		return resp, &statusRetry{status: hresp.StatusCode}
	}
	reportUsage(req, resp)
	return resp, nil
}

// roundTrip sends the request, through the breaker when one is configured.
// Server error statuses count as breaker failures; the tagged response
// still reaches the caller.
func (c *Connector) roundTrip(pool *Pool, hreq *http.Request) (*http.Response, error) {
	if pool.breaker == nil {
		return pool.transport.RoundTrip(hreq)
	}
	return pool.breaker.Execute(func() (*http.Response, error) {
		hresp, err := pool.transport.RoundTrip(hreq)
		if err != nil {
			return nil, err
		}
		if hresp.StatusCode >= http.StatusInternalServerError {
			return hresp, errServerStatus
		}
		return hresp, nil
	})
}

// retryPolicy builds the backoff schedule for one dispatch. Only
// idempotent methods get retries at all.
func retryPolicy(ctx context.Context, be *snapshot.Backend, method string) backoff.BackOff {
	retries := 0
	if be.Retry.IdempotentMethod(method) && be.Retry.MaxAttempts > 1 {
		retries = be.Retry.MaxAttempts - 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = be.Retry.InitialBackoff
	bo.MaxInterval = be.Retry.MaxBackoff
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

func (c *Connector) mapError(err error, be *snapshot.Backend) error {
	gerr, ok := errors.IsGatewayError(err)
	if !ok {
		var nerr net.Error
		switch {
		case stderrors.Is(err, context.Canceled):
			return err
		case stderrors.Is(err, context.DeadlineExceeded):
			gerr = errors.ErrGatewayTimeout
		case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
			gerr = errors.ErrServiceUnavailable.WithDetails("circuit breaker open for backend " + be.ID)
		case stderrors.As(err, &nerr) && nerr.Timeout():
			gerr = errors.ErrGatewayTimeout.WithDetails(err.Error())
		default:
			gerr = errors.Wrap(err, http.StatusBadGateway, errors.KindUpstream, "Bad Gateway")
		}
	}
	c.sink.Event(observe.Event{
		Type:    observe.EventUpstreamError,
		Backend: be.ID,
		Status:  gerr.Code,
		Kind:    string(gerr.Kind),
		Detail:  gerr.Details,
	})
	return gerr
}

// finalizeRequest points a shaped request at a concrete endpoint and adds
// authentication and forwarding headers. Dialects emit path-only URLs.
func finalizeRequest(hreq *http.Request, ep *url.URL, req *exchange.Request, be *snapshot.Backend) {
	hreq.URL.Scheme = ep.Scheme
	hreq.URL.Host = ep.Host
	if base := strings.TrimSuffix(ep.Path, "/"); base != "" {
		hreq.URL.Path = base + hreq.URL.Path
	}
	hreq.Host = ep.Host

	for _, h := range hopHeaders {
		hreq.Header.Del(h)
	}

	if be.Auth.APIKey != "" {
		header := be.Auth.Header
		if header == "" {
			header = "Authorization"
		}
		value := be.Auth.APIKey
		if be.Auth.Scheme != "" {
			value = be.Auth.Scheme + " " + value
		}
		hreq.Header.Set(header, value)
	}

	if req.ClientAddr != "" {
		host, _, err := net.SplitHostPort(req.ClientAddr)
		if err != nil {
			host = req.ClientAddr
		}
		if prior := hreq.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		hreq.Header.Set("X-Forwarded-For", host)
	}
	if req.Host != "" {
		hreq.Header.Set("X-Forwarded-Host", req.Host)
	}
	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	hreq.Header.Set("X-Forwarded-Proto", proto)
	if req.ID != "" {
		hreq.Header.Set("X-Request-Id", req.ID)
	}
}

// copyResponseHeaders merges upstream headers into the response without
// clobbering what the dialect already set. Hop-by-hop headers and
// Content-Length never cross the gateway.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if k == "Content-Length" || isHopHeader(k) {
			continue
		}
		if _, exists := dst[k]; exists {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if name == h {
			return true
		}
	}
	return false
}

// reportUsage feeds token counts from a chat-shaped body to the exchange's
// usage callback.
func reportUsage(req *exchange.Request, resp *exchange.Response) {
	if req.OnUsage == nil {
		return
	}
	buf, ok := resp.Body.(*exchange.BufferedBody)
	if !ok {
		return
	}
	u := gjson.GetBytes(buf.Bytes(), "usage")
	if !u.Exists() {
		return
	}
	req.OnUsage(u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int())
}
