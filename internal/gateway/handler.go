package gateway

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/logging"
	"github.com/agentwire/gateway/internal/wire/a2awire"
	"github.com/agentwire/gateway/internal/wire/httpwire"
	"github.com/agentwire/gateway/internal/wire/mcpwire"
)

const maxRequestIDLen = 128

// httpHandler serves one listener's HTTP traffic. The listener mode picks
// the protocol binding: mcp and a2a listeners treat POSTed bodies as
// JSON-RPC envelopes over the streamable HTTP binding, everything else is
// plain HTTP passthrough.
type httpHandler struct {
	gw      *Gateway
	mode    string
	maxBody int64
}

// Handler returns the http.Handler serving lc's traffic.
func (g *Gateway) Handler(lc config.ListenerConfig) http.Handler {
	return &httpHandler{gw: g, mode: lc.Mode, maxBody: lc.MaxBodyBytes}
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		if rc := recover(); rc != nil {
			logging.Error("http exchange panicked",
				zap.Any("panic", rc),
				zap.String("path", r.URL.Path),
				zap.Stack("stack"))
			if !rec.wrote {
				errors.ErrInternalServer.WriteJSON(rec)
			}
		}
	}()

	req := httpwire.FromHTTP(r, nil, "", r.TLS)
	if id := r.Header.Get("X-Request-Id"); id != "" && len(id) <= maxRequestIDLen {
		req.ID = id
	}
	rec.Header().Set("X-Request-Id", req.ID)

	track := h.gw.track(req)

	body, err := httpwire.ReadBody(r.Body, h.maxBody)
	if err != nil {
		h.writeError(rec, req, track, errors.FromError(err).WithRequestID(req.ID))
		return
	}
	if len(body) > 0 {
		req.Body = exchange.Buffered(body)
	}

	switch h.mode {
	case "mcp":
		if uerr := mcpwire.Upgrade(req); uerr != nil {
			h.writeError(rec, req, track, errors.FromError(uerr).WithRequestID(req.ID))
			return
		}
	case "a2a":
		if uerr := a2awire.Upgrade(req); uerr != nil {
			h.writeError(rec, req, track, errors.FromError(uerr).WithRequestID(req.ID))
			return
		}
	}

	ctx := r.Context()
	if t := h.gw.tracer; t != nil && t.Enabled() {
		ctx = t.Extract(ctx, r.Header)
		var span trace.Span
		ctx, span = t.StartExchange(ctx, string(req.Protocol), req.Method, req.Path)
		defer span.End()
		t.Inject(ctx, req.Header)
	}

	resp, release, err := h.gw.Execute(ctx, req)
	defer release()
	if err != nil {
		h.writeError(rec, req, track, errors.FromError(err))
		return
	}

	switch h.mode {
	case "mcp":
		resp = mcpwire.ShapeResponse(req, resp)
	case "a2a":
		resp = a2awire.ShapeResponse(req, resp)
	}

	if werr := httpwire.WriteHTTP(rec, resp); werr != nil {
		logging.Debug("response write failed",
			zap.String("request_id", req.ID), zap.Error(werr))
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	track.finish(status, "")
}

// writeError serializes a gateway error in the listener mode's native
// shape, carrying any headers a rejecting policy stage attached.
func (h *httpHandler) writeError(w http.ResponseWriter, req *exchange.Request, track *tracker, ge *errors.GatewayError) {
	if hdr := RejectHeader(req); hdr != nil {
		for k, vs := range hdr {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}

	var resp *exchange.Response
	switch h.mode {
	case "mcp":
		resp = mcpwire.ShapeError(req, ge)
	case "a2a":
		resp = a2awire.ShapeError(req, ge)
	default:
		resp = httpwire.ErrorResponse(ge)
	}

	if werr := httpwire.WriteHTTP(w, resp); werr != nil {
		logging.Debug("error write failed",
			zap.String("request_id", req.ID), zap.Error(werr))
	}
	track.finish(resp.Status, ge.Kind)
}

// statusRecorder tracks whether a response has started, so the panic
// handler knows if a clean 500 is still possible.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

// Flush forwards flushes so streamed bodies reach the client per chunk.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
