package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/errors"
)

func serveHTTP(t *testing.T, gw *Gateway, lc config.ListenerConfig, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	gw.Handler(lc).ServeHTTP(rec, r)
	return rec
}

func decodeEnvelope(t *testing.T, body string) map[string]json.RawMessage {
	t.Helper()
	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("response is not JSON: %v\nbody: %s", err, body)
	}
	return env
}

func TestHandlerPlainHTTP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		w.Write([]byte("hello"))
	}))
	defer backend.Close()

	gw := newGateway(t, proxyConfig(backend.URL, nil), &sinkRecorder{})

	r := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/greet", nil)
	rec := serveHTTP(t, gw, config.ListenerConfig{}, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "hello" {
		t.Fatalf("body = %q, want %q", got, "hello")
	}
	if rec.Header().Get("X-Origin") != "yes" {
		t.Error("backend header not relayed")
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing from response")
	}
}

func TestHandlerRequestID(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	gw := newGateway(t, proxyConfig(backend.URL, nil), &sinkRecorder{})

	t.Run("inbound id honored", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		r.Header.Set("X-Request-Id", "trace-42")
		rec := serveHTTP(t, gw, config.ListenerConfig{}, r)
		if got := rec.Header().Get("X-Request-Id"); got != "trace-42" {
			t.Errorf("X-Request-Id = %q, want trace-42", got)
		}
	})

	t.Run("oversized id replaced", func(t *testing.T) {
		long := strings.Repeat("x", maxRequestIDLen+1)
		r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		r.Header.Set("X-Request-Id", long)
		rec := serveHTTP(t, gw, config.ListenerConfig{}, r)
		got := rec.Header().Get("X-Request-Id")
		if got == long || got == "" {
			t.Errorf("oversized inbound id not replaced: %q", got)
		}
	})
}

func TestHandlerNoRouteJSON(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	gw := newGateway(t, proxyConfig(backend.URL, nil), &sinkRecorder{})

	r := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	rec := serveHTTP(t, gw, config.ListenerConfig{}, r)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var ge errors.GatewayError
	if err := json.Unmarshal(rec.Body.Bytes(), &ge); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if ge.Kind != errors.KindNoRoute || ge.Code != http.StatusNotFound {
		t.Errorf("error body = %+v, want 404/no_route", ge)
	}
	if ge.RequestID == "" {
		t.Error("error body missing request_id")
	}
}

func TestHandlerRejectHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("rejected exchange must not reach the backend")
	}))
	defer backend.Close()

	cfg := proxyConfig(backend.URL, func(c *config.Config) {
		c.Policies = []config.PolicyConfig{{ID: "wall", Kind: "deny"}}
		c.Routes[0].Policies = []string{"wall"}
	})
	gw := newGateway(t, cfg, &sinkRecorder{})

	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	rec := serveHTTP(t, gw, config.ListenerConfig{}, r)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), string(errors.KindPolicyReject)) {
		t.Errorf("error body = %s, want policy_reject kind", rec.Body.String())
	}
}

func TestHandlerBodyLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	gw := newGateway(t, proxyConfig(backend.URL, nil), &sinkRecorder{})

	r := httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader(strings.Repeat("a", 64)))
	rec := serveHTTP(t, gw, config.ListenerConfig{MaxBodyBytes: 16}, r)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func mcpConfig(backendURL string) *config.Config {
	return &config.Config{
		Version: "v1",
		Backends: []config.BackendConfig{
			{ID: "tools", Endpoints: []string{backendURL}},
		},
		Routes: []config.RouteConfig{
			{ID: "mcp", Protocol: "mcp", Path: "/mcp", Backend: "tools"},
		},
	}
}

func TestHandlerMCPResult(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain JSON reply; the gateway wraps it into the envelope.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tools":[]}`))
	}))
	defer backend.Close()

	gw := newGateway(t, mcpConfig(backend.URL), &sinkRecorder{})

	body := `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := serveHTTP(t, gw, config.ListenerConfig{Mode: "mcp"}, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	env := decodeEnvelope(t, rec.Body.String())
	if string(env["id"]) != "7" {
		t.Errorf("id = %s, want 7", env["id"])
	}
	if string(env["jsonrpc"]) != `"2.0"` {
		t.Errorf("jsonrpc = %s, want \"2.0\"", env["jsonrpc"])
	}
	if !strings.Contains(string(env["result"]), `"tools"`) {
		t.Errorf("result = %s, want tools payload", env["result"])
	}
}

func TestHandlerMCPNotification(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gw := newGateway(t, mcpConfig(backend.URL), &sinkRecorder{})

	body := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := serveHTTP(t, gw, config.ListenerConfig{Mode: "mcp"}, r)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("notification response body = %q, want empty", rec.Body.String())
	}
}

func TestHandlerMCPErrorEnvelope(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	cfg := mcpConfig(backend.URL)
	cfg.Routes[0].Methods = []string{"tools/list"}
	gw := newGateway(t, cfg, &sinkRecorder{})

	body := `{"jsonrpc":"2.0","id":"a1","method":"resources/read"}`
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := serveHTTP(t, gw, config.ListenerConfig{Mode: "mcp"}, r)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body.String())
	if string(env["id"]) != `"a1"` {
		t.Errorf("id = %s, want \"a1\"", env["id"])
	}
	var rpcErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env["error"], &rpcErr); err != nil {
		t.Fatalf("error member: %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("error code = %d, want -32601", rpcErr.Code)
	}
}

func TestHandlerMCPMalformedBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("malformed envelope must not reach the backend")
	}))
	defer backend.Close()

	gw := newGateway(t, mcpConfig(backend.URL), &sinkRecorder{})

	for name, body := range map[string]string{
		"empty":       "",
		"not json":    "hello",
		"wrong shape": `{"id":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
			rec := serveHTTP(t, gw, config.ListenerConfig{Mode: "mcp"}, r)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			env := decodeEnvelope(t, rec.Body.String())
			if string(env["id"]) != "null" {
				t.Errorf("id = %s, want null", env["id"])
			}
			var rpcErr struct {
				Code int `json:"code"`
			}
			if err := json.Unmarshal(env["error"], &rpcErr); err != nil {
				t.Fatalf("error member: %v", err)
			}
			if rpcErr.Code != -32600 {
				t.Errorf("error code = %d, want -32600", rpcErr.Code)
			}
		})
	}
}
