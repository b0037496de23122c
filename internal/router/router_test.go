package router

import (
	"sync/atomic"
	"testing"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/snapshot"
)

func buildSnapshot(t *testing.T, version string, routes []config.RouteConfig) *snapshot.Snapshot {
	t.Helper()
	cfg := &config.Config{
		Version: version,
		Backends: []config.BackendConfig{
			{ID: "be", Endpoints: []string{"be.internal:9000"}},
		},
		Routes: routes,
	}
	snap, err := snapshot.Build(cfg, snapshot.Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return snap
}

func request(proto exchange.Protocol, method, host, path string) *exchange.Request {
	req := exchange.New(proto)
	req.Method = method
	req.Host = host
	req.Path = path
	return req
}

func resolveID(t *testing.T, m *Matcher, req *exchange.Request) string {
	t.Helper()
	route, lease, err := m.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve(%s %s %s): %v", req.Protocol, req.Method, req.Path, err)
	}
	defer lease.Release()
	return route.ID
}

func TestResolveTiers(t *testing.T) {
	m := New()
	m.Swap(buildSnapshot(t, "v1", []config.RouteConfig{
		{ID: "v1-prefix", Path: "/v1", Prefix: true, Backend: "be"},
		{ID: "chat-exact", Path: "/v1/chat", Backend: "be"},
		{ID: "http-fallback", Backend: "be"},
		{ID: "mcp-fallback", Protocol: "mcp", Backend: "be"},
	}))

	tests := []struct {
		name string
		req  *exchange.Request
		want string
	}{
		{"exact beats earlier prefix", request(exchange.ProtoHTTP, "GET", "", "/v1/chat"), "chat-exact"},
		{"prefix covers subpath", request(exchange.ProtoHTTP, "GET", "", "/v1/other"), "v1-prefix"},
		{"fallback catches the rest", request(exchange.ProtoHTTP, "GET", "", "/nowhere"), "http-fallback"},
		{"fallback is per protocol", request(exchange.ProtoMCP, "tools/call", "", "/anything"), "mcp-fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveID(t, m, tt.req); got != tt.want {
				t.Errorf("resolved %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveFirstDeclaredWinsWithinTier(t *testing.T) {
	m := New()
	m.Swap(buildSnapshot(t, "v1", []config.RouteConfig{
		{ID: "broad", Path: "/v1", Prefix: true, Backend: "be"},
		{ID: "narrow", Path: "/v1/chat", Prefix: true, Backend: "be"},
	}))

	// The longer prefix is declared later, so the broad route wins.
	if got := resolveID(t, m, request(exchange.ProtoHTTP, "GET", "", "/v1/chat/extra")); got != "broad" {
		t.Errorf("resolved %q, want broad (operator order, not longest prefix)", got)
	}
}

func TestResolveHostSpecific(t *testing.T) {
	m := New()
	m.Swap(buildSnapshot(t, "v1", []config.RouteConfig{
		{ID: "api-host", Host: "api.example.com", Path: "/run", Backend: "be"},
		{ID: "any-host", Path: "/run", Backend: "be"},
	}))

	if got := resolveID(t, m, request(exchange.ProtoHTTP, "POST", "api.example.com:8443", "/run")); got != "api-host" {
		t.Errorf("resolved %q, want api-host (port must be ignored)", got)
	}
	if got := resolveID(t, m, request(exchange.ProtoHTTP, "POST", "other.example.com", "/run")); got != "any-host" {
		t.Errorf("resolved %q, want any-host", got)
	}
}

func TestResolveMethodNotAllowed(t *testing.T) {
	m := New()
	m.Swap(buildSnapshot(t, "v1", []config.RouteConfig{
		{ID: "post-only", Path: "/run", Methods: []string{"POST"}, Backend: "be"},
	}))

	_, _, err := m.Resolve(request(exchange.ProtoHTTP, "DELETE", "", "/run"))
	gerr, ok := errors.IsGatewayError(err)
	if !ok || gerr.Code != 405 {
		t.Fatalf("err = %v, want 405", err)
	}

	_, _, err = m.Resolve(request(exchange.ProtoHTTP, "GET", "", "/absent"))
	gerr, ok = errors.IsGatewayError(err)
	if !ok || gerr.Code != 404 {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestResolveWithoutSnapshot(t *testing.T) {
	m := New()
	_, _, err := m.Resolve(request(exchange.ProtoHTTP, "GET", "", "/"))
	gerr, ok := errors.IsGatewayError(err)
	if !ok || gerr.Code != 503 {
		t.Fatalf("err = %v, want 503 before first snapshot", err)
	}
}

func TestSwapKeepsLeasedSnapshotAlive(t *testing.T) {
	m := New()

	first := buildSnapshot(t, "v1", []config.RouteConfig{
		{ID: "old-route", Path: "/run", Backend: "be"},
	})
	var retired atomic.Int32
	first.OnRetire = func(*snapshot.Snapshot) { retired.Add(1) }
	m.Swap(first)

	route, lease, err := m.Resolve(request(exchange.ProtoHTTP, "GET", "", "/run"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.ID != "old-route" {
		t.Fatalf("resolved %q", route.ID)
	}

	second := buildSnapshot(t, "v2", []config.RouteConfig{
		{ID: "new-route", Path: "/run", Backend: "be"},
	})
	if old := m.Swap(second); old != first {
		t.Fatal("Swap did not return the superseded snapshot")
	}

	if retired.Load() != 0 {
		t.Fatal("superseded snapshot retired while an exchange still held it")
	}
	if got := resolveID(t, m, request(exchange.ProtoHTTP, "GET", "", "/run")); got != "new-route" {
		t.Errorf("new resolves hit %q, want new-route", got)
	}

	lease.Release()
	if retired.Load() != 1 {
		t.Fatalf("retired = %d after last lease released, want 1", retired.Load())
	}

	if got := m.Current().Version; got != "v2" {
		t.Errorf("Current().Version = %q, want v2", got)
	}
}

func TestResolveCachesRepeatLookups(t *testing.T) {
	m := New()
	m.Swap(buildSnapshot(t, "v1", []config.RouteConfig{
		{ID: "run", Path: "/run", Backend: "be"},
	}))

	req := request(exchange.ProtoHTTP, "GET", "api.example.com", "/run")
	first := resolveID(t, m, req)
	second := resolveID(t, m, req)
	if first != second || first != "run" {
		t.Errorf("cached resolution diverged: %q then %q", first, second)
	}
}
