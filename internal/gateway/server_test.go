package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentwire/gateway/internal/config"
)

func serverConfig(backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Version = "v1"
	cfg.Listeners = []config.ListenerConfig{
		{ID: "main", Address: "127.0.0.1:0", Protocol: "http"},
	}
	cfg.Backends = []config.BackendConfig{
		{ID: "origin", Endpoints: []string{backendURL}},
	}
	cfg.Routes = []config.RouteConfig{
		{ID: "api", Protocol: "http", Path: "/api", Prefix: true, Backend: "origin"},
	}
	return cfg
}

func TestServerEndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("served"))
	}))
	defer backend.Close()

	srv, err := NewServer(serverConfig(backend.URL), "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown(2 * time.Second)

	ln, ok := srv.Listeners().Get("main")
	if !ok {
		t.Fatal("listener main not registered")
	}
	resp, err := http.Get("http://" + ln.Addr() + "/api/ping")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "served" {
		t.Fatalf("response = %d %q, want 200 served", resp.StatusCode, body)
	}
}

func TestServerApplyConfig(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	srv, err := NewServer(serverConfig(backend.URL), "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Shutdown(time.Second)

	// A document referencing an unknown backend is rejected whole.
	bad := serverConfig(backend.URL)
	bad.Version = "v9"
	bad.Routes[0].Backend = "missing"
	if err := srv.applyConfig(bad); err == nil {
		t.Fatal("invalid config accepted")
	}
	if got := srv.Gateway().Current().Version; got != "v1" {
		t.Fatalf("active version = %q after rejected reload, want v1", got)
	}

	good := serverConfig(backend.URL)
	good.Version = "v2"
	if err := srv.applyConfig(good); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if got := srv.Gateway().Current().Version; got != "v2" {
		t.Fatalf("active version = %q, want v2", got)
	}
}

func TestServerRejectsUnknownListenerProtocol(t *testing.T) {
	cfg := serverConfig("http://127.0.0.1:1")
	cfg.Listeners[0].Protocol = "quic"
	if _, err := NewServer(cfg, ""); err == nil {
		t.Fatal("NewServer accepted unknown listener protocol")
	}
}
