package provider

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/exchange"
)

func mustLookup(t *testing.T, name string) Dialect {
	t.Helper()
	d, ok := Lookup(name)
	if !ok {
		t.Fatalf("dialect %q not registered", name)
	}
	return d
}

func chatRequest(body string) *exchange.Request {
	req := exchange.New(exchange.ProtoHTTP)
	req.Method = http.MethodPost
	req.Path = "/v1/chat/completions"
	req.Body = exchange.Buffered([]byte(body))
	return req
}

func shapedBody(t *testing.T, hreq *http.Request) []byte {
	t.Helper()
	data, err := io.ReadAll(hreq.Body)
	if err != nil {
		t.Fatalf("read shaped body: %v", err)
	}
	return data
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"anthropic", "gemini", "none", "openai"} {
		if !Known(name) {
			t.Errorf("Known(%q) = false", name)
		}
	}
	if Known("cohere") {
		t.Error("Known(cohere) = true")
	}

	names := Names()
	if len(names) < 4 {
		t.Fatalf("Names() = %v, want at least 4 dialects", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("Names() not sorted: %v", names)
		}
	}
}

func TestOpenAIShapePassthrough(t *testing.T) {
	d := mustLookup(t, "openai")
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`

	hreq, err := d.Shape(context.Background(), chatRequest(body))
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if hreq.Method != http.MethodPost || hreq.URL.Path != "/v1/chat/completions" {
		t.Errorf("shaped %s %s, want POST /v1/chat/completions", hreq.Method, hreq.URL.Path)
	}
	if got := hreq.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q, want text/event-stream", got)
	}
	if got := string(shapedBody(t, hreq)); got != body {
		t.Errorf("body rewritten:\n got %s\nwant %s", got, body)
	}
}

func TestOpenAIParseStreamEvent(t *testing.T) {
	d := mustLookup(t, "openai")

	chunk, done, err := d.ParseStreamEvent("", []byte(`{"choices":[{"delta":{"content":"x"}}]}`))
	if err != nil || done || chunk == nil {
		t.Fatalf("data event: chunk=%v done=%v err=%v", chunk, done, err)
	}

	chunk, done, err = d.ParseStreamEvent("", []byte("[DONE]"))
	if err != nil || !done || chunk != nil {
		t.Fatalf("[DONE]: chunk=%v done=%v err=%v", chunk, done, err)
	}
}

func TestNoneShapeHTTP(t *testing.T) {
	d := mustLookup(t, "none")
	req := exchange.New(exchange.ProtoHTTP)
	req.Method = http.MethodGet
	req.Path = "/tools/search"
	req.Query.Set("q", "go")
	req.Header.Set("X-Request-Id", "r1")

	hreq, err := d.Shape(context.Background(), req)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if hreq.Method != http.MethodGet {
		t.Errorf("method = %s, want GET", hreq.Method)
	}
	if hreq.URL.Path != "/tools/search" || hreq.URL.RawQuery != "q=go" {
		t.Errorf("url = %s, want /tools/search?q=go", hreq.URL.String())
	}
	if got := hreq.Header.Get("X-Request-Id"); got != "r1" {
		t.Errorf("X-Request-Id = %q, want r1", got)
	}
}

func TestNoneShapeRPC(t *testing.T) {
	d := mustLookup(t, "none")
	req := exchange.New(exchange.ProtoMCP)
	req.Method = "tools/call"
	req.Path = "/mcp"
	req.Body = exchange.Buffered([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))

	hreq, err := d.Shape(context.Background(), req)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if hreq.Method != http.MethodPost {
		t.Errorf("method = %s, want POST for rpc exchange", hreq.Method)
	}
	if got := hreq.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

func TestNoneParseStreamEventKeepsEventName(t *testing.T) {
	d := mustLookup(t, "none")
	chunk, done, err := d.ParseStreamEvent("message", []byte(`{"x":1}`))
	if err != nil || done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if chunk.Meta["event"] != "message" {
		t.Errorf("Meta[event] = %q, want message", chunk.Meta["event"])
	}
	if !gjson.GetBytes(chunk.Data, "x").Exists() {
		t.Error("chunk data not passed through")
	}
}
