package transform

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func buildStage(t *testing.T, params map[string]interface{}) policy.Stage {
	t.Helper()
	stage, err := policy.New("transform", "rewrite", params, policy.Deps{})
	if err != nil {
		t.Fatalf("build stage: %v", err)
	}
	return stage
}

func TestRequestHeaderRules(t *testing.T) {
	stage := buildStage(t, map[string]interface{}{
		"request": map[string]interface{}{
			"set_headers":    map[string]interface{}{"X-Gateway": "agentwire", "X-Client": "{{ .ClientID }}"},
			"remove_headers": []string{"X-Internal-Debug"},
		},
	})

	req := exchange.New(exchange.ProtoHTTP)
	req.Header.Set("X-Internal-Debug", "1")
	req.Identity = &exchange.Identity{ClientID: "svc-a"}

	d, err := stage.ApplyRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("ApplyRequest: %v", err)
	}
	if d.Op != policy.OpAllow {
		t.Fatalf("transform never rejects")
	}
	if req.Header.Get("X-Internal-Debug") != "" {
		t.Fatalf("header not removed")
	}
	if got := req.Header.Get("X-Gateway"); got != "agentwire" {
		t.Fatalf("static header not set, got %q", got)
	}
	if got := req.Header.Get("X-Client"); got != "svc-a" {
		t.Fatalf("templated header not rendered, got %q", got)
	}
}

func TestRequestBodyFieldOps(t *testing.T) {
	stage := buildStage(t, map[string]interface{}{
		"request": map[string]interface{}{
			"set_fields":    map[string]interface{}{"model": "gpt-4o-mini", "metadata.source": "gateway"},
			"remove_fields": []string{"user"},
			"rename_fields": map[string]interface{}{"max_tokens": "max_completion_tokens"},
		},
	})

	req := exchange.New(exchange.ProtoHTTP)
	req.Body = exchange.Buffered([]byte(`{"model":"gpt-4","max_tokens":100,"user":"u-1"}`))

	if _, err := stage.ApplyRequest(context.Background(), req); err != nil {
		t.Fatalf("ApplyRequest: %v", err)
	}

	out := string(req.Body.(*exchange.BufferedBody).Bytes())
	for _, want := range []string{`"model":"gpt-4o-mini"`, `"max_completion_tokens":100`, `"source":"gateway"`} {
		if !strings.Contains(out, want) {
			t.Errorf("body missing %s:\n%s", want, out)
		}
	}
	for _, gone := range []string{`"user"`, `"max_tokens":100`} {
		if strings.Contains(out, gone) {
			t.Errorf("body still contains %s:\n%s", gone, out)
		}
	}
}

func TestNonJSONBodyUntouched(t *testing.T) {
	stage := buildStage(t, map[string]interface{}{
		"request": map[string]interface{}{
			"set_fields": map[string]interface{}{"a": 1},
		},
	})

	req := exchange.New(exchange.ProtoHTTP)
	req.Body = exchange.Buffered([]byte("plain text payload"))

	if _, err := stage.ApplyRequest(context.Background(), req); err != nil {
		t.Fatalf("ApplyRequest: %v", err)
	}
	if got := string(req.Body.(*exchange.BufferedBody).Bytes()); got != "plain text payload" {
		t.Fatalf("non-JSON body was modified: %q", got)
	}
}

func TestResponseBodyTemplate(t *testing.T) {
	stage := buildStage(t, map[string]interface{}{
		"response": map[string]interface{}{
			"template": `{"wrapped":{{ .Body.value }},"via":"{{ .Protocol }}"}`,
		},
	})

	req := exchange.New(exchange.ProtoMCP)
	resp := exchange.NewResponse(http.StatusOK)
	resp.Body = exchange.Buffered([]byte(`{"value":42}`))

	rs := stage.(policy.ResponseStage)
	if err := rs.ApplyResponse(context.Background(), req, resp); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}
	got := string(resp.Body.(*exchange.BufferedBody).Bytes())
	if got != `{"wrapped":42,"via":"mcp"}` {
		t.Fatalf("template output = %s", got)
	}
}

func TestResponseCompressionGzip(t *testing.T) {
	stage := buildStage(t, map[string]interface{}{
		"response": map[string]interface{}{
			"compress": "gzip",
		},
	})

	req := exchange.New(exchange.ProtoHTTP)
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp := exchange.NewResponse(http.StatusOK)
	resp.Body = exchange.Buffered(bytes.Repeat([]byte("agentwire "), 100))

	rs := stage.(policy.ResponseStage)
	if err := rs.ApplyResponse(context.Background(), req, resp); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}
	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", got)
	}

	zr, err := gzip.NewReader(bytes.NewReader(resp.Body.(*exchange.BufferedBody).Bytes()))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(plain, bytes.Repeat([]byte("agentwire "), 100)) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestCompressionSkipsWhenNotAccepted(t *testing.T) {
	stage := buildStage(t, map[string]interface{}{
		"response": map[string]interface{}{"compress": "br"},
	})

	req := exchange.New(exchange.ProtoHTTP)
	req.Header.Set("Accept-Encoding", "gzip")
	resp := exchange.NewResponse(http.StatusOK)
	resp.Body = exchange.Buffered(bytes.Repeat([]byte("x"), 1000))

	rs := stage.(policy.ResponseStage)
	if err := rs.ApplyResponse(context.Background(), req, resp); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatalf("must not compress with unaccepted codec")
	}
}

func TestCompressionSkipsSmallBodies(t *testing.T) {
	stage := buildStage(t, map[string]interface{}{
		"response": map[string]interface{}{"compress": "gzip"},
	})

	req := exchange.New(exchange.ProtoHTTP)
	req.Header.Set("Accept-Encoding", "gzip")
	resp := exchange.NewResponse(http.StatusOK)
	resp.Body = exchange.Buffered([]byte("tiny"))

	rs := stage.(policy.ResponseStage)
	if err := rs.ApplyResponse(context.Background(), req, resp); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatalf("tiny bodies must not be compressed")
	}
}

func TestAutoCompressionPrefersStrongest(t *testing.T) {
	accepted := acceptedEncodings("gzip, br;q=0.9, zstd")
	if got := pickEncoding(accepted); got != "zstd" {
		t.Fatalf("expected zstd preferred, got %q", got)
	}
	if got := pickEncoding(acceptedEncodings("gzip")); got != "gzip" {
		t.Fatalf("expected gzip, got %q", got)
	}
	if got := pickEncoding(acceptedEncodings("")); got != "" {
		t.Fatalf("expected no codec, got %q", got)
	}
}

func TestValidation(t *testing.T) {
	if _, err := policy.New("transform", "t", map[string]interface{}{}, policy.Deps{}); err == nil {
		t.Fatalf("expected error for empty rules")
	}
	if _, err := policy.New("transform", "t", map[string]interface{}{
		"request": map[string]interface{}{"compress": "gzip"},
	}, policy.Deps{}); err == nil {
		t.Fatalf("expected error for request-side compression")
	}
	if _, err := policy.New("transform", "t", map[string]interface{}{
		"response": map[string]interface{}{"compress": "lz4"},
	}, policy.Deps{}); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
	if _, err := policy.New("transform", "t", map[string]interface{}{
		"response": map[string]interface{}{"template": "{{ bad"},
	}, policy.Deps{}); err == nil {
		t.Fatalf("expected error for bad template")
	}
}
