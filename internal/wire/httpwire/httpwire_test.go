package httpwire

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/wire"
)

func pipeConn(t *testing.T) (net.Conn, *wire.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, wire.NewConn(server, "10.1.2.3:4000", nil)
}

func TestParseRequest(t *testing.T) {
	client, conn := pipeConn(t)

	go func() {
		io.WriteString(client, "POST /v1/chat?stream=true HTTP/1.1\r\n"+
			"Host: api.example.com\r\n"+
			"Content-Type: application/json\r\n"+
			"Content-Length: 16\r\n"+
			"\r\n"+
			`{"model":"gpt4"}`)
	}()

	a := &Adapter{}
	req, err := a.Parse(context.Background(), conn)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Protocol != exchange.ProtoHTTP {
		t.Fatalf("protocol = %s", req.Protocol)
	}
	if req.Method != "POST" || req.Path != "/v1/chat" || req.Host != "api.example.com" {
		t.Fatalf("got %s %s host=%s", req.Method, req.Path, req.Host)
	}
	if req.Query.Get("stream") != "true" {
		t.Fatalf("query = %v", req.Query)
	}
	if req.ClientAddr != "10.1.2.3:4000" {
		t.Fatalf("client addr = %s", req.ClientAddr)
	}
	body := req.Body.(*exchange.BufferedBody).Bytes()
	if string(body) != `{"model":"gpt4"}` {
		t.Fatalf("body = %s", body)
	}
}

func TestParseBodyTooLarge(t *testing.T) {
	client, conn := pipeConn(t)
	conn.MaxBody = 8

	go func() {
		io.WriteString(client, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 20\r\n\r\n"+
			"aaaaaaaaaaaaaaaaaaaa")
	}()

	a := &Adapter{}
	_, err := a.Parse(context.Background(), conn)
	ge := errors.FromError(err)
	if ge != errors.ErrBodyTooLarge {
		t.Fatalf("err = %v, want body too large", err)
	}
}

func TestParseEOFOnClosedConn(t *testing.T) {
	client, conn := pipeConn(t)
	client.Close()

	a := &Adapter{}
	if _, err := a.Parse(context.Background(), conn); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestWriteResponseBuffered(t *testing.T) {
	client, conn := pipeConn(t)

	resp := exchange.NewResponse(200)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = exchange.Buffered([]byte(`{"ok":true}`))

	a := &Adapter{}
	done := make(chan error, 1)
	go func() { done <- a.WriteResponse(context.Background(), conn, nil, resp) }()

	parsed, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer parsed.Body.Close()
	if parsed.StatusCode != 200 {
		t.Fatalf("status = %d", parsed.StatusCode)
	}
	body, _ := io.ReadAll(parsed.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %s", body)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
}

func TestWriteResponseStreamChunked(t *testing.T) {
	client, conn := pipeConn(t)

	stream := exchange.NewStream(4)
	resp := exchange.NewResponse(200)
	resp.Header.Set("Content-Type", "application/octet-stream")
	resp.Body = stream

	a := &Adapter{}
	done := make(chan error, 1)
	go func() { done <- a.WriteResponse(context.Background(), conn, nil, resp) }()
	go func() {
		ctx := context.Background()
		stream.Send(ctx, exchange.Chunk{Data: []byte("hello ")})
		stream.Send(ctx, exchange.Chunk{Data: []byte("world")})
		stream.Close(exchange.End{})
	}()

	parsed, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer parsed.Body.Close()
	if len(parsed.TransferEncoding) == 0 || parsed.TransferEncoding[0] != "chunked" {
		t.Fatalf("transfer encoding = %v", parsed.TransferEncoding)
	}
	body, err := io.ReadAll(parsed.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q", body)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
}

func TestWriteHTTPStreamSSE(t *testing.T) {
	stream := exchange.NewStream(4)
	resp := exchange.NewResponse(200)
	resp.Header.Set("Content-Type", "text/event-stream")
	resp.Body = stream

	go func() {
		ctx := context.Background()
		stream.Send(ctx, exchange.Chunk{Data: []byte(`{"delta":"hi"}`), Meta: map[string]string{"event": "message"}})
		stream.Send(ctx, exchange.Chunk{Data: []byte("[DONE]")})
		stream.Close(exchange.End{})
	}()

	rec := httptest.NewRecorder()
	if err := WriteHTTP(rec, resp); err != nil {
		t.Fatalf("WriteHTTP: %v", err)
	}

	want := "event: message\ndata: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Fatalf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestWriteHTTPStreamErrorSurfaces(t *testing.T) {
	stream := exchange.NewStream(1)
	resp := exchange.NewResponse(200)
	resp.Body = stream
	stream.Close(exchange.End{Err: io.ErrUnexpectedEOF})

	rec := httptest.NewRecorder()
	if err := WriteHTTP(rec, resp); err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}

func TestWriteErrorJSON(t *testing.T) {
	client, conn := pipeConn(t)

	a := &Adapter{}
	done := make(chan error, 1)
	go func() { done <- a.WriteError(context.Background(), conn, nil, errors.ErrNoRoute) }()

	parsed, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer parsed.Body.Close()
	if parsed.StatusCode != 404 {
		t.Fatalf("status = %d", parsed.StatusCode)
	}
	body, _ := io.ReadAll(parsed.Body)
	if !strings.Contains(string(body), `"kind":"no_route"`) {
		t.Fatalf("body = %s", body)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteError: %v", err)
	}
}

func TestFromHTTPNative(t *testing.T) {
	r := httptest.NewRequest("GET", "http://gw.local:9000/tools?x=1", nil)
	r.RemoteAddr = "192.0.2.1:1234"

	req := FromHTTP(r, nil, "", nil)
	if req.Host != "gw.local" {
		t.Fatalf("host = %s", req.Host)
	}
	if req.ClientAddr != "192.0.2.1:1234" {
		t.Fatalf("client addr = %s", req.ClientAddr)
	}
	if req.Body != nil {
		t.Fatalf("body = %v, want nil", req.Body)
	}
	if req.ReceivedAt.IsZero() || time.Since(req.ReceivedAt) > time.Minute {
		t.Fatalf("received at = %v", req.ReceivedAt)
	}
}
