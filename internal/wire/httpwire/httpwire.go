// Package httpwire is the generic HTTP passthrough adapter. It performs no
// semantic translation: requests map field for field onto the exchange
// model, responses map back, and streamed bodies relay chunk by chunk. TCP
// listeners drive the Adapter over a raw connection; HTTP listeners use
// FromHTTP and WriteHTTP against native net/http objects.
package httpwire

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/wire"
)

func init() {
	wire.Register("http", func() wire.Adapter { return &Adapter{} })
}

// Adapter parses HTTP/1.x requests from a raw connection.
type Adapter struct{}

// Name returns the adapter name.
func (a *Adapter) Name() string { return "http" }

// Parse reads one HTTP/1.x request off the connection. The body is
// buffered up to the connection's cap; oversized bodies fail as a parse
// fault before any route work happens.
func (a *Adapter) Parse(ctx context.Context, conn *wire.Conn) (*exchange.Request, error) {
	httpReq, err := http.ReadRequest(conn.R)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		// Deadline expiry passes through raw so the session can tell an
		// idle connection from malformed input.
		var nerr net.Error
		if stderrors.As(err, &nerr) && nerr.Timeout() {
			return nil, err
		}
		return nil, errors.ErrParse.WithDetails(fmt.Sprintf("read request: %v", err))
	}

	body, err := ReadBody(httpReq.Body, conn.MaxBody)
	if err != nil {
		return nil, err
	}
	return FromHTTP(httpReq, body, conn.ClientAddr, conn.TLS), nil
}

// WriteResponse serializes the response onto the connection. Streamed
// bodies go out with chunked transfer encoding; a stream that ends in an
// error or truncation leaves the chunked body unterminated and the
// returned error tells the session to drop the connection.
func (a *Adapter) WriteResponse(ctx context.Context, conn *wire.Conn, req *exchange.Request, resp *exchange.Response) error {
	conn.Lock()
	defer conn.Unlock()
	w := conn.Writer()

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	stream, ok := resp.Body.(*exchange.StreamBody)
	if !ok {
		var data []byte
		if b, bok := resp.Body.(*exchange.BufferedBody); bok {
			data = b.Bytes()
		}
		header := cloneHeader(resp.Header)
		header.Set("Content-Length", strconv.Itoa(len(data)))
		if err := writeHead(w, status, header); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.Flush()
	}

	header := cloneHeader(resp.Header)
	header.Del("Content-Length")
	header.Set("Transfer-Encoding", "chunked")
	if err := writeHead(w, status, header); err != nil {
		exchange.Drain(stream)
		return err
	}
	cw := httputil.NewChunkedWriter(w)
	sse := isEventStream(header)
	for chunk := range stream.Chunks() {
		data := chunk.Data
		if sse {
			data = FormatEvent(chunk)
		}
		if len(data) == 0 {
			continue
		}
		if _, err := cw.Write(data); err != nil {
			exchange.Drain(stream)
			return err
		}
		if err := w.Flush(); err != nil {
			exchange.Drain(stream)
			return err
		}
	}
	if end := stream.End(); end.Err != nil || end.Truncated {
		if end.Err != nil {
			return end.Err
		}
		return fmt.Errorf("httpwire: stream truncated")
	}
	if err := cw.Close(); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// WriteError writes the gateway error as a JSON body with its mapped
// status code.
func (a *Adapter) WriteError(ctx context.Context, conn *wire.Conn, req *exchange.Request, gerr *errors.GatewayError) error {
	return a.WriteResponse(ctx, conn, req, ErrorResponse(gerr))
}

// FromHTTP maps a parsed HTTP request onto the exchange model. The body
// must already be read. clientAddr falls back to the request's RemoteAddr
// when empty.
func FromHTTP(r *http.Request, body []byte, clientAddr string, tlsState *tls.ConnectionState) *exchange.Request {
	req := exchange.New(exchange.ProtoHTTP)
	req.Method = r.Method
	req.Host = hostOnly(r.Host)
	req.Path = r.URL.Path
	req.Query = r.URL.Query()
	req.Header = r.Header
	if len(body) > 0 {
		req.Body = exchange.Buffered(body)
	}
	if clientAddr == "" {
		clientAddr = r.RemoteAddr
	}
	req.ClientAddr = clientAddr
	if tlsState == nil {
		tlsState = r.TLS
	}
	req.TLS = tlsState
	return req
}

// WriteHTTP writes the response through a native net/http ResponseWriter.
// Streamed bodies flush per chunk; server-sent event streams re-frame each
// chunk into the SSE wire format.
func WriteHTTP(w http.ResponseWriter, resp *exchange.Response) error {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	stream, ok := resp.Body.(*exchange.StreamBody)
	if !ok {
		var data []byte
		if b, bok := resp.Body.(*exchange.BufferedBody); bok {
			data = b.Bytes()
		}
		if w.Header().Get("Content-Length") == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		}
		w.WriteHeader(status)
		_, err := w.Write(data)
		return err
	}

	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	sse := isEventStream(w.Header())
	for chunk := range stream.Chunks() {
		data := chunk.Data
		if sse {
			data = FormatEvent(chunk)
		}
		if len(data) == 0 {
			continue
		}
		if _, err := w.Write(data); err != nil {
			exchange.Drain(stream)
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if end := stream.End(); end.Err != nil {
		return end.Err
	} else if end.Truncated {
		return fmt.Errorf("httpwire: stream truncated")
	}
	return nil
}

// ErrorResponse converts a gateway error into an exchange response with the
// error's JSON form as body.
func ErrorResponse(gerr *errors.GatewayError) *exchange.Response {
	resp := exchange.NewResponse(gerr.Code)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = exchange.Buffered(gerr.JSON())
	return resp
}

// ReadBody drains and closes an HTTP body, enforcing the byte cap when
// limit is positive.
func ReadBody(rc io.ReadCloser, limit int64) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()
	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.ErrParse.WithDetails(fmt.Sprintf("read body: %v", err))
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, errors.ErrBodyTooLarge
	}
	return body, nil
}

// FormatEvent renders one stream chunk as a server-sent event. The chunk
// meta's "event" key becomes the event name; data lines split on newlines
// per the SSE framing rules.
func FormatEvent(c exchange.Chunk) []byte {
	var b strings.Builder
	if name := c.Meta["event"]; name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(string(c.Data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func writeHead(w io.Writer, status int, header http.Header) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

func hostOnly(host string) string {
	if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
