// Package wire defines the protocol adapter contract. An adapter owns one
// side of a connection: it parses raw wire data into exchange requests and
// serializes exchange responses (or gateway errors) back into the
// connection's native format. Adapters are stateless; per-connection state
// lives on the Conn and per-request state on the exchange.
package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"sync"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
)

// Conn wraps one accepted connection for adapter use. Reads go through the
// buffered reader so adapters can peek; writes go through WriteFrame, which
// serializes concurrent writers so multiplexed adapters can complete
// exchanges out of order.
type Conn struct {
	R *bufio.Reader

	ClientAddr string
	TLS        *tls.ConnectionState

	// MaxBody caps how many request body bytes an adapter will buffer for
	// one message. Zero means the listener default applies upstream of the
	// adapter and the adapter itself does not enforce a cap.
	MaxBody int64

	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewConn wraps rw. clientAddr is the remote address string; tlsState is
// non-nil when the connection arrived over TLS.
func NewConn(rw io.ReadWriteCloser, clientAddr string, tlsState *tls.ConnectionState) *Conn {
	return &Conn{
		R:          bufio.NewReader(rw),
		ClientAddr: clientAddr,
		TLS:        tlsState,
		w:          bufio.NewWriter(rw),
		c:          rw,
	}
}

// WriteFrame writes one complete frame and flushes. Safe for concurrent use.
func (c *Conn) WriteFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

// Lock takes the write lock for adapters that must emit a multi-part frame
// (for example an HTTP response with a streamed body) without interleaving.
func (c *Conn) Lock() { c.mu.Lock() }

// Unlock releases the write lock taken by Lock.
func (c *Conn) Unlock() { c.mu.Unlock() }

// Writer returns the underlying buffered writer. Callers must hold Lock and
// flush before Unlock.
func (c *Conn) Writer() *bufio.Writer { return c.w }

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Adapter parses and serializes one wire protocol.
//
// Parse returns io.EOF when the peer closed cleanly between requests. Any
// malformed input is returned as a gateway error of kind parse; the session
// layer decides whether the connection survives it.
//
// WriteError takes the request the error belongs to; it is nil when parsing
// itself failed and no request exists yet.
type Adapter interface {
	Name() string
	Parse(ctx context.Context, conn *Conn) (*exchange.Request, error)
	WriteResponse(ctx context.Context, conn *Conn, req *exchange.Request, resp *exchange.Response) error
	WriteError(ctx context.Context, conn *Conn, req *exchange.Request, gerr *errors.GatewayError) error
}
