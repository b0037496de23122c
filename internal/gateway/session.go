package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/logging"
	"github.com/agentwire/gateway/internal/wire"
	"github.com/agentwire/gateway/internal/wire/httpwire"
)

const (
	defaultSessionIdle = 5 * time.Minute

	// sniffLimit bounds how many bytes auto mode examines before giving
	// up on a connection that speaks nothing recognizable.
	sniffLimit = 512
)

// Session runs the exchange loop for one TCP listener. It selects the
// wire adapter (fixed by listener mode, or sniffed per connection in auto
// mode), parses messages, executes them through the gateway and writes
// responses back. JSON-RPC sessions multiplex: each request runs in its
// own goroutine and responses complete in whatever order the backends
// answer, serialized onto the wire by the conn's frame lock.
type Session struct {
	gw      *Gateway
	mode    string
	maxBody int64
	idle    time.Duration
}

// Session returns the connection handler serving lc's traffic.
func (g *Gateway) Session(lc config.ListenerConfig) *Session {
	mode := lc.Mode
	if mode == "" {
		mode = "auto"
	}
	idle := lc.IdleTimeout
	if idle == 0 {
		idle = defaultSessionIdle
	}
	return &Session{gw: g, mode: mode, maxBody: lc.MaxBodyBytes, idle: idle}
}

// HandleConn implements listener.ConnHandler.
func (s *Session) HandleConn(ctx context.Context, nc net.Conn) {
	st := &connState{nc: nc, idle: s.idle}
	st.arm()

	var tlsState *tls.ConnectionState
	if tc, ok := nc.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			logging.Debug("tls handshake failed",
				zap.String("client", nc.RemoteAddr().String()), zap.Error(err))
			return
		}
		cs := tc.ConnectionState()
		tlsState = &cs
	}

	conn := wire.NewConn(nc, nc.RemoteAddr().String(), tlsState)
	conn.MaxBody = s.maxBody

	name := s.mode
	if name == "auto" {
		var err error
		name, err = sniffProtocol(conn)
		if err != nil {
			if err != io.EOF && !isTimeout(err) {
				logging.Warn("protocol sniff failed",
					zap.String("client", conn.ClientAddr), zap.Error(err))
			}
			return
		}
	}
	adapter, err := wire.New(name)
	if err != nil {
		logging.Error("no adapter for listener mode",
			zap.String("mode", name), zap.Error(err))
		return
	}

	s.serve(ctx, st, conn, adapter)
}

// sniffProtocol waits for the first frame line and names the adapter that
// owns the connection. Both candidate wire formats end their first unit
// with a newline (the JSON-RPC frame, the HTTP request line), so sniffing
// a complete line decides without guessing at partial data.
func sniffProtocol(conn *wire.Conn) (string, error) {
	want := 1
	for {
		buf, err := conn.R.Peek(want)
		if b := conn.R.Buffered(); b > len(buf) {
			buf, _ = conn.R.Peek(b)
		}
		done := bytes.IndexByte(buf, '\n') >= 0 || len(buf) >= sniffLimit
		if !done && err != nil {
			if len(buf) == 0 {
				return "", err
			}
			done = true
		}
		if done {
			name := wire.Sniff(buf)
			if name == "" {
				return "", errors.ErrParse.WithDetails("unrecognized wire protocol")
			}
			return name, nil
		}
		want = len(buf) + 1
	}
}

func (s *Session) serve(ctx context.Context, st *connState, conn *wire.Conn, adapter wire.Adapter) {
	jsonrpc := adapter.Name() == "mcp" || adapter.Name() == "a2a"
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		st.arm()
		req, err := adapter.Parse(ctx, conn)
		if err != nil {
			if err == io.EOF {
				return
			}
			if isTimeout(err) {
				logging.Debug("session idle timeout",
					zap.String("client", conn.ClientAddr))
				return
			}
			ge := errors.FromError(err)
			// An oversized frame leaves unread bytes in the stream, so
			// framing is lost and the connection cannot continue. The
			// same goes for any http parse fault: the body may be half
			// consumed. JSON-RPC frames are newline-delimited, so other
			// faults there only poison the one frame.
			fatal := !jsonrpc || ge.Code == http.StatusRequestEntityTooLarge
			if werr := adapter.WriteError(ctx, conn, nil, ge); werr != nil {
				return
			}
			if fatal {
				return
			}
			continue
		}

		st.begin()
		if jsonrpc {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer st.end()
				s.exchange(ctx, conn, adapter, req)
			}()
		} else {
			s.exchange(ctx, conn, adapter, req)
			st.end()
		}
	}
}

// exchange runs one parsed request through the gateway and writes the
// outcome. A failed write closes the connection, which unblocks the parse
// loop and ends the session.
func (s *Session) exchange(ctx context.Context, conn *wire.Conn, adapter wire.Adapter, req *exchange.Request) {
	defer func() {
		if rc := recover(); rc != nil {
			logging.Error("session exchange panicked",
				zap.Any("panic", rc),
				zap.String("request_id", req.ID),
				zap.Stack("stack"))
			adapter.WriteError(ctx, conn, req, errors.ErrInternalServer.WithRequestID(req.ID))
		}
	}()

	if t := s.gw.tracer; t != nil && t.Enabled() {
		ctx = t.Extract(ctx, req.Header)
		var span trace.Span
		ctx, span = t.StartExchange(ctx, string(req.Protocol), req.Method, req.Path)
		defer span.End()
		t.Inject(ctx, req.Header)
	}

	track := s.gw.track(req)
	resp, release, err := s.gw.Execute(ctx, req)
	defer release()
	if err != nil {
		ge := errors.FromError(err)
		if werr := s.writeError(ctx, conn, adapter, req, ge); werr != nil {
			logging.Debug("error write failed",
				zap.String("request_id", req.ID), zap.Error(werr))
			conn.Close()
		}
		track.finish(ge.Code, ge.Kind)
		return
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if werr := adapter.WriteResponse(ctx, conn, req, resp); werr != nil {
		logging.Debug("response write failed",
			zap.String("request_id", req.ID), zap.Error(werr))
		conn.Close()
	}
	track.finish(status, "")
}

// writeError emits ge in the adapter's native error shape. For plain HTTP
// connections any headers a rejecting policy attached ride along on the
// error response; JSON-RPC envelopes have nowhere to carry them.
func (s *Session) writeError(ctx context.Context, conn *wire.Conn, adapter wire.Adapter, req *exchange.Request, ge *errors.GatewayError) error {
	hdr := RejectHeader(req)
	if hdr == nil || adapter.Name() != "http" {
		return adapter.WriteError(ctx, conn, req, ge)
	}
	resp := httpwire.ErrorResponse(ge)
	for k, vs := range hdr {
		for _, v := range vs {
			resp.Header.Add(k, v)
		}
	}
	return adapter.WriteResponse(ctx, conn, req, resp)
}

// connState tracks in-flight exchanges to manage the connection's idle
// deadline: armed while the session waits for the next message, cleared
// while any exchange runs so a long backend stream is not cut down as
// idle.
type connState struct {
	nc   net.Conn
	idle time.Duration

	mu     sync.Mutex
	active int
}

func (c *connState) arm() {
	c.mu.Lock()
	if c.active == 0 && c.idle > 0 {
		c.nc.SetDeadline(time.Now().Add(c.idle))
	}
	c.mu.Unlock()
}

func (c *connState) begin() {
	c.mu.Lock()
	c.active++
	c.nc.SetDeadline(time.Time{})
	c.mu.Unlock()
}

func (c *connState) end() {
	c.mu.Lock()
	c.active--
	if c.active == 0 && c.idle > 0 {
		c.nc.SetDeadline(time.Now().Add(c.idle))
	}
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	var nerr net.Error
	return stderrors.As(err, &nerr) && nerr.Timeout()
}
