package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/logging"
)

const defaultConnIdleTimeout = 5 * time.Minute

// TCPListener accepts raw connections and hands each one to a ConnHandler.
// The handler runs the session: optional sniffing, adapter selection, and
// the exchange loop.
type TCPListener struct {
	id          string
	address     string
	handler     ConnHandler
	tls         *serverTLS
	idleTimeout time.Duration

	mu          sync.Mutex
	ln          net.Listener
	cancel      context.CancelFunc
	activeConns atomic.Int64
	connWg      sync.WaitGroup
	closeCh     chan struct{}
	closeOnce   sync.Once
}

// NewTCPListener creates a TCP listener from its config. When TLS is
// enabled the listener terminates it before the handler sees the
// connection.
func NewTCPListener(lc config.ListenerConfig, handler ConnHandler) (*TCPListener, error) {
	l := &TCPListener{
		id:          lc.ID,
		address:     lc.Address,
		handler:     handler,
		idleTimeout: lc.IdleTimeout,
		closeCh:     make(chan struct{}),
	}

	srvTLS, err := newServerTLS(lc.TLS)
	if err != nil {
		return nil, err
	}
	l.tls = srvTLS

	if l.idleTimeout == 0 {
		l.idleTimeout = defaultConnIdleTimeout
	}

	return l, nil
}

// ID returns the listener id.
func (l *TCPListener) ID() string { return l.id }

// Protocol returns "tcp".
func (l *TCPListener) Protocol() string { return "tcp" }

// Addr returns the bound address once started.
func (l *TCPListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.address
}

// Start binds the socket and runs the accept loop in the background.
func (l *TCPListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.address, err)
	}

	if l.tls != nil {
		ln = tls.NewListener(ln, l.tls.cfg)
	}

	connCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.ln = ln
	l.cancel = cancel
	l.mu.Unlock()

	go l.acceptLoop(connCtx, ln)
	return nil
}

func (l *TCPListener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closeCh:
			return
		default:
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			logging.Error("tcp listener accept failed",
				zap.String("listener", l.id), zap.Error(err))
			continue
		}

		l.activeConns.Add(1)
		l.connWg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

func (l *TCPListener) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		l.activeConns.Add(-1)
		l.connWg.Done()
	}()

	if l.idleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(l.idleTimeout))
	}
	l.handler.HandleConn(ctx, conn)
}

// Stop closes the socket and waits for in-flight connections until ctx
// expires, then cancels their contexts.
func (l *TCPListener) Stop(ctx context.Context) error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
	})

	l.mu.Lock()
	ln := l.ln
	cancel := l.cancel
	l.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		l.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("tcp listener stopped",
			zap.String("listener", l.id))
	case <-ctx.Done():
		logging.Warn("tcp listener drain timed out",
			zap.String("listener", l.id),
			zap.Int64("active_connections", l.activeConns.Load()))
		if cancel != nil {
			cancel()
		}
	}
	return nil
}

// ReloadTLSCert re-reads the certificate pair from disk and swaps it in.
// New handshakes see the new certificate; live connections are untouched.
func (l *TCPListener) ReloadTLSCert() error {
	if l.tls == nil {
		return fmt.Errorf("listener %s has no TLS", l.id)
	}
	return l.tls.Reload()
}

// ActiveConnections returns the number of connections currently handled.
func (l *TCPListener) ActiveConnections() int64 {
	return l.activeConns.Load()
}
