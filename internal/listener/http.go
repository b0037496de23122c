package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/logging"
)

const (
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
)

// HTTPListener serves the gateway handler over HTTP/1.1 and HTTP/2, with an
// optional HTTP/3 endpoint on the same address over UDP.
type HTTPListener struct {
	id      string
	address string
	server  *http.Server
	tls     *serverTLS

	mu      sync.Mutex
	ln      net.Listener
	h3      *http3.Server
	udpConn net.PacketConn
}

// NewHTTPListener creates an HTTP listener from its config. The handler is
// the gateway pipeline bound to this listener.
func NewHTTPListener(lc config.ListenerConfig, handler http.Handler) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      lc.ID,
		address: lc.Address,
	}

	srvTLS, err := newServerTLS(lc.TLS)
	if err != nil {
		return nil, err
	}
	h.tls = srvTLS

	readTimeout := lc.ReadTimeout
	if readTimeout == 0 {
		readTimeout = defaultReadTimeout
	}
	// Streaming responses outlive any fixed write budget, so the server
	// write timeout stays off for SSE to work; per-exchange deadlines come
	// from the route and backend config instead.
	idleTimeout := lc.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}

	h.server = &http.Server{
		Addr:              lc.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
	if srvTLS != nil {
		h.server.TLSConfig = srvTLS.cfg
	}

	if lc.HTTP3 && srvTLS != nil {
		h.h3 = &http3.Server{
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(srvTLS.cfg),
		}
	}

	return h, nil
}

// ID returns the listener id.
func (h *HTTPListener) ID() string { return h.id }

// Protocol returns "http".
func (h *HTTPListener) Protocol() string { return "http" }

// Addr returns the bound address once started.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.address
}

// Start binds the TCP socket (and the UDP socket when HTTP/3 is on) and
// serves in the background.
func (h *HTTPListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.address, err)
	}

	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	go func() {
		var err error
		if h.tls != nil {
			// ServeTLS picks the certificate through GetCertificate and
			// negotiates h2 over ALPN.
			err = h.server.ServeTLS(ln, "", "")
		} else {
			err = h.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("http listener serve failed",
				zap.String("listener", h.id), zap.Error(err))
		}
	}()

	if h.h3 != nil {
		udpConn, err := net.ListenPacket("udp", ln.Addr().String())
		if err != nil {
			h.server.Close()
			return fmt.Errorf("listen udp for http3 on %s: %w", ln.Addr(), err)
		}
		h.mu.Lock()
		h.udpConn = udpConn
		h.mu.Unlock()

		go func() {
			if err := h.h3.Serve(udpConn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("http3 listener serve failed",
					zap.String("listener", h.id), zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop drains in-flight requests until ctx expires, then force-closes.
func (h *HTTPListener) Stop(ctx context.Context) error {
	h.mu.Lock()
	h3 := h.h3
	udpConn := h.udpConn
	h.mu.Unlock()

	if h3 != nil {
		h3.Close()
	}
	if udpConn != nil {
		udpConn.Close()
	}

	if err := h.server.Shutdown(ctx); err != nil {
		h.server.Close()
		return err
	}
	return nil
}

// ReloadTLSCert re-reads the certificate pair from disk and swaps it in
// without rebinding the socket. No-op error on a plaintext listener.
func (h *HTTPListener) ReloadTLSCert() error {
	if h.tls == nil {
		return fmt.Errorf("listener %s has no TLS", h.id)
	}
	return h.tls.Reload()
}

// HTTP3Enabled reports whether the listener also serves HTTP/3.
func (h *HTTPListener) HTTP3Enabled() bool { return h.h3 != nil }
