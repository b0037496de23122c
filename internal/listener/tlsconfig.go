package listener

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/agentwire/gateway/internal/config"
)

// serverTLS holds a listener's TLS material. The certificate is read through
// an atomic pointer so Reload can swap it under live traffic; handshakes in
// flight keep the certificate they resolved.
type serverTLS struct {
	cfg      *tls.Config
	cert     atomic.Pointer[tls.Certificate]
	certFile string
	keyFile  string
}

// newServerTLS builds the tls.Config for a listener, or returns (nil, nil)
// when TLS is disabled.
func newServerTLS(tc config.TLSConfig) (*serverTLS, error) {
	if !tc.Enabled {
		return nil, nil
	}

	s := &serverTLS{certFile: tc.CertFile, keyFile: tc.KeyFile}

	cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	s.cert.Store(&cert)

	minVersion := uint16(tls.VersionTLS12)
	if tc.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	s.cfg = &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.cert.Load(), nil
		},
		MinVersion: minVersion,
	}

	switch tc.ClientAuth {
	case "", "none":
		s.cfg.ClientAuth = tls.NoClientCert
	case "request":
		s.cfg.ClientAuth = tls.RequestClientCert
	case "require":
		s.cfg.ClientAuth = tls.RequireAnyClientCert
	case "verify":
		s.cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown client_auth %q", tc.ClientAuth)
	}

	if tc.ClientCAFile != "" {
		pem, err := os.ReadFile(tc.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA file %s holds no certificates", tc.ClientCAFile)
		}
		s.cfg.ClientCAs = pool
	}

	return s, nil
}

// Reload re-reads the certificate pair from disk and swaps it in. Existing
// connections are untouched; new handshakes see the new certificate.
func (s *serverTLS) Reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("reload TLS key pair: %w", err)
	}
	s.cert.Store(&cert)
	return nil
}
