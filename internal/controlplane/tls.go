package controlplane

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/agentwire/gateway/internal/config"
)

func clientTLS(c config.BackendTLSConfig) (*tls.Config, error) {
	t := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %q contains no certificates", c.CAFile)
		}
		t.RootCAs = pool
	}
	return t, nil
}
