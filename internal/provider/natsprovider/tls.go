package natsprovider

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrCAParsingFailed = errors.New("failed to parse CA certificate")

type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

func (f TLSFiles) Enabled() bool {
	return f.CAFile != "" || f.CertFile != ""
}

// TLSConfig builds the client side TLS settings for the NATS connection. The CA
// is optional when the server certificate chains to a system root; the client
// certificate is only loaded when the server asks for mTLS.
func TLSConfig(f TLSFiles) (*tls.Config, error) {
	c := &tls.Config{MinVersion: tls.VersionTLS12}

	if f.CAFile != "" {
		ca, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, ErrCAParsingFailed
		}
		c.RootCAs = pool
	}

	if f.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		c.Certificates = []tls.Certificate{cert}
	}
	return c, nil
}
