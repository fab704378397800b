package security

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
)

// TLSConfig names the certificate material for serving HTTPS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// LoadServerTLSConfig builds a TLS 1.3 server configuration from the given
// certificate and key files.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate and key: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// VerifyTLSFiles checks that the configured certificate files exist before
// the listener starts, so misconfiguration fails at boot.
func VerifyTLSFiles(certFile, keyFile string) error {
	for _, file := range []string{certFile, keyFile} {
		if file == "" {
			return errors.New("TLS file path must not be empty")
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("TLS file not found: %s - %w", file, err)
		}
	}
	return nil
}
