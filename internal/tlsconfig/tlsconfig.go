// Package tlsconfig builds *tls.Config values for the SMTP and IMAP
// listeners and for STARTTLS upgrades, plus a development-only
// self-signed certificate helper.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
)

// Load builds a server-side TLS config from a PEM certificate chain and a
// PKCS1/PKCS8 private key, both loaded from disk. minVersion defaults to
// TLS 1.2 when zero.
func Load(certFile, keyFile string, minVersion uint16) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
	}

	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// ParseMinVersion maps a config string ("1.2", "1.3") to the corresponding
// tls.VersionTLSxx constant, defaulting to TLS 1.2 for an empty or
// unrecognized string.
func ParseMinVersion(s string) uint16 {
	switch s {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
