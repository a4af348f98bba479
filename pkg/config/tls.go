package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// SSLMode represents the SSL mode for incoming client connections.
// These mirror PostgreSQL's sslmode settings but apply to the proxy as a server.
type SSLMode string

const (
	// SSLModeDisable means TLS is disabled entirely. Only plaintext connections are accepted.
	SSLModeDisable SSLMode = "disable"
	// SSLModeAllow means both TLS and plaintext connections are accepted from clients.
	SSLModeAllow SSLMode = "allow"
	// SSLModePrefer means TLS is preferred but plaintext connections are accepted if the client doesn't support TLS.
	SSLModePrefer SSLMode = "prefer"
	// SSLModeRequire means TLS is required for all connections. Plaintext connections are rejected.
	SSLModeRequire SSLMode = "require"
)

// TLSConfig configures TLS for incoming client connections.
type TLSConfig struct {
	// SSLMode controls whether TLS is required, preferred, or disabled.
	SSLMode SSLMode `json:"sslmode,omitzero"`

	// CertPath is the path to the TLS certificate file in PEM format.
	CertPath string `json:"cert_path,omitzero"`

	// CertPrivateKeyPath is the path to the TLS private key file in PEM format.
	CertPrivateKeyPath string `json:"cert_private_key_path,omitzero"`

	// GenerateCert enables automatic generation of a self-signed certificate
	// when no certificate files are configured.
	GenerateCert bool `json:"generate_cert,omitzero"`
}

// Validate checks that the TLS configuration is valid.
func (c *TLSConfig) Validate() error {
	mode := c.SSLMode
	if mode == "" {
		mode = SSLModeDisable
	}

	switch mode {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire:
	default:
		return fmt.Errorf("invalid sslmode %q: must be one of: disable, allow, prefer, require", c.SSLMode)
	}

	if mode == SSLModeDisable {
		return nil
	}

	hasCertPath := c.CertPath != ""
	hasKeyPath := c.CertPrivateKeyPath != ""
	if hasCertPath != hasKeyPath {
		return errors.New("cert_path and cert_private_key_path must both be set or both be empty")
	}
	if !hasCertPath && !c.GenerateCert {
		return errors.New("TLS enabled but no certificate configured: set cert_path and cert_private_key_path, or set generate_cert to true")
	}
	if hasCertPath && !c.GenerateCert {
		for _, path := range []string{c.CertPath, c.CertPrivateKeyPath} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("certificate file %q: %w", path, err)
			}
		}
	}
	return nil
}

// Enabled returns true if TLS is enabled in any form (allow, prefer, or require).
func (c *TLSConfig) Enabled() bool {
	switch c.SSLMode {
	case SSLModeAllow, SSLModePrefer, SSLModeRequire:
		return true
	default:
		return false
	}
}

// Required returns true if TLS is required for all connections.
func (c *TLSConfig) Required() bool {
	return c.SSLMode == SSLModeRequire
}

// NewTLS creates a tls.Config based on the configuration. Returns nil when
// TLS is disabled. The caller should call Validate() first.
func (c *TLSConfig) NewTLS() (*tls.Config, error) {
	if c == nil || !c.Enabled() {
		return nil, nil
	}

	var cert tls.Certificate
	var err error
	if c.CertPath != "" {
		cert, err = tls.LoadX509KeyPair(c.CertPath, c.CertPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	} else {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development use.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"pgdog"},
			CommonName:   "pgdog",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	return tls.X509KeyPair(certPEM, keyPEM)
}
