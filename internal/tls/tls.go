// Package tls provides the certificate for the implicit-TLS SMTP listener.
package tls

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
	"io/fs"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"
)

// certValidity is the lifetime of generated certificates.
const certValidity = 365 * 24 * time.Hour

// keyPairPEM is a PEM-encoded certificate and private key.
type keyPairPEM struct {
	cert []byte
	key  []byte
}

// generate creates an ECDSA P-256 self-signed certificate for domain. The
// certificate also covers localhost and the loopback addresses.
func generate(domain string) (*keyPairPEM, error) {
	if domain == "" {
		domain = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	dnsNames := []string{domain}
	if domain != "localhost" {
		dnsNames = append(dnsNames, "localhost")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   domain,
			Organization: []string{"smtp-inbox-lite"},
		},
		NotBefore: now.Add(-time.Minute),
		NotAfter:  now.Add(certValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    dnsNames,
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &keyPairPEM{
		cert: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		key:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// GenerateSelfSignedCert returns an in-memory self-signed certificate for
// domain. Nothing is written to disk.
func GenerateSelfSignedCert(domain string) (*tls.Certificate, error) {
	pair, err := generate(domain)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(pair.cert, pair.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}
	return &cert, nil
}

// LoadOrGenerateTLS returns a server tls.Config for the SMTP listener.
//
// With both paths empty a certificate is generated in memory. With both
// paths set the key pair is loaded; if neither file exists yet, a
// self-signed pair is generated for domain and written there first.
func LoadOrGenerateTLS(certFile, keyFile, domain string) (*tls.Config, error) {
	var cert tls.Certificate

	switch {
	case certFile == "" && keyFile == "":
		generated, err := GenerateSelfSignedCert(domain)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert = *generated

	case certFile == "" || keyFile == "":
		return nil, errors.New("tls: cert_file and key_file must be set together")

	default:
		if err := ensureKeyPair(certFile, keyFile, domain); err != nil {
			return nil, err
		}
		loaded, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = loaded
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ensureKeyPair writes a generated pair when neither file exists. One file
// without the other is an error.
func ensureKeyPair(certFile, keyFile, domain string) error {
	certExists, err := exists(certFile)
	if err != nil {
		return err
	}
	keyExists, err := exists(keyFile)
	if err != nil {
		return err
	}

	switch {
	case certExists && keyExists:
		return nil
	case certExists != keyExists:
		return fmt.Errorf("tls: only one of %s and %s exists", certFile, keyFile)
	}

	pair, err := generate(domain)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyFile, pair.key, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.WriteFile(certFile, pair.cert, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	slog.Info("generated self-signed certificate", "domain", domain, "cert_file", certFile)
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
