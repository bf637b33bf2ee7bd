// Package trustmaterial generates and loads the daemon's self-signed TLS
// server certificate, and computes the fingerprint the mobile client pins.
package trustmaterial

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

const (
	// validity matches the shape described in spec §4.2: 365 days.
	validity = 365 * 24 * time.Hour
	commonName = "Shelly Daemon"
)

// Material is the loaded certificate/key pair and the cached TLS config
// built from it.
type Material struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	tlsConfig   *tls.Config
}

// Ensure creates a self-signed certificate and private key at certPath and
// keyPath if either is missing. The private key file is written with mode
// 0600, the certificate with mode 0644, per spec §4.2.
func Ensure(certPath, keyPath string) error {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return trace.Wrap(err, "generating EC P-256 key")
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return trace.Wrap(err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             now.Add(-time.Hour), // tolerate clock skew
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true, // self-signed leaf acts as its own anchor
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return trace.Wrap(err, "creating self-signed certificate")
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return trace.Wrap(err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return trace.Wrap(err, "opening %v", path)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return trace.Wrap(err, "writing %v", path)
	}
	return nil
}

// Load parses the certificate and private key at the given paths into an
// in-memory Material, with a minimum-TLS-1.2 server tls.Config cached for
// the listener.
func Load(certPath, keyPath string) (*Material, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, trace.Wrap(err, "loading certificate/key pair")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, trace.Wrap(err, "parsing leaf certificate")
	}
	cert.Leaf = leaf

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	return &Material{
		Certificate: cert,
		Leaf:        leaf,
		tlsConfig:   cfg,
	}, nil
}

// TLSConfig returns the cached server-side tls.Config.
func (m *Material) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// Fingerprint returns the SHA-256 digest of the leaf certificate's DER form,
// colon-separated uppercase hex, per spec §4.2.
func (m *Material) Fingerprint() string {
	return Fingerprint(m.Leaf.Raw)
}

// Fingerprint computes the colon-separated uppercase hex SHA-256 digest of
// raw DER certificate bytes.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
