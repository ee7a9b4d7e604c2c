package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/1ureka/xeonvpn/internal/config"
	"github.com/1ureka/xeonvpn/internal/util"
)

// certValidity is the lifetime of generated self-signed certificates.
const certValidity = 365 * 24 * time.Hour

// ServerTLS builds the server TLS configuration. It loads CertFile/KeyFile when
// set, otherwise it generates a self-signed certificate for ServerName and, if
// ExportDER is set, writes its DER encoding there so clients can trust it.
// The leaf certificate's DER bytes are returned as well.
func ServerTLS(cfg config.TLS) (*tls.Config, []byte, error) {
	var (
		cert tls.Certificate
		err  error
	)

	if cfg.CertFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	} else {
		cert, err = SelfSigned(cfg.ServerName)
		if err != nil {
			return nil, nil, err
		}
		if cfg.ExportDER != "" {
			if err := os.WriteFile(cfg.ExportDER, cert.Certificate[0], 0o644); err != nil {
				util.LogWarning("failed to write %s: %v", cfg.ExportDER, err)
			} else {
				util.LogInfo("wrote %s (%d bytes)", cfg.ExportDER, len(cert.Certificate[0]))
			}
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   cfg.ALPN,
		MinVersion:   tls.VersionTLS13,
	}, cert.Certificate[0], nil
}

// ClientTLS builds a client TLS configuration that trusts exactly the given
// DER certificate. With no certificate, verification is skipped.
func ClientTLS(serverName string, certDER []byte, alpn []string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: serverName,
		NextProtos: alpn,
		MinVersion: tls.VersionTLS13,
	}

	if len(certDER) == 0 {
		conf.InsecureSkipVerify = true
		return conf, nil
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	conf.RootCAs = pool
	return conf, nil
}

// SelfSigned generates an ECDSA P-256 certificate for host.
func SelfSigned(host string) (tls.Certificate, error) {
	if host == "" {
		return tls.Certificate{}, errors.New("server name is required for a self-signed certificate")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
