// Package netutil provides the server's TLS bootstrap and optional
// HTTP/3 blob transport, adapted from the module's netstack runtime.
package netutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"time"
)

// GenerateSelfSignedTLS creates an in-memory self-signed TLS config for
// the given hostnames, for local and development use when no real
// certificate has been provisioned.
func GenerateSelfSignedTLS(hosts []string, validFor time.Duration) (*tls.Config, error) {
	if validFor <= 0 {
		validFor = 24 * time.Hour
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS13, NextProtos: []string{"h3", "h2", "http/1.1"}}, nil
}

// LoadTLSConfig loads a server-side TLS config from a certificate and key
// file pair, for production deployments behind a real CA.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}, nil
}

// WritePEM writes cert's leaf certificate and private key to files, so a
// generated self-signed pair can be handed to other tooling (e.g. a
// reverse proxy) without regenerating it.
func WritePEM(cert *tls.Certificate, certPath, keyPath string) error {
	if cert == nil || len(cert.Certificate) == 0 {
		return os.ErrInvalid
	}

	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o644); err != nil {
		return err
	}

	switch k := cert.PrivateKey.(type) {
	case *rsa.PrivateKey:
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})

		return os.WriteFile(keyPath, keyPEM, 0o600)
	default:
		return errors.New("netutil: unsupported or missing private key for PEM export")
	}
}

// normalizeTLS returns a config requiring TLS 1.3, the minimum QUIC
// requires. A tlsCfg that already requires TLS 1.3 and lists ALPN
// protocols is returned as is; otherwise it is cloned (or a fresh one is
// built) with MinVersion raised, and "h3" becomes the ALPN list when none
// was given. An existing ALPN list without "h3" is left unchanged.
func normalizeTLS(tlsCfg *tls.Config) *tls.Config {
	if tlsCfg == nil {
		return &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{"h3"}}
	}

	if tlsCfg.MinVersion >= tls.VersionTLS13 && len(tlsCfg.NextProtos) > 0 {
		return tlsCfg
	}

	c := tlsCfg.Clone()
	c.MinVersion = tls.VersionTLS13

	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{"h3"}
	}

	return c
}
