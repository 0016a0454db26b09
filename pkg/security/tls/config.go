package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"mercator-hq/spendguard/pkg/config"
)

// Server is the TLS side of the API listener.
type Server struct {
	cfg      config.TLSConfig
	reloader *Reloader
	tls      *tls.Config
}

// New builds the listener TLS configuration. The certificate is not read
// until Start.
func New(cfg config.TLSConfig, logger *slog.Logger) (*Server, error) {
	if !cfg.Enabled {
		return nil, errors.New("tls is not enabled")
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("cert_file and key_file are required when TLS is enabled")
	}
	suites, err := cipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		reloader: NewReloader(cfg.CertFile, cfg.KeyFile, cfg.ReloadInterval, logger),
	}
	// #nosec G402 - MinVersion is 1.2 or 1.3
	s.tls = &tls.Config{
		MinVersion:     minVersion(cfg.MinVersion),
		CipherSuites:   suites,
		GetCertificate: s.reloader.GetCertificate,
	}
	if cfg.MTLS.Enabled {
		pool, err := loadCAPool(cfg.MTLS.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to configure mTLS: %w", err)
		}
		s.tls.ClientCAs = pool
		s.tls.ClientAuth = clientAuthType(cfg.MTLS.ClientAuthType)
	}
	return s, nil
}

// Start loads the certificate and begins watching it for renewal.
func (s *Server) Start(ctx context.Context) error {
	return s.reloader.Start(ctx)
}

// Config returns the crypto/tls configuration for the listener.
func (s *Server) Config() *tls.Config {
	return s.tls
}

// ClientIdentity names the caller from its verified client certificate.
// It returns "" when mTLS is off or no verified certificate was presented.
func (s *Server) ClientIdentity(r *http.Request) string {
	if !s.cfg.MTLS.Enabled || r.TLS == nil || len(r.TLS.VerifiedChains) == 0 {
		return ""
	}
	return IdentityFromCertificate(r.TLS.VerifiedChains[0][0], s.cfg.MTLS.IdentitySource)
}

// IdentityFromCertificate extracts the identity named by source:
// "subject.CN" (the default), "subject.OU", "subject.O" or "SAN".
func IdentityFromCertificate(cert *x509.Certificate, source string) string {
	if cert == nil {
		return ""
	}
	switch source {
	case "subject.CN", "":
		return cert.Subject.CommonName
	case "subject.OU":
		if len(cert.Subject.OrganizationalUnit) > 0 {
			return cert.Subject.OrganizationalUnit[0]
		}
	case "subject.O":
		if len(cert.Subject.Organization) > 0 {
			return cert.Subject.Organization[0]
		}
	case "SAN":
		if len(cert.DNSNames) > 0 {
			return cert.DNSNames[0]
		}
	}
	return ""
}

func minVersion(v string) uint16 {
	if v == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}

func clientAuthType(t string) tls.ClientAuthType {
	switch t {
	case "request":
		return tls.RequestClientCert
	case "verify_if_given":
		return tls.VerifyClientCertIfGiven
	default:
		return tls.RequireAndVerifyClientCert
	}
}

func cipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown or insecure cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, errors.New("client_ca_file is required when mTLS is enabled")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
