package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mercator-hq/spendguard/pkg/config"
)

func TestNew_Errors(t *testing.T) {
	dir := t.TempDir()
	badCA := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(badCA, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     config.TLSConfig
		wantErr string
	}{
		{"disabled", config.TLSConfig{}, "not enabled"},
		{"no files", config.TLSConfig{Enabled: true}, "required"},
		{
			"unknown cipher",
			config.TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", CipherSuites: []string{"TLS_RSA_WITH_RC4_128_SHA"}},
			"cipher suite",
		},
		{
			"mtls without CA",
			config.TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MTLS: config.MTLSConfig{Enabled: true}},
			"client_ca_file",
		},
		{
			"mtls bad CA",
			config.TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MTLS: config.MTLSConfig{Enabled: true, ClientCAFile: badCA}},
			"no certificates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, discardLogger())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Settings(t *testing.T) {
	s, err := New(config.TLSConfig{
		Enabled:      true,
		CertFile:     "c",
		KeyFile:      "k",
		MinVersion:   "1.2",
		CipherSuites: []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c := s.Config()
	if c.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", c.MinVersion)
	}
	if len(c.CipherSuites) != 1 || c.CipherSuites[0] != tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256 {
		t.Errorf("CipherSuites = %v", c.CipherSuites)
	}
	if c.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", c.ClientAuth)
	}

	for in, want := range map[string]tls.ClientAuthType{
		"require":         tls.RequireAndVerifyClientCert,
		"request":         tls.RequestClientCert,
		"verify_if_given": tls.VerifyClientCertIfGiven,
		"":                tls.RequireAndVerifyClientCert,
	} {
		if got := clientAuthType(in); got != want {
			t.Errorf("clientAuthType(%q) = %v, want %v", in, got, want)
		}
	}
	if minVersion("") != tls.VersionTLS13 || minVersion("1.1") != tls.VersionTLS13 {
		t.Error("unknown versions should fall back to TLS 1.3")
	}
}

func TestIdentityFromCertificate(t *testing.T) {
	cert := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:         "payments-svc",
			OrganizationalUnit: []string{"treasury"},
			Organization:       []string{"acme"},
		},
		DNSNames: []string{"payments.internal"},
	}

	tests := []struct {
		source string
		want   string
	}{
		{"", "payments-svc"},
		{"subject.CN", "payments-svc"},
		{"subject.OU", "treasury"},
		{"subject.O", "acme"},
		{"SAN", "payments.internal"},
		{"serial", ""},
	}
	for _, tt := range tests {
		if got := IdentityFromCertificate(cert, tt.source); got != tt.want {
			t.Errorf("IdentityFromCertificate(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
	if got := IdentityFromCertificate(&x509.Certificate{}, "SAN"); got != "" {
		t.Errorf("missing SAN = %q, want empty", got)
	}
	if got := IdentityFromCertificate(nil, ""); got != "" {
		t.Errorf("nil certificate = %q, want empty", got)
	}
}

func TestServer_MutualTLSHandshake(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()
	certFile, keyFile := ca.writePair(t, dir, leafOptions{cn: "spendguard"})
	caFile := filepath.Join(dir, "clients.pem")
	if err := os.WriteFile(caFile, ca.pem, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(config.TLSConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
		MTLS: config.MTLSConfig{
			Enabled:        true,
			ClientCAFile:   caFile,
			ClientAuthType: "require",
			IdentitySource: "subject.OU",
		},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, s.ClientIdentity(r))
	})}
	go func() { _ = srv.Serve(tls.NewListener(ln, s.Config())) }()
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	clientCert := ca.keyPair(t, leafOptions{cn: "payments-svc", ou: "treasury", client: true})

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:      roots,
		Certificates: []tls.Certificate{clientCert},
		MinVersion:   tls.VersionTLS13,
	}}}
	resp, err := client.Get("https://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET with client certificate: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "treasury" {
		t.Errorf("identity = %q, want treasury", body)
	}

	anonymous := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:    roots,
		MinVersion: tls.VersionTLS13,
	}}}
	if resp, err := anonymous.Get("https://" + ln.Addr().String() + "/"); err == nil {
		resp.Body.Close()
		t.Error("request without a client certificate should fail the handshake")
	}
}
