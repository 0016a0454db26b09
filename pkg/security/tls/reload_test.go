package tls

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReloader_Start(t *testing.T) {
	ca := newTestCA(t)
	certFile, keyFile := ca.writePair(t, t.TempDir(), leafOptions{cn: "api"})

	r := NewReloader(certFile, keyFile, 0, discardLogger())
	if _, err := r.GetCertificate(nil); err == nil {
		t.Fatal("GetCertificate before Start should fail")
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	c, err := r.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate() error: %v", err)
	}
	if c.Leaf == nil || c.Leaf.Subject.CommonName != "api" {
		t.Errorf("leaf = %v, want CN api", c.Leaf)
	}
}

func TestReloader_StartErrors(t *testing.T) {
	dir := t.TempDir()
	r := NewReloader(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"), 0, discardLogger())
	if err := r.Start(context.Background()); err == nil {
		t.Error("Start() should fail for missing files")
	}

	ca := newTestCA(t)
	now := time.Now()
	certFile, keyFile := ca.writePair(t, dir, leafOptions{
		cn: "old", notBefore: now.Add(-48 * time.Hour), notAfter: now.Add(-time.Hour),
	})
	r = NewReloader(certFile, keyFile, 0, discardLogger())
	if err := r.Start(context.Background()); err == nil {
		t.Error("Start() should reject an expired certificate")
	}
}

func TestReloader_PicksUpRenewedCertificate(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()
	certFile, keyFile := ca.writePair(t, dir, leafOptions{cn: "first"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReloader(certFile, keyFile, 10*time.Millisecond, discardLogger())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ca.writePair(t, dir, leafOptions{cn: "second"})
	future := time.Now().Add(time.Minute)
	for _, f := range []string{certFile, keyFile} {
		if err := os.Chtimes(f, future, future); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Certificate().Leaf.Subject.CommonName == "second" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("certificate not reloaded, still %q", r.Certificate().Leaf.Subject.CommonName)
}

func TestReloader_KeepsCertificateOnBadRenewal(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()
	certFile, keyFile := ca.writePair(t, dir, leafOptions{cn: "good"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReloader(certFile, keyFile, 10*time.Millisecond, discardLogger())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := os.WriteFile(certFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(certFile, future, future); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := r.Certificate().Leaf.Subject.CommonName; got != "good" {
		t.Errorf("certificate = %q, want the previous one kept", got)
	}
}
