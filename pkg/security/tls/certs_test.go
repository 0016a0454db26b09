package tls

import (
	"crypto/tls"
	"strings"
	"testing"
	"time"
)

func TestValidateCertificate(t *testing.T) {
	ca := newTestCA(t)
	now := time.Now()

	valid := ca.keyPair(t, leafOptions{cn: "api"})
	expired := ca.keyPair(t, leafOptions{
		cn: "old", notBefore: now.Add(-48 * time.Hour), notAfter: now.Add(-24 * time.Hour),
	})
	future := ca.keyPair(t, leafOptions{
		cn: "new", notBefore: now.Add(time.Hour), notAfter: now.Add(48 * time.Hour),
	})

	tests := []struct {
		name    string
		cert    *tls.Certificate
		wantErr string
	}{
		{"valid", &valid, ""},
		{"expired", &expired, "expired"},
		{"not yet valid", &future, "not yet valid"},
		{"nil", nil, "empty"},
		{"empty chain", &tls.Certificate{}, "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf, err := ValidateCertificate(tt.cert, now)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if leaf.Subject.CommonName != "api" {
					t.Errorf("leaf CN = %q", leaf.Subject.CommonName)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpiresWithin(t *testing.T) {
	ca := newTestCA(t)
	now := time.Now()
	cert := ca.keyPair(t, leafOptions{cn: "api", notAfter: now.Add(10 * 24 * time.Hour)})
	leaf, err := ValidateCertificate(&cert, now)
	if err != nil {
		t.Fatal(err)
	}

	if !ExpiresWithin(leaf, now, ExpiryWarning) {
		t.Error("certificate expiring in 10 days should be within the warning window")
	}
	if ExpiresWithin(leaf, now, 5*24*time.Hour) {
		t.Error("certificate expiring in 10 days is not within 5 days")
	}
}
