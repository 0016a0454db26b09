package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"mercator-hq/spendguard/pkg/clock"
)

func TestKeyRing_Validate(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	ring := NewKeyRing([]Key{
		{Name: "ops", Key: "sk-ops", ActorID: "ops-bot", Roles: []string{"treasury"}},
		{Name: "old", Key: "sk-old", ActorID: "legacy", Disabled: true},
		{Name: "temp", Key: "sk-temp", ActorID: "contractor", ExpiresAt: now},
		{Name: "later", Key: "sk-later", ActorID: "auditor", ExpiresAt: now.Add(time.Hour)},
	}, clock.NewFake(now))

	tests := []struct {
		name    string
		key     string
		actor   string
		wantErr error
	}{
		{"valid", "sk-ops", "ops-bot", nil},
		{"not yet expired", "sk-later", "auditor", nil},
		{"unknown", "sk-nope", "", ErrInvalidKey},
		{"disabled", "sk-old", "", ErrKeyDisabled},
		{"expires at boundary", "sk-temp", "", ErrKeyExpired},
		{"empty", "", "", ErrMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ring.Validate(tt.key)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if p.ActorID != tt.actor {
				t.Errorf("ActorID = %q, want %q", p.ActorID, tt.actor)
			}
			if p.Method != MethodAPIKey {
				t.Errorf("Method = %q, want %q", p.Method, MethodAPIKey)
			}
		})
	}
}

func TestKeyRing_RolesAreCopied(t *testing.T) {
	roles := []string{"treasury"}
	ring := NewKeyRing([]Key{{Key: "k", ActorID: "a", Roles: roles}}, nil)
	roles[0] = "mutated"

	p, err := ring.Validate("k")
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !p.HasRole("treasury") {
		t.Errorf("roles = %v, want [treasury]", p.Roles)
	}

	p.Roles[0] = "changed"
	again, _ := ring.Validate("k")
	if !again.HasRole("treasury") {
		t.Error("principal roles alias the key ring")
	}
}

func TestKeyRing_AddRemove(t *testing.T) {
	ring := NewKeyRing(nil, nil)
	ring.Add(Key{Key: "k1", ActorID: "a"})
	ring.Add(Key{Key: "k2", ActorID: "b"})
	ring.Add(Key{Key: "k1", ActorID: "c"})

	if got := ring.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	p, err := ring.Validate("k1")
	if err != nil || p.ActorID != "c" {
		t.Fatalf("Validate(k1) = %v, %v; want actor c", p, err)
	}

	ring.Remove("k1")
	if _, err := ring.Validate("k1"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Validate after Remove error = %v, want ErrInvalidKey", err)
	}
	if got := ring.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestKeyRing_ConcurrentAccess(t *testing.T) {
	ring := NewKeyRing([]Key{{Key: "stable", ActorID: "a"}}, nil)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, err := ring.Validate("stable"); err != nil {
					t.Errorf("Validate() error: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			k := string(rune('a' + i))
			ring.Add(Key{Key: k, ActorID: k})
			ring.Remove(k)
		}()
	}
	wg.Wait()
}

func TestPrincipal_HasRole(t *testing.T) {
	var nilPrincipal *Principal
	if nilPrincipal.HasRole("x") {
		t.Error("nil principal has no roles")
	}
	p := &Principal{Roles: []string{"compliance"}}
	if !p.HasRole("compliance") || p.HasRole("treasury") {
		t.Errorf("HasRole mismatch for %v", p.Roles)
	}
}
