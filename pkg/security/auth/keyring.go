package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"slices"
	"sync"

	"mercator-hq/spendguard/pkg/clock"
)

type entry struct {
	digest [sha256.Size]byte
	key    Key
}

// KeyRing validates API keys against a configured set. Keys are held as
// SHA-256 digests and compared in constant time.
type KeyRing struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries []entry
}

// NewKeyRing builds a key ring. A nil clock uses the system clock.
func NewKeyRing(keys []Key, clk clock.Clock) *KeyRing {
	r := &KeyRing{clock: clock.OrSystem(clk)}
	for _, k := range keys {
		r.add(k)
	}
	return r
}

func (r *KeyRing) add(k Key) {
	k.Roles = slices.Clone(k.Roles)
	digest := sha256.Sum256([]byte(k.Key))
	k.Key = ""
	for i := range r.entries {
		if r.entries[i].digest == digest {
			r.entries[i].key = k
			return
		}
	}
	r.entries = append(r.entries, entry{digest: digest, key: k})
}

// Add registers k, replacing any key with the same value.
func (r *KeyRing) Add(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(k)
}

// Remove drops the key with the given value.
func (r *KeyRing) Remove(key string) {
	digest := sha256.Sum256([]byte(key))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = slices.DeleteFunc(r.entries, func(e entry) bool { return e.digest == digest })
}

// Len returns the number of registered keys.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Validate returns the principal bound to key.
func (r *KeyRing) Validate(key string) (*Principal, error) {
	if key == "" {
		return nil, ErrMissingCredentials
	}
	digest := sha256.Sum256([]byte(key))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var match *Key
	for i := range r.entries {
		if subtle.ConstantTimeCompare(r.entries[i].digest[:], digest[:]) == 1 {
			match = &r.entries[i].key
		}
	}
	switch {
	case match == nil:
		return nil, ErrInvalidKey
	case match.Disabled:
		return nil, ErrKeyDisabled
	case !match.ExpiresAt.IsZero() && !r.clock.Now().Before(match.ExpiresAt):
		return nil, ErrKeyExpired
	}
	return &Principal{
		ActorID: match.ActorID,
		Roles:   slices.Clone(match.Roles),
		KeyName: match.Name,
		Method:  MethodAPIKey,
	}, nil
}
