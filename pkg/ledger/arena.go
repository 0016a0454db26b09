package ledger

import (
	"sort"
	"sync"
)

// lockArena hands out one mutex per key. Locks are reference counted and
// dropped once unused, so the arena only holds keys with work in flight.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*keyLock)}
}

// acquire locks every key in sorted order and returns the release function.
// Overlapping multi-key commits cannot deadlock as long as every caller
// goes through acquire.
func (a *lockArena) acquire(keys []string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	held := make([]*keyLock, 0, len(uniq))
	for _, k := range uniq {
		a.mu.Lock()
		l, ok := a.locks[k]
		if !ok {
			l = &keyLock{}
			a.locks[k] = l
		}
		l.refs++
		a.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		a.mu.Lock()
		for i, k := range uniq {
			held[i].refs--
			if held[i].refs == 0 {
				delete(a.locks, k)
			}
		}
		a.mu.Unlock()
	}
}

// size returns the number of live locks. Used by tests.
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
