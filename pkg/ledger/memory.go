package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryBackend keeps counters in process memory. Each key has its own
// critical section from a lock arena, so commits touching different keys
// never wait on each other.
type MemoryBackend struct {
	arena *lockArena

	// mu guards the maps only; counter fields are guarded by the key lock.
	mu       sync.RWMutex
	counters map[string]map[int64]*Counter // key -> window start (unix) -> counter
	live     map[string]int64              // key -> window start of the live counter

	rmu      sync.Mutex
	receipts map[string]*Receipt
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		arena:    newLockArena(),
		counters: make(map[string]map[int64]*Counter),
		live:     make(map[string]int64),
		receipts: make(map[string]*Receipt),
	}
}

// Current returns the counter for key in window.
func (m *MemoryBackend) Current(ctx context.Context, key Key, window Window, now time.Time) (*Counter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release := m.arena.acquire([]string{key.String()})
	defer release()

	c, err := m.counterLocked(key, window, false)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

// Apply applies every increment or none.
func (m *MemoryBackend) Apply(ctx context.Context, incs []Increment, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(incs) == 0 {
		return nil
	}

	keys := make([]string, len(incs))
	for i, inc := range incs {
		keys[i] = inc.Key.String()
	}
	release := m.arena.acquire(keys)
	defer release()

	counters := make([]*Counter, len(incs))
	for i, inc := range incs {
		c, err := m.counterLocked(inc.Key, inc.Window, inc.releasing())
		if err != nil {
			return err
		}
		if err := checkCeiling(inc, c.Amount, c.Count); err != nil {
			return err
		}
		counters[i] = c
	}

	for i, inc := range incs {
		c := counters[i]
		c.Amount, c.Count = apply(inc, c.Amount, c.Count)
		c.UpdatedAt = now
	}
	return nil
}

// counterLocked returns the stored counter for key and window, creating it
// and rotating the previous live counter as needed. Windows before the live
// one are only reachable when stale is allowed. The caller holds the key
// lock.
func (m *MemoryBackend) counterLocked(key Key, window Window, stale bool) (*Counter, error) {
	k := key.String()
	start := window.Start.Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	series, ok := m.counters[k]
	if !ok {
		series = make(map[int64]*Counter)
		m.counters[k] = series
	}

	liveStart, hasLive := m.live[k]
	switch {
	case hasLive && start < liveStart:
		if !stale {
			return nil, staleWindowError(key, window, liveStart)
		}
	case hasLive && liveStart < start:
		if prev := series[liveStart]; prev != nil {
			prev.Archived = true
		}
		m.live[k] = start
	case !hasLive:
		m.live[k] = start
	}

	c, ok := series[start]
	if !ok {
		c = &Counter{
			Key:         key,
			WindowStart: window.Start,
			WindowEnd:   window.End,
			Amount:      decimal.Zero,
			Archived:    m.live[k] != start,
		}
		series[start] = c
	}
	return c, nil
}

// SaveReceipt records what an evaluation committed.
func (m *MemoryBackend) SaveReceipt(ctx context.Context, r *Receipt) error {
	m.rmu.Lock()
	defer m.rmu.Unlock()

	if _, ok := m.receipts[r.EvaluationID]; ok {
		return ErrDuplicateReceipt
	}
	cp := *r
	cp.Increments = append([]Increment(nil), r.Increments...)
	m.receipts[r.EvaluationID] = &cp
	return nil
}

// ClaimReceipt marks an evaluation's receipt released and returns it.
func (m *MemoryBackend) ClaimReceipt(ctx context.Context, evaluationID string, now time.Time) (*Receipt, error) {
	m.rmu.Lock()
	defer m.rmu.Unlock()

	r, ok := m.receipts[evaluationID]
	switch {
	case !ok:
		return nil, ErrReceiptNotFound
	case r.Released():
		return nil, ErrAlreadyReleased
	}
	r.ReleasedAt = now
	cp := *r
	return &cp, nil
}

// UnclaimReceipt clears the release mark.
func (m *MemoryBackend) UnclaimReceipt(ctx context.Context, evaluationID string) error {
	m.rmu.Lock()
	defer m.rmu.Unlock()

	r, ok := m.receipts[evaluationID]
	if !ok {
		return ErrReceiptNotFound
	}
	r.ReleasedAt = time.Time{}
	return nil
}

// PruneReceipts deletes receipts committed before t.
func (m *MemoryBackend) PruneReceipts(ctx context.Context, before time.Time) (int, error) {
	m.rmu.Lock()
	defer m.rmu.Unlock()

	pruned := 0
	for id, r := range m.receipts {
		if r.CommittedAt.Before(before) {
			delete(m.receipts, id)
			pruned++
		}
	}
	return pruned, nil
}

// Archived returns rotated counters for key, oldest first.
func (m *MemoryBackend) Archived(ctx context.Context, key Key) ([]*Counter, error) {
	release := m.arena.acquire([]string{key.String()})
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Counter
	for _, c := range m.counters[key.String()] {
		if c.Archived {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

// PruneArchived deletes archived counters whose window ended before t.
func (m *MemoryBackend) PruneArchived(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.counters))
	for k := range m.counters {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	pruned := 0
	for _, k := range keys {
		release := m.arena.acquire([]string{k})
		m.mu.Lock()
		for start, c := range m.counters[k] {
			if c.Archived && c.WindowEnd.Before(before) {
				delete(m.counters[k], start)
				pruned++
			}
		}
		m.mu.Unlock()
		release()
	}
	return pruned, nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}
