package storage

import (
	"context"
	"sort"
	"sync"

	"mercator-hq/spendguard/pkg/audit"
)

// MemoryStorage keeps violations in process memory. It is used by tests and
// by single-process deployments that do not need the log to survive
// restarts.
type MemoryStorage struct {
	records []*audit.Violation
	byID    map[string]int
	mu      sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{byID: make(map[string]int)}
}

// Append stores every violation or none.
func (s *MemoryStorage) Append(ctx context.Context, violations []*audit.Violation) error {
	if err := ctx.Err(); err != nil {
		return audit.NewStorageError("memory", "append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(violations))
	for _, v := range violations {
		if _, dup := s.byID[v.ID]; dup || seen[v.ID] {
			return audit.NewStorageError("memory", "append", errDuplicateID(v.ID))
		}
		seen[v.ID] = true
	}
	for _, v := range violations {
		s.byID[v.ID] = len(s.records)
		s.records = append(s.records, copyViolation(v))
	}
	return nil
}

// Get returns a violation by ID.
func (s *MemoryStorage) Get(ctx context.Context, id string) (*audit.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, audit.ErrViolationNotFound
	}
	return copyViolation(s.records[i]), nil
}

// Query retrieves violations matching the query filters.
func (s *MemoryStorage) Query(ctx context.Context, q *audit.Query) ([]*audit.Violation, error) {
	s.mu.RLock()
	var results []*audit.Violation
	for _, v := range s.records {
		if matches(v, q) {
			results = append(results, copyViolation(v))
		}
	}
	s.mu.RUnlock()

	sortViolations(results, q.SortBy, q.SortOrder)

	start := q.Offset
	if start > len(results) {
		return []*audit.Violation{}, nil
	}
	end := len(results)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	return results[start:end], nil
}

// QueryStream streams the results of Query.
func (s *MemoryStorage) QueryStream(ctx context.Context, q *audit.Query) (<-chan *audit.Violation, <-chan error, error) {
	results, err := s.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan *audit.Violation, 100)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, v := range results {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- v:
			}
		}
	}()
	return out, errCh, nil
}

// Count returns the number of violations matching the query filters.
func (s *MemoryStorage) Count(ctx context.Context, q *audit.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, v := range s.records {
		if matches(v, q) {
			n++
		}
	}
	return n, nil
}

// UpdateResolution sets the review fields of a violation.
func (s *MemoryStorage) UpdateResolution(ctx context.Context, u audit.ResolutionUpdate) (*audit.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[u.ID]
	if !ok {
		return nil, audit.ErrViolationNotFound
	}
	v := s.records[i]
	reviewedAt := u.ReviewedAt
	v.ResolutionStatus = u.Status
	v.ReviewedBy = u.ReviewedBy
	v.ReviewedAt = &reviewedAt
	v.ReviewNote = u.Note
	return copyViolation(v), nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}

// Size returns the number of stored violations.
func (s *MemoryStorage) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func copyViolation(v *audit.Violation) *audit.Violation {
	c := *v
	if v.ReviewedAt != nil {
		t := *v.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

func matches(v *audit.Violation, q *audit.Query) bool {
	if q.StartTime != nil && v.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && v.Timestamp.After(*q.EndTime) {
		return false
	}
	if q.RuleID != "" && v.RuleID != q.RuleID {
		return false
	}
	if q.ScopeTargetID != "" && v.ScopeTargetID != q.ScopeTargetID {
		return false
	}
	if q.ActorID != "" && v.ActorID != q.ActorID {
		return false
	}
	if q.EvaluationID != "" && v.EvaluationID != q.EvaluationID {
		return false
	}
	if q.Action != "" && v.Action != q.Action {
		return false
	}
	if q.ResolutionStatus != "" && v.ResolutionStatus != q.ResolutionStatus {
		return false
	}
	return true
}

// sortViolations orders by the given field, newest first by default. Ties
// fall back to timestamp then ID so pages are stable.
func sortViolations(vs []*audit.Violation, by, order string) {
	desc := order != "asc"
	less := func(a, b *audit.Violation) int {
		switch by {
		case "attempted_amount":
			if c := a.AttemptedAmount.Cmp(b.AttemptedAmount); c != 0 {
				return c
			}
		case "rule_id":
			if a.RuleID != b.RuleID {
				if a.RuleID < b.RuleID {
					return -1
				}
				return 1
			}
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			if a.Timestamp.Before(b.Timestamp) {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	}
	sort.SliceStable(vs, func(i, j int) bool {
		c := less(vs[i], vs[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}
