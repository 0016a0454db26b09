package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrConflict indicates a commit lost a race: a counter moved between
	// the evaluation's read and the commit so applying the increment would
	// breach its ceiling. The caller re-evaluates.
	ErrConflict = errors.New("ledger commit conflict")

	// ErrStorageFailure indicates the backend could not be read or written.
	ErrStorageFailure = errors.New("ledger storage failure")

	// ErrStaleWindow indicates a read or commit addressed a window older
	// than the key's live counter.
	ErrStaleWindow = errors.New("ledger window already rotated")

	// ErrReceiptNotFound indicates no usage was committed under the
	// evaluation ID.
	ErrReceiptNotFound = errors.New("no committed usage for evaluation")

	// ErrAlreadyReleased indicates the evaluation's usage was released before.
	ErrAlreadyReleased = errors.New("evaluation usage already released")

	// ErrDuplicateReceipt indicates usage was already committed under the
	// evaluation ID.
	ErrDuplicateReceipt = errors.New("evaluation usage already committed")
)

// Key identifies the counter series for one rule and one scope target.
type Key struct {
	RuleID        string `json:"ruleId"`
	ScopeTargetID string `json:"scopeTargetId"`
}

// String returns the canonical "rule/target" form used for lock ordering.
func (k Key) String() string {
	return k.RuleID + "/" + k.ScopeTargetID
}

// Window is a half-open calendar interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Counter is the accumulated usage for one key in one window.
type Counter struct {
	Key
	WindowStart time.Time       `json:"windowStart"`
	WindowEnd   time.Time       `json:"windowEnd"`
	Amount      decimal.Decimal `json:"amount"`
	Count       int64           `json:"count"`
	Archived    bool            `json:"archived"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Increment is one counter change in a commit. Amount and Count may be
// negative when releasing a previous commit; counters never go below zero.
type Increment struct {
	Key    Key             `json:"key"`
	Window Window          `json:"window"`
	Amount decimal.Decimal `json:"amount"`
	Count  int64           `json:"count"`

	// AmountCeiling, when set, rejects the commit if the counter amount
	// would exceed it.
	AmountCeiling *decimal.Decimal `json:"amountCeiling,omitempty"`

	// CountCeiling, when positive, rejects the commit if the counter count
	// would exceed it.
	CountCeiling int64 `json:"countCeiling,omitempty"`
}

// Negate returns the increment that undoes inc, without ceilings.
func (inc Increment) Negate() Increment {
	return Increment{
		Key:    inc.Key,
		Window: inc.Window,
		Amount: inc.Amount.Neg(),
		Count:  -inc.Count,
	}
}

// releasing reports whether inc only takes usage away. Releases may land in
// windows that have already rotated.
func (inc Increment) releasing() bool {
	return inc.Amount.Sign() <= 0 && inc.Count <= 0
}

func negateAll(incs []Increment) []Increment {
	out := make([]Increment, len(incs))
	for i, inc := range incs {
		out[i] = inc.Negate()
	}
	return out
}

// staleWindowError reports a window that starts before the live one.
func staleWindowError(key Key, window Window, liveStart int64) error {
	return fmt.Errorf("%w: %s window starting %s precedes live window starting %s",
		ErrStaleWindow, key, window.Start.UTC().Format(time.RFC3339),
		time.Unix(liveStart, 0).UTC().Format(time.RFC3339))
}

// Receipt records the increments one evaluation committed, so that exactly
// those increments can be released once.
type Receipt struct {
	EvaluationID string      `json:"evaluationId"`
	Increments   []Increment `json:"increments"`
	CommittedAt  time.Time   `json:"committedAt"`
	ReleasedAt   time.Time   `json:"releasedAt,omitempty"`
}

// Released reports whether the receipt's usage was released.
func (r *Receipt) Released() bool {
	return !r.ReleasedAt.IsZero()
}

// ConflictError describes which increment failed its ceiling check.
type ConflictError struct {
	Key    Key
	Reason string
}

// Error returns the error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger commit conflict on %s: %s", e.Key, e.Reason)
}

// Unwrap returns ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// checkCeiling returns a ConflictError if applying inc to the current values
// would breach one of its ceilings.
func checkCeiling(inc Increment, amount decimal.Decimal, count int64) error {
	if inc.AmountCeiling != nil {
		next := amount.Add(inc.Amount)
		if next.GreaterThan(*inc.AmountCeiling) {
			return &ConflictError{
				Key:    inc.Key,
				Reason: fmt.Sprintf("amount %s would exceed ceiling %s", next, inc.AmountCeiling),
			}
		}
	}
	if inc.CountCeiling > 0 && count+inc.Count > inc.CountCeiling {
		return &ConflictError{
			Key:    inc.Key,
			Reason: fmt.Sprintf("count %d would exceed ceiling %d", count+inc.Count, inc.CountCeiling),
		}
	}
	return nil
}

// apply returns the counter values after inc, floored at zero.
func apply(inc Increment, amount decimal.Decimal, count int64) (decimal.Decimal, int64) {
	nextAmount := amount.Add(inc.Amount)
	if nextAmount.IsNegative() {
		nextAmount = decimal.Zero
	}
	nextCount := count + inc.Count
	if nextCount < 0 {
		nextCount = 0
	}
	return nextAmount, nextCount
}

// Backend persists counters. Implementations must make Apply atomic across
// all increments and serialize it per key.
type Backend interface {
	// Current returns the counter for key in window, rotating the key's
	// live counter first when it belongs to an earlier window. A missing
	// counter is returned zero-valued. A window older than the live one
	// returns an error wrapping ErrStaleWindow.
	Current(ctx context.Context, key Key, window Window, now time.Time) (*Counter, error)

	// Apply applies every increment or none. A ceiling breach returns an
	// error wrapping ErrConflict. An increment that adds usage to a window
	// older than the live one returns an error wrapping ErrStaleWindow;
	// releases into such windows adjust the archived counter.
	Apply(ctx context.Context, incs []Increment, now time.Time) error

	// SaveReceipt records what an evaluation committed. A second receipt
	// for the same evaluation fails with ErrDuplicateReceipt.
	SaveReceipt(ctx context.Context, r *Receipt) error

	// ClaimReceipt marks an evaluation's receipt released and returns it.
	// Only one claim succeeds; later ones fail with ErrAlreadyReleased.
	ClaimReceipt(ctx context.Context, evaluationID string, now time.Time) (*Receipt, error)

	// UnclaimReceipt clears the release mark after the release could not
	// be applied.
	UnclaimReceipt(ctx context.Context, evaluationID string) error

	// PruneReceipts deletes receipts committed before t.
	PruneReceipts(ctx context.Context, before time.Time) (int, error)

	// Archived returns rotated counters for key, oldest first.
	Archived(ctx context.Context, key Key) ([]*Counter, error)

	// PruneArchived deletes archived counters whose window ended before t.
	PruneArchived(ctx context.Context, before time.Time) (int, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
