package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/rules"
)

// Config configures a Ledger.
type Config struct {
	// Backend stores the counters. Default: in-memory.
	Backend Backend

	// Location anchors calendar windows. Default: UTC.
	Location *time.Location

	Logger *slog.Logger
}

// Ledger tracks per-rule, per-target usage in calendar windows.
type Ledger struct {
	backend  Backend
	location *time.Location
	logger   *slog.Logger
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	if cfg.Backend == nil {
		cfg.Backend = NewMemoryBackend()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		backend:  cfg.Backend,
		location: cfg.Location,
		logger:   cfg.Logger.With("component", "ledger"),
	}
}

// Location returns the timezone windows are anchored in.
func (l *Ledger) Location() *time.Location {
	return l.location
}

// KeyFor returns the counter key of a rule for a scope target.
func KeyFor(rule *rules.Rule, target string) Key {
	return Key{RuleID: rule.ID, ScopeTargetID: target}
}

// Window returns the window a rule accumulates into at time t. ok is false
// for rules that keep no state.
func (l *Ledger) Window(rule *rules.Rule, t time.Time) (Window, bool, error) {
	if !rule.IsCumulative() {
		return Window{}, false, nil
	}
	return WindowFor(rule.Timeframe(), t, l.location)
}

// Usage returns the live counter of a cumulative rule for target at time t,
// rotating an expired counter first. Non-cumulative rules get a zero counter.
func (l *Ledger) Usage(ctx context.Context, rule *rules.Rule, target string, t time.Time) (*Counter, error) {
	w, ok, err := l.Window(rule, t)
	if err != nil {
		return nil, err
	}
	key := KeyFor(rule, target)
	if !ok {
		return &Counter{Key: key, Amount: decimal.Zero}, nil
	}
	return l.backend.Current(ctx, key, w, t)
}

// Commit applies increments atomically and records them under evaluationID
// so Release can undo exactly this commit. A ceiling breach returns an error
// wrapping ErrConflict and applies nothing. An evaluation ID commits once.
func (l *Ledger) Commit(ctx context.Context, evaluationID string, incs []Increment, now time.Time) error {
	if evaluationID == "" {
		return fmt.Errorf("commit usage: evaluation id cannot be empty")
	}
	if len(incs) == 0 {
		return nil
	}
	if err := l.backend.Apply(ctx, incs, now); err != nil {
		l.logger.Debug("commit rejected", "evaluation_id", evaluationID, "increments", len(incs), "error", err)
		return err
	}

	r := &Receipt{EvaluationID: evaluationID, Increments: incs, CommittedAt: now}
	if err := l.backend.SaveReceipt(ctx, r); err != nil {
		if uerr := l.backend.Apply(context.WithoutCancel(ctx), negateAll(incs), now); uerr != nil {
			l.logger.Error("failed to undo commit without receipt", "evaluation_id", evaluationID, "error", uerr)
		}
		return fmt.Errorf("record receipt for %s: %w", evaluationID, err)
	}
	return nil
}

// Release undoes the usage committed under evaluationID and returns the
// increments it reversed. It succeeds once per evaluation; unknown IDs fail
// with ErrReceiptNotFound and repeated calls with ErrAlreadyReleased.
// Counters are floored at zero and released windows that have since rotated
// stay archived.
func (l *Ledger) Release(ctx context.Context, evaluationID string, now time.Time) ([]Increment, error) {
	r, err := l.backend.ClaimReceipt(ctx, evaluationID, now)
	if err != nil {
		return nil, err
	}
	if err := l.backend.Apply(ctx, negateAll(r.Increments), now); err != nil {
		if uerr := l.backend.UnclaimReceipt(context.WithoutCancel(ctx), evaluationID); uerr != nil {
			l.logger.Error("failed to restore receipt", "evaluation_id", evaluationID, "error", uerr)
		}
		return nil, fmt.Errorf("release usage: %w", err)
	}
	l.logger.Info("usage released", "evaluation_id", evaluationID, "increments", len(r.Increments))
	return r.Increments, nil
}

// Archived returns the rotated counters of a rule for a target.
func (l *Ledger) Archived(ctx context.Context, rule *rules.Rule, target string) ([]*Counter, error) {
	return l.backend.Archived(ctx, KeyFor(rule, target))
}

// PruneArchived removes archived counters whose window ended before t, and
// release receipts committed before t. It returns the number of counters
// removed.
func (l *Ledger) PruneArchived(ctx context.Context, before time.Time) (int, error) {
	n, err := l.backend.PruneArchived(ctx, before)
	if err != nil {
		return 0, err
	}
	receipts, err := l.backend.PruneReceipts(ctx, before)
	if err != nil {
		return n, err
	}
	if n > 0 || receipts > 0 {
		l.logger.Info("archived usage pruned", "counters", n, "receipts", receipts, "before", before)
	}
	return n, nil
}

// Ping checks the backend.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.backend.Ping(ctx)
}

// Close closes the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

// Band classifies how close usage is to its limit.
type Band string

const (
	BandNormal   Band = "normal"
	BandWarning  Band = "warning"
	BandCritical Band = "critical"
)

// UsageStatus summarizes a limit rule's usage for one target.
type UsageStatus struct {
	RuleID        string          `json:"ruleId"`
	ScopeTargetID string          `json:"scopeTargetId"`
	Timeframe     rules.Timeframe `json:"timeframe"`
	WindowStart   time.Time       `json:"windowStart,omitempty"`
	WindowEnd     time.Time       `json:"windowEnd,omitempty"`
	Limit         decimal.Decimal `json:"limit"`
	Used          decimal.Decimal `json:"used"`
	Remaining     decimal.Decimal `json:"remaining"`
	Percentage    float64         `json:"percentage"`
	Band          Band            `json:"band"`
}

// Status reports used, remaining and percentage for an amount or velocity
// rule. Velocity limits and usage are expressed as counts.
func (l *Ledger) Status(ctx context.Context, rule *rules.Rule, target string, t time.Time) (*UsageStatus, error) {
	var limit decimal.Decimal
	switch {
	case rule.Limit.Amount != nil:
		limit = rule.Limit.Amount.Amount
	case rule.Limit.Frequency != nil:
		limit = decimal.NewFromInt(rule.Limit.Frequency.MaxCount)
	default:
		return nil, fmt.Errorf("rule %s (%s) has no usage limit", rule.ID, rule.Type)
	}

	c, err := l.Usage(ctx, rule, target, t)
	if err != nil {
		return nil, err
	}

	used := c.Amount
	if rule.Limit.Frequency != nil {
		used = decimal.NewFromInt(c.Count)
	}

	remaining := limit.Sub(used)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	pct := 0.0
	if limit.IsPositive() {
		pct = used.Div(limit).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}

	return &UsageStatus{
		RuleID:        rule.ID,
		ScopeTargetID: target,
		Timeframe:     rule.Timeframe(),
		WindowStart:   c.WindowStart,
		WindowEnd:     c.WindowEnd,
		Limit:         limit,
		Used:          used,
		Remaining:     remaining,
		Percentage:    pct,
		Band:          BandFor(pct),
	}, nil
}

// BandFor classifies a usage percentage: below 75 is normal, below 90 is
// warning, anything higher is critical.
func BandFor(pct float64) Band {
	switch {
	case pct >= 90:
		return BandCritical
	case pct >= 75:
		return BandWarning
	}
	return BandNormal
}
