package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"mercator-hq/spendguard/pkg/audit"
	"mercator-hq/spendguard/pkg/audit/export"
	"mercator-hq/spendguard/pkg/audit/query"
	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/rules"
)

// Export formats accepted by Recorder.Export.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Config configures a Recorder.
type Config struct {
	Storage audit.Storage
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Recorder is the write and review path of the violation log. Writes are
// synchronous: the engine needs to know a violation is durable before it
// returns a decision.
type Recorder struct {
	storage audit.Storage
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a Recorder over cfg.Storage.
func New(cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		storage: cfg.Storage,
		clock:   clock.OrSystem(cfg.Clock),
		logger:  cfg.Logger.With("component", "audit.recorder"),
	}
}

// Record appends violations as one batch. Missing IDs and timestamps are
// filled in on the passed records, and new records start under review.
// Either every violation is stored or none is.
func (r *Recorder) Record(ctx context.Context, violations []*audit.Violation) error {
	if len(violations) == 0 {
		return nil
	}

	now := r.clock.Now().UTC()
	for _, v := range violations {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.Timestamp.IsZero() {
			v.Timestamp = now
		}
		if v.ResolutionStatus == "" {
			v.ResolutionStatus = audit.ResolutionUnderReview
		}
		if err := validate(v); err != nil {
			return err
		}
	}

	if err := r.storage.Append(ctx, violations); err != nil {
		r.logger.Error("failed to record violations",
			"count", len(violations),
			"evaluation_id", violations[0].EvaluationID,
			"error", err,
		)
		return err
	}

	for _, v := range violations {
		r.logger.Info("violation recorded",
			"violation_id", v.ID,
			"evaluation_id", v.EvaluationID,
			"rule_id", v.RuleID,
			"actor_id", v.ActorID,
			"action", v.Action,
			"amount", v.AttemptedAmount.String(),
		)
	}
	return nil
}

func validate(v *audit.Violation) error {
	switch {
	case v.RuleID == "":
		return rules.NewValidationError(rules.CodeRequired, "ruleId", "violation has no rule")
	case v.EvaluationID == "":
		return rules.NewValidationError(rules.CodeRequired, "evaluationId", "violation has no evaluation")
	case !slices.Contains(audit.Actions, v.Action):
		return rules.NewValidationError(rules.CodeInvalidRequest, "actionTaken", "unknown action %q", v.Action)
	case !slices.Contains(audit.Resolutions, v.ResolutionStatus):
		return rules.NewValidationError(rules.CodeInvalidResolution, "resolutionStatus", "unknown resolution %q", v.ResolutionStatus)
	}
	return nil
}

// Get returns one violation.
func (r *Recorder) Get(ctx context.Context, id string) (*audit.Violation, error) {
	return r.storage.Get(ctx, id)
}

// Query validates q, applies the default page size and ordering, and runs it.
func (r *Recorder) Query(ctx context.Context, q *audit.Query) ([]*audit.Violation, error) {
	if q == nil {
		q = &audit.Query{}
	}
	if err := query.Validate(q); err != nil {
		return nil, err
	}
	query.ApplyDefaults(q)
	return r.storage.Query(ctx, q)
}

// Count returns the number of violations matching q.
func (r *Recorder) Count(ctx context.Context, q *audit.Query) (int64, error) {
	if q == nil {
		q = &audit.Query{}
	}
	if err := query.Validate(q); err != nil {
		return 0, err
	}
	return r.storage.Count(ctx, q)
}

// Resolve records a review outcome. Only the review fields of a violation
// ever change.
func (r *Recorder) Resolve(ctx context.Context, u audit.ResolutionUpdate) (*audit.Violation, error) {
	switch {
	case u.ID == "":
		return nil, rules.NewValidationError(rules.CodeRequired, "id", "violation id is required")
	case u.ReviewedBy == "":
		return nil, rules.NewValidationError(rules.CodeRequired, "reviewedBy", "reviewer is required")
	case !slices.Contains(audit.Resolutions, u.Status):
		return nil, rules.NewValidationError(rules.CodeInvalidResolution, "status", "unknown resolution %q", u.Status)
	}
	if u.ReviewedAt.IsZero() {
		u.ReviewedAt = r.clock.Now().UTC()
	}

	v, err := r.storage.UpdateResolution(ctx, u)
	if err != nil {
		return nil, err
	}
	r.logger.Info("violation reviewed",
		"violation_id", v.ID,
		"status", v.ResolutionStatus,
		"reviewed_by", v.ReviewedBy,
	)
	return v, nil
}

// Export streams every violation matching q to w. Pagination in q is
// honoured; without a limit the whole match set is written.
func (r *Recorder) Export(ctx context.Context, q *audit.Query, format string, w io.Writer) error {
	var exp audit.Exporter
	switch format {
	case FormatJSON, "":
		exp = export.NewJSONExporter(false)
	case FormatCSV:
		exp = export.NewCSVExporter(true)
	default:
		return rules.NewValidationError(rules.CodeInvalidQuery, "format", "unsupported export format %q", format)
	}

	if q == nil {
		q = &audit.Query{}
	}
	if err := query.Validate(q); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, errCh, err := r.storage.QueryStream(ctx, q)
	if err != nil {
		return err
	}
	if err := exp.ExportStream(ctx, ch, w); err != nil {
		cancel()
		for range ch {
		}
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("export query: %w", err)
	}
	return nil
}
