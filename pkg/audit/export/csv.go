package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"mercator-hq/spendguard/pkg/audit"
)

// CSVExporter exports violations as CSV, one row per violation.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{
		IncludeHeader: includeHeader,
	}
}

// Header is the CSV column order.
var Header = []string{
	"id", "evaluation_id",
	"rule_id", "rule_name", "rule_version", "rule_type",
	"scope_target_id", "actor_id", "attempted_amount", "currency", "timestamp",
	"action_taken", "reason", "approval_id", "grant_id",
	"resolution_status", "reviewed_by", "reviewed_at", "review_note",
}

// Export writes violations to w in CSV format.
func (e *CSVExporter) Export(ctx context.Context, violations []*audit.Violation, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(Header); err != nil {
			return audit.NewExportError("csv", len(violations), err)
		}
	}

	for _, v := range violations {
		if err := writer.Write(row(v)); err != nil {
			return audit.NewExportError("csv", len(violations), err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return audit.NewExportError("csv", len(violations), err)
	}
	return nil
}

// ExportStream writes violations from a channel in CSV format, flushing
// every 100 rows.
func (e *CSVExporter) ExportStream(ctx context.Context, ch <-chan *audit.Violation, w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(Header); err != nil {
			return audit.NewExportError("csv", 0, err)
		}
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case v, ok := <-ch:
			if !ok {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return audit.NewExportError("csv", count, err)
				}
				return nil
			}

			if err := writer.Write(row(v)); err != nil {
				return audit.NewExportError("csv", count, err)
			}
			count++

			if count%100 == 0 {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return audit.NewExportError("csv", count, err)
				}
			}
		}
	}
}

func row(v *audit.Violation) []string {
	reviewedAt := ""
	if v.ReviewedAt != nil {
		reviewedAt = v.ReviewedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		v.ID,
		v.EvaluationID,
		v.RuleID,
		v.RuleName,
		strconv.FormatInt(v.RuleVersion, 10),
		v.RuleType,
		v.ScopeTargetID,
		v.ActorID,
		v.AttemptedAmount.String(),
		v.Currency,
		v.Timestamp.UTC().Format(time.RFC3339Nano),
		string(v.Action),
		v.Reason,
		v.ApprovalID,
		v.GrantID,
		string(v.ResolutionStatus),
		v.ReviewedBy,
		reviewedAt,
		v.ReviewNote,
	}
}
