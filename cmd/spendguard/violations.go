package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/spendguard/pkg/audit"
	"mercator-hq/spendguard/pkg/audit/recorder"
	"mercator-hq/spendguard/pkg/cli"
)

var violationFlags struct {
	ruleID     string
	actorID    string
	target     string
	action     string
	resolution string
	since      time.Duration
	from       string
	to         string
	limit      int
	offset     int
	sortBy     string
	sortOrder  string

	format string
	out    string
}

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "Query and export the violation log",
	Long: `Query and export the violation log of the configured audit backend.

Examples:
  # Violations of one rule in the last day
  spendguard violations query --rule treasury-daily --since 24h

  # Unreviewed blocks as JSON
  spendguard violations query --action blocked --status under_review -o json

  # Export everything in March to CSV
  spendguard violations export --from 2026-03-01T00:00:00Z --to 2026-03-31T23:59:59Z \
    --format csv --out march.csv`,
}

var violationsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List violations matching filters",
	RunE:  runViolationsQuery,
}

var violationsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export violations as JSON or CSV",
	RunE:  runViolationsExport,
}

func init() {
	rootCmd.AddCommand(violationsCmd)
	violationsCmd.AddCommand(violationsQueryCmd, violationsExportCmd)

	f := violationsCmd.PersistentFlags()
	f.StringVar(&violationFlags.ruleID, "rule", "", "filter by rule ID")
	f.StringVar(&violationFlags.actorID, "actor", "", "filter by actor ID")
	f.StringVar(&violationFlags.target, "target", "", "filter by scope target ID")
	f.StringVar(&violationFlags.action, "action", "", "filter by action (blocked, warned, approved-with-override, auto-approved, pending-approval)")
	f.StringVar(&violationFlags.resolution, "status", "", "filter by resolution status (under_review, acknowledged, resolved)")
	f.DurationVar(&violationFlags.since, "since", 0, "only violations newer than this duration")
	f.StringVar(&violationFlags.from, "from", "", "start time (RFC 3339)")
	f.StringVar(&violationFlags.to, "to", "", "end time (RFC 3339)")
	f.StringVar(&violationFlags.sortBy, "sort", "", "sort by timestamp, attempted_amount or rule_id")
	f.StringVar(&violationFlags.sortOrder, "order", "", "sort order: asc or desc")
	f.IntVar(&violationFlags.offset, "offset", 0, "results to skip")

	violationsQueryCmd.Flags().IntVar(&violationFlags.limit, "limit", 100, "maximum results")

	violationsExportCmd.Flags().StringVar(&violationFlags.format, "format", recorder.FormatJSON, "export format: json or csv")
	violationsExportCmd.Flags().StringVar(&violationFlags.out, "out", "-", "output file, - for stdout")
}

// violationTable renders violations as one row each.
type violationTable []*audit.Violation

func (t violationTable) Header() []string {
	return []string{"TIME", "ID", "RULE", "TARGET", "ACTOR", "AMOUNT", "ACTION", "RESOLUTION"}
}

func (t violationTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, v := range t {
		rows = append(rows, []string{
			v.Timestamp.UTC().Format(time.RFC3339),
			v.ID,
			v.RuleID,
			v.ScopeTargetID,
			v.ActorID,
			v.AttemptedAmount.String() + " " + v.Currency,
			string(v.Action),
			string(v.ResolutionStatus),
		})
	}
	return rows
}

// buildQuery turns the filter flags into a query.
func buildQuery(now time.Time) (*audit.Query, error) {
	q := &audit.Query{
		RuleID:           violationFlags.ruleID,
		ActorID:          violationFlags.actorID,
		ScopeTargetID:    violationFlags.target,
		Action:           audit.Action(violationFlags.action),
		ResolutionStatus: audit.Resolution(violationFlags.resolution),
		Limit:            violationFlags.limit,
		Offset:           violationFlags.offset,
		SortBy:           violationFlags.sortBy,
		SortOrder:        violationFlags.sortOrder,
	}

	if violationFlags.since > 0 {
		if violationFlags.from != "" {
			return nil, cli.NewConfigError("since", "--since and --from are mutually exclusive")
		}
		start := now.Add(-violationFlags.since)
		q.StartTime = &start
	}
	for _, tf := range []struct {
		name string
		raw  string
		dst  **time.Time
	}{
		{"from", violationFlags.from, &q.StartTime},
		{"to", violationFlags.to, &q.EndTime},
	} {
		if tf.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, tf.raw)
		if err != nil {
			return nil, cli.NewConfigError(tf.name, fmt.Sprintf("must be RFC 3339: %v", err))
		}
		*tf.dst = &t
	}
	return q, nil
}

// openRecorder opens the configured violation storage.
func openRecorder(ctx context.Context) (*recorder.Recorder, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openAuditStorage(ctx, &cfg.Audit)
	if err != nil {
		return nil, nil, err
	}
	return recorder.New(recorder.Config{Storage: st}), st.Close, nil
}

func runViolationsQuery(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	q, err := buildQuery(time.Now())
	if err != nil {
		return err
	}

	ctx := context.Background()
	rec, closeFn, err := openRecorder(ctx)
	if err != nil {
		return cli.NewCommandError("violations query", err)
	}
	defer closeFn()

	total, err := rec.Count(ctx, q)
	if err != nil {
		return cli.NewCommandError("violations query", err)
	}
	list, err := rec.Query(ctx, q)
	if err != nil {
		return cli.NewCommandError("violations query", err)
	}

	switch format {
	case cli.FormatText, cli.FormatCSV:
		if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), violationTable(list)); err != nil {
			return err
		}
		if format == cli.FormatText {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d violations\n", len(list), total)
		}
		return nil
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), map[string]any{
		"violations": list,
		"total":      total,
	})
}

func runViolationsExport(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(time.Now())
	if err != nil {
		return err
	}
	// Exports cover the whole match set.
	q.Limit = 0

	ctx := context.Background()
	rec, closeFn, err := openRecorder(ctx)
	if err != nil {
		return cli.NewCommandError("violations export", err)
	}
	defer closeFn()

	var w io.Writer = cmd.OutOrStdout()
	if violationFlags.out != "-" {
		f, err := os.Create(violationFlags.out)
		if err != nil {
			return cli.NewCommandError("violations export", err)
		}
		defer f.Close()
		w = f
	}

	if err := rec.Export(ctx, q, violationFlags.format, w); err != nil {
		return cli.NewCommandError("violations export", err)
	}
	if violationFlags.out != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Exported violations to %s\n", violationFlags.out)
	}
	return nil
}
