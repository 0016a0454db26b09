package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/spendguard/pkg/cli"
	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/config"
	"mercator-hq/spendguard/pkg/engine"
	"mercator-hq/spendguard/pkg/rules"
	"mercator-hq/spendguard/pkg/telemetry"
)

var evaluateFlags struct {
	rulesPath string
	file      string
	simulate  bool
	logLevel  string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate transactions against a rule file",
	Long: `Evaluate transaction attempts offline against a rule file.

Requests are read as JSON objects, JSON arrays or newline-delimited JSON from
--file (or stdin). They are evaluated in order against an in-memory ledger, so
cumulative limits see the usage of earlier requests in the same run. The
engine clock follows each request's timestamp, so a recorded day replays as
it happened; requests without one are evaluated at the current time. Rules
left as drafts are treated as active.

The exit status reports the most severe decision: 3 when any request was
blocked, 4 when any is pending approval, 0 otherwise.

Examples:
  # Evaluate one request
  echo '{"amount":"250","currency":"USD","actorId":"u-1","targets":{"card":"c-1"}}' \
    | spendguard evaluate --rules rules.yaml

  # Replay a day of transactions and print JSON results
  spendguard evaluate --rules rules/ --file day.ndjson --output json

  # Dry-run without committing usage between requests
  spendguard evaluate --rules rules.yaml --file requests.json --simulate`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVarP(&evaluateFlags.rulesPath, "rules", "r", "", "rule file or directory (required)")
	evaluateCmd.Flags().StringVarP(&evaluateFlags.file, "file", "f", "-", "request file, - for stdin")
	evaluateCmd.Flags().BoolVar(&evaluateFlags.simulate, "simulate", false, "evaluate without committing usage")
	evaluateCmd.Flags().StringVar(&evaluateFlags.logLevel, "log-level", "error", "log level for engine messages on stderr")
	_ = evaluateCmd.MarkFlagRequired("rules")
}

// evaluationTable renders results as one row per request.
type evaluationTable []*engine.Result

func (t evaluationTable) Header() []string {
	return []string{"#", "EVALUATION", "DECISION", "TRIGGERED", "VIOLATIONS", "APPROVAL"}
}

func (t evaluationTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for i, r := range t {
		rows = append(rows, []string{
			fmt.Sprint(i + 1),
			r.EvaluationID,
			string(r.Decision),
			dashIfEmpty(strings.Join(r.TriggeredRules, ",")),
			fmt.Sprint(len(r.ViolationIDs)),
			dashIfEmpty(r.PendingApprovalID),
		})
	}
	return rows
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if evaluateFlags.file != "-" {
		f, err := os.Open(evaluateFlags.file)
		if err != nil {
			return cli.NewCommandError("evaluate", err)
		}
		defer f.Close()
		in = f
	}
	reqs, err := readRequests(in)
	if err != nil {
		return cli.NewCommandError("evaluate", err)
	}
	if len(reqs) == 0 {
		return cli.NewCommandError("evaluate", errors.New("no requests to evaluate"))
	}

	results, err := evaluateOffline(cmd.Context(), evaluateFlags.rulesPath, reqs, evaluateFlags.simulate, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var data any = evaluationTable(results)
	if format != cli.FormatText && format != cli.FormatCSV {
		data = results
	}
	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data); err != nil {
		return cli.NewCommandError("evaluate", err)
	}
	return decisionExit(results)
}

// evaluateOffline runs reqs in order through an engine built on in-memory
// backends and the rules at rulesPath.
func evaluateOffline(ctx context.Context, rulesPath string, reqs []*rules.Request, simulate bool, logOut io.Writer) ([]*engine.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := config.Default()
	cfg.Ledger.Backend = "memory"
	cfg.Audit.Backend = "memory"
	cfg.Notify.Publisher = "none"
	cfg.Rules.Path = rulesPath
	cfg.Rules.Activate = true
	cfg.Telemetry.Logging.Level = evaluateFlags.logLevel
	cfg.Telemetry.Metrics.Enabled = false
	cfg.Telemetry.Tracing.Enabled = false

	tel, err := telemetry.New(&cfg.Telemetry, Version, logOut, nil)
	if err != nil {
		return nil, cli.NewConfigError("log-level", err.Error())
	}
	replay := clock.NewFake(time.Now())
	s, err := newStack(ctx, cfg, tel, replay)
	if err != nil {
		return nil, cli.NewCommandError("evaluate", err)
	}
	defer s.Close()

	if _, err := s.fileSource(&cfg.Rules, tel).Load(ctx); err != nil {
		return nil, &cli.ExitError{Code: cli.ExitInvalid, Message: "rules failed to load", Err: err}
	}

	eval := s.engine.Evaluate
	if simulate {
		eval = s.engine.Simulate
	}
	results := make([]*engine.Result, 0, len(reqs))
	for i, req := range reqs {
		at := req.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		replay.Set(at)
		res, err := eval(ctx, req)
		if err != nil {
			var ve *rules.ValidationError
			if !errors.As(err, &ve) {
				return nil, cli.NewCommandError("evaluate", fmt.Errorf("request %d: %w", i+1, err))
			}
			tel.Logger.Warn("request rejected", "index", i+1, "error", err)
		}
		results = append(results, res)
	}
	return results, nil
}

// readRequests decodes a stream of JSON objects or arrays of objects.
func readRequests(r io.Reader) ([]*rules.Request, error) {
	dec := json.NewDecoder(r)

	var reqs []*rules.Request
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return reqs, nil
			}
			return nil, fmt.Errorf("malformed request JSON: %w", err)
		}
		if len(raw) > 0 && raw[0] == '[' {
			var batch []*rules.Request
			if err := strictUnmarshal(raw, &batch); err != nil {
				return nil, err
			}
			reqs = append(reqs, batch...)
			continue
		}
		var req rules.Request
		if err := strictUnmarshal(raw, &req); err != nil {
			return nil, err
		}
		reqs = append(reqs, &req)
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request JSON: %w", err)
	}
	return nil
}

// decisionExit maps the most severe decision to the process status.
func decisionExit(results []*engine.Result) error {
	var blocked, pending int
	for _, r := range results {
		switch r.Decision {
		case engine.DecisionBlock:
			blocked++
		case engine.DecisionPendingApproval:
			pending++
		}
	}
	switch {
	case blocked > 0:
		return cli.NewExitError(cli.ExitBlocked, fmt.Sprintf("%d of %d requests blocked", blocked, len(results)))
	case pending > 0:
		return cli.NewExitError(cli.ExitPending, fmt.Sprintf("%d of %d requests pending approval", pending, len(results)))
	}
	return nil
}
