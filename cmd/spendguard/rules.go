package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mercator-hq/spendguard/pkg/cli"
	"mercator-hq/spendguard/pkg/rules/store"
)

var rulesLintFlags struct {
	progress bool
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with rule files",
}

var rulesLintCmd = &cobra.Command{
	Use:   "lint PATH...",
	Short: "Validate rule files",
	Long: `Validate YAML rule files for syntax and semantic errors.

Each path may be a file or a directory; directories are searched for .yaml
and .yml files, skipping hidden entries. Every rule is normalized and
validated exactly as the server would on load, and rule IDs must be unique
across all files.

The exit status is 5 when any file fails.

Examples:
  # Lint one file
  spendguard rules lint rules.yaml

  # Lint a directory with JSON output for CI
  spendguard rules lint rules/ --output json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRulesLint,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesLintCmd)

	rulesLintCmd.Flags().BoolVar(&rulesLintFlags.progress, "progress", false, "report each checked file on stderr")
}

// lintResult is the outcome for one file.
type lintResult struct {
	File   string   `json:"file"`
	Rules  []string `json:"rules"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// lintReport is the outcome of a lint run.
type lintReport struct {
	Files   []*lintResult `json:"files"`
	Rules   int           `json:"rules"`
	Invalid int           `json:"invalid"`
}

func (r *lintReport) Header() []string {
	return []string{"FILE", "RULES", "STATUS", "ERRORS"}
}

func (r *lintReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Files))
	for _, f := range r.Files {
		status := "ok"
		if !f.Valid {
			status = "invalid"
		}
		rows = append(rows, []string{
			f.File,
			fmt.Sprint(len(f.Rules)),
			status,
			dashIfEmpty(strings.Join(f.Errors, "; ")),
		})
	}
	return rows
}

func runRulesLint(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}

	files, err := collectRuleFiles(args)
	if err != nil {
		return cli.NewCommandError("rules lint", err)
	}
	if len(files) == 0 {
		return cli.NewCommandError("rules lint", fmt.Errorf("no rule files found in %s", strings.Join(args, ", ")))
	}

	var progress *cli.Progress
	if rulesLintFlags.progress {
		progress = cli.NewProgress(cmd.ErrOrStderr(), "files", len(files))
	}
	report := lintFiles(files, func(res *lintResult) {
		progress.Step(res.File, res.Valid)
	})
	progress.Done()

	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), report); err != nil {
		return cli.NewCommandError("rules lint", err)
	}
	if report.Invalid > 0 {
		return cli.NewExitError(cli.ExitInvalid, fmt.Sprintf("%d of %d files invalid", report.Invalid, len(report.Files)))
	}
	return nil
}

// lintFiles validates each file and checks rule IDs are unique across them.
func lintFiles(files []string, onFile func(*lintResult)) *lintReport {
	report := &lintReport{}
	owner := make(map[string]string)

	for _, path := range files {
		res := &lintResult{File: path, Valid: true, Rules: []string{}}
		loaded, err := store.LoadFile(path)
		if err != nil {
			res.Valid = false
			res.Errors = splitJoined(err)
		}
		for _, r := range loaded {
			res.Rules = append(res.Rules, r.ID)
			if prev, ok := owner[r.ID]; ok {
				res.Valid = false
				res.Errors = append(res.Errors, fmt.Sprintf("rule %q is already defined in %s", r.ID, prev))
				continue
			}
			owner[r.ID] = path
		}

		report.Rules += len(res.Rules)
		if !res.Valid {
			report.Invalid++
		}
		report.Files = append(report.Files, res)
		if onFile != nil {
			onFile(res)
		}
	}
	return report
}

// splitJoined flattens an errors.Join result into one message per error.
func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, splitJoined(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

// collectRuleFiles expands paths into a sorted, de-duplicated file list.
func collectRuleFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(filepath.Clean(root))
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(p)) {
			case ".yaml", ".yml":
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}
