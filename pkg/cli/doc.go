/*
Package cli provides the helpers shared by the spendguard commands.

Output Formatting:

Command results are printed as a table, JSON, YAML or CSV:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, result); err != nil {
		return err
	}

Values implementing Table render as aligned columns in text mode and as rows
in CSV mode.

Exit Codes:

Commands return an *ExitError when the process must exit with a specific
status, for example when an evaluation is blocked:

	if res.Decision == engine.DecisionBlock {
		return cli.NewExitError(cli.ExitBlocked, "transaction blocked")
	}

Progress Reporting:

	progress := cli.NewProgress(os.Stderr, "files", len(files))
	for _, f := range files {
		progress.Step(f, lint(f) == nil)
	}
	progress.Done()

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
*/
package cli
