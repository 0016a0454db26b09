// Spendguard evaluates spend transactions against configurable limit rules.
//
// It runs as an HTTP service that decides each transaction attempt
// (PASS, PASS_WITH_OVERRIDE, AUTO_APPROVED, PENDING_APPROVAL or BLOCK),
// tracks usage per rule and target in calendar windows, and keeps an
// append-only violation log for review.
//
// Usage:
//
//	# Start the API server
//	spendguard serve --config config.yaml
//
//	# Evaluate transactions offline against a rule file
//	spendguard evaluate --rules rules.yaml --file requests.json
//
//	# Validate rule files
//	spendguard rules lint rules/
//
//	# Query or export the violation log
//	spendguard violations query --rule treasury-daily --since 24h
//	spendguard violations export --format csv --out violations.csv
package main

import (
	"errors"
	"fmt"
	"os"

	"mercator-hq/spendguard/pkg/cli"
)

func main() {
	err := rootCmd.Execute()
	if err != nil {
		var ee *cli.ExitError
		if errors.As(err, &ee) && ee.Err == nil {
			fmt.Fprintln(os.Stderr, ee.Message)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	os.Exit(cli.ExitCode(err))
}
