package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mercator-hq/spendguard/pkg/cli"
	"mercator-hq/spendguard/pkg/config"
)

var (
	// Global flags
	cfgFile  string
	envFiles []string
	output   string
)

var rootCmd = &cobra.Command{
	Use:   "spendguard",
	Short: "Spendguard - spend limit rule evaluation engine",
	Long: `Spendguard decides whether a transaction attempt may proceed.

Each attempt is checked against the active limit rules that match its user,
card, account, department or organization. Amount and velocity limits are
tracked per calendar window; breaches are blocked, escalated for approval or
allowed under a time-boxed override, and every violation is recorded for
review.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadEnvFiles,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading configuration (default .env when present)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml, csv")
}

// loadEnvFiles loads dotenv files into the environment. Variables already set
// win. A missing default .env is not an error; a missing named file is.
func loadEnvFiles(cmd *cobra.Command, args []string) error {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cli.NewConfigError("env-file", err.Error())
		}
		return nil
	}
	if err := godotenv.Load(envFiles...); err != nil {
		return cli.NewConfigError("env-file", err.Error())
	}
	return nil
}

// loadConfig returns the process configuration: the --config file with
// SPENDGUARD_* environment overrides, or the defaults when no file is given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfg := config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, cli.NewConfigError("", err.Error())
		}
		config.SetConfig(cfg)
		return cfg, nil
	}
	if _, err := os.Stat(cfgFile); err != nil {
		return nil, cli.NewConfigError("config", fmt.Sprintf("cannot read %s: %v", cfgFile, err))
	}
	if err := config.Initialize(cfgFile); err != nil {
		return nil, cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	return config.GetConfig(), nil
}

// outputFormat validates the --output flag.
func outputFormat() (cli.OutputFormat, error) {
	return cli.ParseOutputFormat(output)
}
