package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/spendguard/pkg/cli"
	"mercator-hq/spendguard/pkg/config"
	"mercator-hq/spendguard/pkg/rules/store"
	"mercator-hq/spendguard/pkg/scheduler"
	sgtls "mercator-hq/spendguard/pkg/security/tls"
	"mercator-hq/spendguard/pkg/server"
	"mercator-hq/spendguard/pkg/telemetry"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
	rulesPath     string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Spendguard API server",
	Long: `Start the Spendguard API server with the specified configuration.

The server loads rules from rules.path (hot reloading them when rules.watch is
set), opens the configured ledger and violation log backends, runs the
approval expiry, override purge and ledger retention jobs, and serves the
evaluation and administration API until interrupted.

Examples:
  # Start with defaults (in-memory ledger, SQLite violation log)
  spendguard serve

  # Start with a config file and a rule directory
  spendguard serve --config /etc/spendguard/config.yaml --rules /etc/spendguard/rules

  # Validate config and rules without starting the server
  spendguard serve --config config.yaml --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveFlags.rulesPath, "rules", "", "override rule file or directory")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config and rules without starting the server")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError("", err.Error())
	}

	if serveFlags.dryRun {
		if cfg.Rules.Path != "" {
			loaded, err := store.LoadPath(cfg.Rules.Path)
			if err != nil {
				return cli.NewCommandError("serve", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d rules valid in %s\n", len(loaded), cfg.Rules.Path)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	tel, err := telemetry.New(&cfg.Telemetry, Version, cmd.ErrOrStderr(), nil)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	logger := tel.Logger
	slog.SetDefault(logger)

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

	s, err := newStack(ctx, cfg, tel, nil)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	defer s.Close()

	var rulesLoaded atomic.Bool
	registerHealthChecks(tel, s, cfg, &rulesLoaded)
	tel.Metrics.TrackPendingApprovals(s.workflow.PendingCount)

	src := s.fileSource(&cfg.Rules, tel)
	if src != nil {
		res, err := src.Load(ctx)
		if err != nil {
			return cli.NewCommandError("serve", fmt.Errorf("initial rule load failed: %w", err))
		}
		logger.Info("rules loaded",
			"path", cfg.Rules.Path,
			"created", len(res.Created),
			"active", s.rules.Snapshot().Len(),
		)
	}
	rulesLoaded.Store(true)

	sched, err := newScheduler(cfg, s, tel)
	if err != nil {
		return cli.NewConfigError("", err.Error())
	}

	deps := server.Deps{
		Engine:     s.engine,
		Rules:      s.rules,
		Usage:      s.ledger,
		Overrides:  s.grants,
		Approvals:  s.workflow,
		Violations: s.recorder,
		Health:     tel.Health,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
		Logger:     logger,
		Build:      server.BuildInfo{Version: Version, Commit: GitCommit, BuildTime: BuildDate},
	}
	if cfg.Server.TLS.Enabled {
		srvTLS, err := sgtls.New(cfg.Server.TLS, logger)
		if err != nil {
			return cli.NewConfigError("server.tls", err.Error())
		}
		if err := srvTLS.Start(ctx); err != nil {
			return cli.NewCommandError("serve", fmt.Errorf("failed to load TLS certificate: %w", err))
		}
		deps.TLS = srvTLS.Config()
		deps.ClientIdentity = srvTLS.ClientIdentity
	}
	srv, err := server.New(&cfg.Server, cfg.Telemetry, deps)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if src != nil && cfg.Rules.Watch {
		g.Go(func() error {
			err := src.Watch(gctx, store.WatchOptions{Debounce: cfg.Rules.WatchDebounce})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("rule watcher: %w", err)
			}
			return nil
		})
	}
	sched.Start(gctx)
	defer sched.Stop()

	logger.Info("spendguard started",
		"version", Version,
		"listen_address", cfg.Server.ListenAddress,
		"tls", cfg.Server.TLS.Enabled,
		"auth", cfg.Server.Auth.Enabled,
		"ledger_backend", cfg.Ledger.Backend,
		"audit_backend", cfg.Audit.Backend,
		"notify_publisher", cfg.Notify.Publisher,
	)

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if terr := tel.Shutdown(shutdownCtx); terr != nil {
		logger.Warn("telemetry shutdown failed", "error", terr)
	}

	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	logger.Info("spendguard stopped")
	return nil
}

func applyServeOverrides(cfg *config.Config) {
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = serveFlags.logLevel
	}
	if serveFlags.rulesPath != "" {
		cfg.Rules.Path = serveFlags.rulesPath
	}
}

// registerHealthChecks makes readiness depend on the ledger and the initial
// rule load. The publisher is non-critical: approvals still work when
// notifications are down.
func registerHealthChecks(tel *telemetry.Telemetry, s *stack, cfg *config.Config, rulesLoaded *atomic.Bool) {
	tel.Health.RegisterCheck("ledger", s.ledger.Ping)
	tel.Health.RegisterCheck("rules", func(context.Context) error {
		if !rulesLoaded.Load() {
			return errors.New("rules not loaded")
		}
		return nil
	})
	if s.publisher.ping != nil {
		tel.Health.RegisterNonCritical("notify", s.publisher.ping)
	}
}

// newScheduler registers the maintenance jobs. Jobs with an empty schedule
// are skipped; ledger pruning also needs a positive retention.
func newScheduler(cfg *config.Config, s *stack, tel *telemetry.Telemetry) (*scheduler.Scheduler, error) {
	sched := scheduler.New(tel.Logger)
	jobs := []scheduler.Job{
		scheduler.ApprovalExpiry(cfg.Approvals.ExpirySchedule, s.workflow, tel.Metrics),
		scheduler.OverridePurge(cfg.Overrides.PurgeSchedule, s.grants),
	}
	if cfg.Ledger.ArchiveRetention > 0 {
		jobs = append(jobs, scheduler.LedgerPrune(cfg.Ledger.PruneSchedule, s.ledger, cfg.Ledger.ArchiveRetention, nil, tel.Metrics))
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
