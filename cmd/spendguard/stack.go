package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"mercator-hq/spendguard/pkg/approvals"
	"mercator-hq/spendguard/pkg/audit/recorder"
	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/config"
	"mercator-hq/spendguard/pkg/engine"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/rules/store"
	"mercator-hq/spendguard/pkg/telemetry"
)

// stack is the evaluation core wired from configuration.
type stack struct {
	rules     *store.Store
	ledger    *ledger.Ledger
	grants    *overrides.Registry
	workflow  *approvals.Workflow
	recorder  *recorder.Recorder
	engine    *engine.Engine
	publisher *publisherHandle

	closers []func() error
}

// newStack opens the configured backends and builds the engine around them.
// A nil clk means the wall clock. On error everything opened so far is
// closed.
func newStack(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, clk clock.Clock) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	logger := tel.Logger
	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine.timezone: %w", err)
	}

	backend, err := openLedgerBackend(ctx, &cfg.Ledger)
	if err != nil {
		return nil, err
	}
	s.ledger = ledger.New(ledger.Config{Backend: backend, Location: loc, Logger: logger})
	s.closers = append(s.closers, s.ledger.Close)

	violations, err := openAuditStorage(ctx, &cfg.Audit)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, violations.Close)
	s.recorder = recorder.New(recorder.Config{Storage: violations, Clock: clk, Logger: logger})

	s.publisher, err = newPublisher(&cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	if s.publisher.close != nil {
		s.closers = append(s.closers, s.publisher.close)
	}

	s.rules = store.New(store.Config{Logger: logger})
	s.grants = overrides.New(overrides.Config{
		Rules:            s.rules,
		ApprovalGrantTTL: cfg.Approvals.GrantTTL,
		Clock:            clk,
		Logger:           logger,
	})
	s.workflow = approvals.New(approvals.Config{
		Timeout:   cfg.Approvals.Timeout,
		Grants:    s.grants,
		Publisher: s.publisher,
		Clock:     clk,
		Logger:    logger,
	})

	s.engine, err = engine.New(engine.Config{
		Rules:        s.rules,
		Ledger:       s.ledger,
		Overrides:    s.grants,
		Approvals:    s.workflow,
		Recorder:     s.recorder,
		Logger:       logger,
		Metrics:      tel.Metrics,
		Tracer:       tel.Tracer,
		Clock:        clk,
		MaxRetries:   cfg.Engine.MaxRetries,
		RetryBackoff: cfg.Engine.RetryBackoff,
		Timeout:      cfg.Engine.EvaluationTimeout,
		MaxClockSkew: cfg.Engine.MaxClockSkew,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// fileSource returns the rule file source for cfg, or nil when rules are
// managed through the API only.
func (s *stack) fileSource(cfg *config.RulesConfig, tel *telemetry.Telemetry) *store.FileSource {
	if cfg.Path == "" {
		return nil
	}
	return &store.FileSource{Path: cfg.Path, Store: s.rules, Activate: cfg.Activate, Logger: tel.Logger}
}

// Close releases backends in reverse order of opening.
func (s *stack) Close() error {
	var errs []error
	for _, c := range slices.Backward(s.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
