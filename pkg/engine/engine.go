package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mercator-hq/spendguard/pkg/approvals"
	"mercator-hq/spendguard/pkg/audit/recorder"
	"mercator-hq/spendguard/pkg/audit/storage"
	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/matcher"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/rules"
	"mercator-hq/spendguard/pkg/rules/store"
	"mercator-hq/spendguard/pkg/telemetry/logging"
	"mercator-hq/spendguard/pkg/telemetry/metrics"
	"mercator-hq/spendguard/pkg/telemetry/tracing"
)

const (
	// DefaultMaxRetries bounds re-evaluations after lost commits.
	DefaultMaxRetries = 5

	// DefaultRetryBackoff is the first retry delay; it doubles per retry.
	DefaultRetryBackoff = 2 * time.Millisecond

	// DefaultMaxClockSkew bounds how far a request timestamp may stray
	// from the engine clock.
	DefaultMaxClockSkew = 5 * time.Minute

	maxRetryBackoff = 250 * time.Millisecond
)

// RuleSource provides the point-in-time rule view an evaluation reads.
// *store.Store satisfies it.
type RuleSource interface {
	Snapshot() *store.Snapshot
}

// Config configures an Engine. Rules is required; Ledger, Matcher and
// Recorder default to in-memory implementations. Without Overrides no grant
// is ever found, and without Approvals breaches of approval rules block.
type Config struct {
	Rules     RuleSource
	Matcher   *matcher.Matcher
	Ledger    *ledger.Ledger
	Overrides *overrides.Registry
	Approvals *approvals.Workflow
	Recorder  *recorder.Recorder

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer

	// MaxRetries bounds re-evaluation after a lost commit. Default: 5.
	MaxRetries int

	// RetryBackoff is the first retry delay. Default: 2ms.
	RetryBackoff time.Duration

	// Timeout bounds one evaluation including retries. Zero disables it.
	Timeout time.Duration

	// MaxClockSkew bounds how far a request timestamp may be from the
	// engine clock in either direction. Default: 5m.
	MaxClockSkew time.Duration
}

// Engine decides whether transaction attempts may proceed.
//
// Engine is safe for concurrent use. It holds no lock of its own:
// evaluations for different scope targets run fully in parallel and
// evaluations sharing a ledger key are serialized by the ledger at commit.
type Engine struct {
	rules     RuleSource
	matcher   *matcher.Matcher
	ledger    *ledger.Ledger
	overrides *overrides.Registry
	approvals *approvals.Workflow
	recorder  *recorder.Recorder

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer

	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration
	maxSkew      time.Duration
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Rules == nil {
		return nil, errors.New("engine: rule source cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Matcher == nil {
		cfg.Matcher = matcher.New(cfg.Logger)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.New(ledger.Config{Logger: cfg.Logger})
	}
	if cfg.Recorder == nil {
		cfg.Recorder = recorder.New(recorder.Config{
			Storage: storage.NewMemoryStorage(),
			Clock:   cfg.Clock,
			Logger:  cfg.Logger,
		})
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("engine: max retries cannot be negative, got %d", cfg.MaxRetries)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}

	return &Engine{
		rules:        cfg.Rules,
		matcher:      cfg.Matcher,
		ledger:       cfg.Ledger,
		overrides:    cfg.Overrides,
		approvals:    cfg.Approvals,
		recorder:     cfg.Recorder,
		clock:        clock.OrSystem(cfg.Clock),
		logger:       cfg.Logger.With("component", "engine"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		timeout:      cfg.Timeout,
		maxSkew:      cfg.MaxClockSkew,
	}, nil
}

// Evaluate decides a transaction attempt and applies its side effects: usage
// is committed on a passing decision, approval grants are consumed, approval
// requests are opened and violations are recorded.
//
// Evaluate never fails open. Whenever it returns an error the result, which
// is always non-nil, carries DecisionBlock.
func (e *Engine) Evaluate(ctx context.Context, req *rules.Request) (*Result, error) {
	return e.run(ctx, req, false)
}

// Simulate decides a transaction attempt without side effects. Nothing is
// committed, consumed, opened or recorded.
func (e *Engine) Simulate(ctx context.Context, req *rules.Request) (*Result, error) {
	return e.run(ctx, req, true)
}

// Release reverses the usage an earlier evaluation committed, for example
// after a refund, and returns the increments it reversed. The ledger
// remembers what each evaluation committed, so only that usage is taken
// back and only once: unknown evaluations fail with
// ledger.ErrReceiptNotFound and repeated releases with
// ledger.ErrAlreadyReleased. Counters never drop below zero.
func (e *Engine) Release(ctx context.Context, evaluationID string) ([]ledger.Increment, error) {
	if evaluationID == "" {
		return nil, rules.NewValidationError(rules.CodeRequired, "evaluationId", "evaluation id is required")
	}
	ctx = logging.WithEvaluationID(ctx, evaluationID)
	ctx, span := e.tracer.Start(ctx, "engine.release")
	defer span.End()

	released, err := e.ledger.Release(ctx, evaluationID, e.clock.Now())
	tracing.SetStatus(span, err)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to release usage", "error", err)
		return nil, err
	}
	e.logger.InfoContext(ctx, "evaluation released", "increments", len(released))
	return released, nil
}

func (e *Engine) run(ctx context.Context, req *rules.Request, simulate bool) (*Result, error) {
	start := time.Now()
	mode := "evaluate"
	if simulate {
		mode = "simulate"
	}

	if req == nil {
		return &Result{Decision: DecisionBlock, EvaluatedAt: e.clock.Now()},
			rules.NewValidationError(rules.CodeRequired, "request", "request is required")
	}

	evaluationID := req.ID
	if evaluationID == "" {
		evaluationID = uuid.NewString()
	}
	ctx = logging.WithEvaluationID(ctx, evaluationID)
	ctx = logging.WithActorID(ctx, req.ActorID)

	ctx, span := e.tracer.Start(ctx, "engine."+mode)
	defer span.End()
	tracing.SetTransactionAttributes(span, evaluationID, req.ActorID, req.Amount.String(), req.Currency, req.Operation)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res, err := e.evaluate(ctx, evaluationID, req, simulate)
	if err != nil {
		res.Decision = DecisionBlock
		e.logger.ErrorContext(ctx, "evaluation failed closed",
			"attempts", res.Attempts,
			"error", err,
		)
	}
	res.Simulated = simulate

	tracing.SetDecisionAttributes(span, string(res.Decision), len(res.Outcomes), len(res.TriggeredRules), simulate)
	tracing.SetStatus(span, err)
	e.metrics.RecordEvaluation(string(res.Decision), mode, time.Since(start))
	if !simulate {
		for _, o := range res.Outcomes {
			e.metrics.RecordRuleOutcome(o.RuleID, string(o.Outcome))
		}
	}

	e.logger.InfoContext(ctx, "transaction evaluated",
		"mode", mode,
		"decision", res.Decision,
		"amount", req.Amount.String(),
		"currency", req.Currency,
		"candidates", len(res.Outcomes),
		"triggered", len(res.TriggeredRules),
		"duration", time.Since(start),
	)
	return res, err
}

// evaluate runs attempts until one is not invalidated by a concurrent
// evaluation, backing off between attempts.
func (e *Engine) evaluate(ctx context.Context, evaluationID string, req *rules.Request, simulate bool) (*Result, error) {
	if err := e.validateRequest(req); err != nil {
		return &Result{EvaluationID: evaluationID, Decision: DecisionBlock, EvaluatedAt: e.clock.Now()}, err
	}

	backoff := e.retryBackoff
	for attempt := 1; ; attempt++ {
		a, err := e.plan(ctx, evaluationID, req)
		if err != nil {
			res := a.result()
			res.Attempts = attempt
			return res, err
		}
		if simulate {
			res := a.result()
			res.Attempts = attempt
			return res, nil
		}

		res, err := e.apply(ctx, a)
		res.Attempts = attempt
		if err == nil || !retryable(err) {
			return res, err
		}

		if attempt > e.maxRetries {
			return a.blocked(attempt), fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		e.metrics.RecordRetry()
		e.logger.DebugContext(ctx, "attempt invalidated by concurrent evaluation, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return a.blocked(attempt), fmt.Errorf("evaluation abandoned: %w", ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// validateRequest rejects requests the engine cannot decide. Timestamps must
// lie within the allowed skew of the engine clock.
func (e *Engine) validateRequest(req *rules.Request) error {
	if !req.Timestamp.IsZero() {
		now := e.clock.Now()
		if d := req.Timestamp.Sub(now); d > e.maxSkew || d < -e.maxSkew {
			return rules.NewValidationError(rules.CodeInvalidTimestamp, "timestamp",
				"timestamp %s is more than %s from server time %s",
				req.Timestamp.UTC().Format(time.RFC3339), e.maxSkew, now.UTC().Format(time.RFC3339))
		}
	}
	switch {
	case req.ActorID == "":
		return rules.NewValidationError(rules.CodeRequired, "actorId", "actor id is required")
	case strings.TrimSpace(req.Currency) == "":
		return rules.NewValidationError(rules.CodeRequired, "currency", "currency is required")
	case req.Amount.IsNegative():
		return rules.NewValidationError(rules.CodeInvalidAmount, "amount", "amount cannot be negative, got %s", req.Amount)
	}
	return nil
}
