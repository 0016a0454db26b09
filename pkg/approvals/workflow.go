package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/spendguard/pkg/clock"
	"mercator-hq/spendguard/pkg/notify"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/rules"
)

// DefaultTimeout is how long a request stays pending.
const DefaultTimeout = 72 * time.Hour

// GrantIssuer issues the override grant for an approved request.
// *overrides.Registry satisfies it.
type GrantIssuer interface {
	GrantFromApproval(ctx context.Context, a overrides.ApprovalGrant) (*overrides.Grant, error)
}

// Config configures a Workflow.
type Config struct {
	// Timeout is how long a request stays pending. Default: 72h.
	Timeout time.Duration

	Grants    GrantIssuer
	Publisher notify.Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Workflow manages approval requests.
//
// Workflow is safe for concurrent use. Resolution never touches the engine
// or the ledger; an approved request only issues a grant that a retried
// evaluation can use.
type Workflow struct {
	timeout   time.Duration
	grants    GrantIssuer
	publisher notify.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	requests map[string]*Request
	byRule   map[ruleRequest]string // (evaluation, rule) -> request ID
}

type ruleRequest struct {
	evaluationID string
	ruleID       string
}

// New creates a Workflow.
func New(cfg Config) *Workflow {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Workflow{
		timeout:   cfg.Timeout,
		grants:    cfg.Grants,
		publisher: cfg.Publisher,
		clock:     clock.OrSystem(cfg.Clock),
		logger:    cfg.Logger.With("component", "approvals.workflow"),
		requests:  make(map[string]*Request),
		byRule:    make(map[ruleRequest]string),
	}
}

// Create opens a pending request for a rule that requires approval. An
// evaluation holds at most one request per rule: while that request is
// pending Create returns it unchanged, and once it is resolved Create fails
// with ErrNotPending.
func (w *Workflow) Create(ctx context.Context, in CreateInput) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Rule == nil {
		return nil, rules.NewValidationError(rules.CodeRequired, "rule", "rule is required")
	}
	spec := in.Rule.Approval
	if spec == nil || !spec.Required {
		return nil, rules.NewValidationError(rules.CodeApprovalNotRequired, "rule",
			"rule %s does not use approvals", in.Rule.ID)
	}
	if in.ActorID == "" {
		return nil, rules.NewValidationError(rules.CodeRequired, "actorId", "actor id is required")
	}

	required := spec.RequiredApprovals
	if required < 1 {
		required = 1
	}

	now := w.clock.Now()
	key := ruleRequest{evaluationID: in.EvaluationID, ruleID: in.Rule.ID}

	req := &Request{
		ID:                uuid.NewString(),
		EvaluationID:      in.EvaluationID,
		RuleID:            in.Rule.ID,
		RuleVersion:       in.Rule.Version,
		ActorID:           in.ActorID,
		ScopeTargetID:     in.ScopeTargetID,
		RequestedAmount:   in.Amount,
		Currency:          in.Currency,
		ApproverRoles:     slices.Clone(spec.ApproverRoles),
		RequiredApprovals: required,
		Status:            StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(w.timeout),
	}

	w.mu.Lock()
	if id, ok := w.byRule[key]; ok && in.EvaluationID != "" {
		prev := w.requests[id]
		expired := prev.Status == StatusPending && !now.Before(prev.ExpiresAt)
		if expired {
			w.expireLocked(prev, now)
		}
		out := prev.clone()
		w.mu.Unlock()
		if expired {
			w.publish(ctx, notify.EventApprovalExpired, out, "", "")
		}
		if out.Status != StatusPending {
			return nil, fmt.Errorf("%w: %s for evaluation %s is %s", ErrNotPending, out.ID, in.EvaluationID, out.Status)
		}
		return out, nil
	}
	w.requests[req.ID] = req
	if in.EvaluationID != "" {
		w.byRule[key] = req.ID
	}
	out := req.clone()
	w.mu.Unlock()

	w.logger.Info("approval requested",
		"approval_id", req.ID,
		"evaluation_id", req.EvaluationID,
		"rule_id", req.RuleID,
		"actor_id", req.ActorID,
		"amount", req.RequestedAmount.String(),
		"expires_at", req.ExpiresAt)
	w.publish(ctx, notify.EventApprovalRequested, out, "", "")
	return out, nil
}

// Resolve records an approver's decision. Any rejection rejects the request;
// it is approved once RequiredApprovals distinct approvers have approved, at
// which point an approval grant is issued for the requested amount.
func (w *Workflow) Resolve(ctx context.Context, res Resolution) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Decision != DecisionApprove && res.Decision != DecisionReject {
		return nil, rules.NewValidationError(rules.CodeInvalidDecision, "decision",
			"decision must be %q or %q", DecisionApprove, DecisionReject)
	}
	if res.Approver == "" {
		return nil, rules.NewValidationError(rules.CodeRequired, "approver", "approver is required")
	}

	w.mu.Lock()
	req, ok := w.requests[res.RequestID]
	if !ok {
		w.mu.Unlock()
		return nil, ErrRequestNotFound
	}

	now := w.clock.Now()
	if req.Status == StatusPending && !now.Before(req.ExpiresAt) {
		w.expireLocked(req, now)
		expired := req.clone()
		w.mu.Unlock()
		w.publish(ctx, notify.EventApprovalExpired, expired, "", "")
		return nil, &overrides.ExpiredGrantError{Kind: "approval", ID: req.ID, ExpiredAt: req.ExpiresAt}
	}
	if req.Status != StatusPending {
		status := req.Status
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, res.RequestID, status)
	}

	if res.Approver == req.ActorID {
		w.mu.Unlock()
		return nil, rules.NewValidationError(rules.CodeSelfApproval, "approver",
			"%s cannot approve their own request", res.Approver)
	}
	role, ok := matchingRole(res.ApproverRoles, req.ApproverRoles)
	if !ok {
		w.mu.Unlock()
		return nil, rules.NewValidationError(rules.CodeNotAuthorized, "approverRoles",
			"%s holds none of the approver roles %v", res.Approver, req.ApproverRoles)
	}
	if req.hasDecided(res.Approver) {
		w.mu.Unlock()
		return nil, rules.NewValidationError(rules.CodeDuplicateDecision, "approver",
			"%s already decided on %s", res.Approver, req.ID)
	}

	record := DecisionRecord{
		Approver:  res.Approver,
		Role:      role,
		Decision:  res.Decision,
		Comment:   res.Comment,
		Timestamp: now,
	}

	event := notify.EventApprovalDecided
	switch {
	case res.Decision == DecisionReject:
		req.Decisions = append(req.Decisions, record)
		w.finishLocked(req, StatusRejected, res.Approver, now)
		event = notify.EventApprovalRejected

	case req.Approvals()+1 >= req.RequiredApprovals:
		grantID, err := w.issueGrant(ctx, req, res.Approver)
		if err != nil {
			w.mu.Unlock()
			return nil, err
		}
		req.Decisions = append(req.Decisions, record)
		req.GrantID = grantID
		w.finishLocked(req, StatusApproved, res.Approver, now)
		event = notify.EventApprovalApproved

	default:
		req.Decisions = append(req.Decisions, record)
	}
	out := req.clone()
	w.mu.Unlock()

	w.logger.Info("approval decision recorded",
		"approval_id", out.ID,
		"approver", res.Approver,
		"decision", string(res.Decision),
		"status", string(out.Status),
		"approvals", out.Approvals(),
		"required", out.RequiredApprovals)
	w.publish(ctx, event, out, res.Approver, res.Comment)
	return out, nil
}

func (w *Workflow) issueGrant(ctx context.Context, req *Request, approver string) (string, error) {
	if w.grants == nil {
		return "", nil
	}
	g, err := w.grants.GrantFromApproval(ctx, overrides.ApprovalGrant{
		RuleID:        req.RuleID,
		ActorID:       req.ActorID,
		ScopeTargetID: req.ScopeTargetID,
		ApprovalID:    req.ID,
		ApprovedBy:    approver,
		MaxAmount:     req.RequestedAmount,
		Currency:      req.Currency,
	})
	if err != nil {
		return "", fmt.Errorf("issue approval grant: %w", err)
	}
	return g.ID, nil
}

func (w *Workflow) finishLocked(req *Request, status Status, by string, now time.Time) {
	req.Status = status
	req.ResolvedAt = &now
	req.ResolvedBy = by
}

func (w *Workflow) expireLocked(req *Request, now time.Time) {
	w.finishLocked(req, StatusExpired, "system", now)
	w.logger.Info("approval request expired", "approval_id", req.ID, "expired_at", req.ExpiresAt)
}

// ExpirePending moves every pending request past its expiry to expired and
// returns how many were expired.
func (w *Workflow) ExpirePending(ctx context.Context) (int, error) {
	now := w.clock.Now()

	w.mu.Lock()
	var expired []*Request
	for _, req := range w.requests {
		if req.Status == StatusPending && !now.Before(req.ExpiresAt) {
			w.expireLocked(req, now)
			expired = append(expired, req.clone())
		}
	}
	w.mu.Unlock()

	for _, req := range expired {
		w.publish(ctx, notify.EventApprovalExpired, req, "", "")
	}
	return len(expired), ctx.Err()
}

// Find returns the request an evaluation opened for a rule. A pending
// request past its expiry is reported as expired. Find has no side effects.
func (w *Workflow) Find(evaluationID, ruleID string) (*Request, bool) {
	if evaluationID == "" {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	id, ok := w.byRule[ruleRequest{evaluationID: evaluationID, ruleID: ruleID}]
	if !ok {
		return nil, false
	}
	out := w.requests[id].clone()
	if out.Status == StatusPending && !w.clock.Now().Before(out.ExpiresAt) {
		out.Status = StatusExpired
	}
	return out, true
}

// Get returns a request by ID.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.clone(), nil
}

// List returns requests matching f, oldest first.
func (w *Workflow) List(ctx context.Context, f Filter) []*Request {
	w.mu.Lock()
	out := make([]*Request, 0, len(w.requests))
	for _, req := range w.requests {
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.RuleID != "" && req.RuleID != f.RuleID {
			continue
		}
		if f.ActorID != "" && req.ActorID != f.ActorID {
			continue
		}
		out = append(out, req.clone())
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount returns the number of pending requests.
func (w *Workflow) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, req := range w.requests {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}

// publish sends an event. Delivery failures are logged; they never undo the
// state change that produced the event.
func (w *Workflow) publish(ctx context.Context, t notify.EventType, req *Request, by, comment string) {
	e := notify.Event{
		ID:            uuid.NewString(),
		Type:          t,
		Timestamp:     w.clock.Now(),
		ApprovalID:    req.ID,
		EvaluationID:  req.EvaluationID,
		RuleID:        req.RuleID,
		ActorID:       req.ActorID,
		ScopeTargetID: req.ScopeTargetID,
		Amount:        req.RequestedAmount,
		Currency:      req.Currency,
		ApproverRoles: req.ApproverRoles,
		Status:        string(req.Status),
		DecidedBy:     by,
		Comment:       comment,
	}
	if err := w.publisher.Publish(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("failed to publish approval event",
			"event_type", string(t),
			"approval_id", req.ID,
			"error", err)
	}
}

func matchingRole(have, want []string) (string, bool) {
	for _, role := range have {
		if slices.Contains(want, role) {
			return role, true
		}
	}
	return "", false
}
