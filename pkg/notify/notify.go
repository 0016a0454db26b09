package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names what happened to an approval request.
type EventType string

const (
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalDecided   EventType = "approval.decided"
	EventApprovalApproved  EventType = "approval.approved"
	EventApprovalRejected  EventType = "approval.rejected"
	EventApprovalExpired   EventType = "approval.expired"
)

// Event is a notification about an approval request. Approvers are
// identified by role; delivery to people is the subscriber's concern.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	ApprovalID    string          `json:"approvalId"`
	EvaluationID  string          `json:"evaluationId,omitempty"`
	RuleID        string          `json:"ruleId"`
	ActorID       string          `json:"actorId"`
	ScopeTargetID string          `json:"scopeTargetId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ApproverRoles []string        `json:"approverRoles,omitempty"`
	Status        string          `json:"status"`
	DecidedBy     string          `json:"decidedBy,omitempty"`
	Comment       string          `json:"comment,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "notify.log")}
}

// Publish logs e.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "approval event",
		"event_type", string(e.Type),
		"approval_id", e.ApprovalID,
		"rule_id", e.RuleID,
		"actor_id", e.ActorID,
		"amount", e.Amount.String(),
		"currency", e.Currency,
		"status", e.Status,
		"approver_roles", e.ApproverRoles)
	return nil
}

// ChannelPublisher hands events to an in-process consumer. Publish blocks
// until the event is accepted or ctx is done.
type ChannelPublisher struct {
	ch chan Event
}

// NewChannelPublisher creates a ChannelPublisher with the given buffer size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan Event, buffer)}
}

// Events returns the receive side.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// Publish sends e on the channel.
func (p *ChannelPublisher) Publish(ctx context.Context, e Event) error {
	select {
	case p.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records e.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several publishers. Every publisher is tried;
// failures are joined.
type Multi []Publisher

// Publish sends e to every publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
