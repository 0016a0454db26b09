package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/rules"
)

// check is the breach verdict for one rule before escalation.
type check struct {
	breached      bool
	notApplicable bool
	reason        string

	// inc is the ledger increment the rule contributes when the attempt
	// passes. It is nil for rules that keep no usage.
	inc *ledger.Increment

	usedAmount *decimal.Decimal
	usedCount  *int64
}

// checkRule evaluates the breach condition of rule for req. A returned
// *rules.ConfigurationError means the rule cannot be evaluated and is
// skipped; any other error is an internal fault.
func (e *Engine) checkRule(ctx context.Context, rule *rules.Rule, req *rules.Request, target string, at time.Time) (check, error) {
	switch rule.Limit.Kind() {
	case rules.KindAmount:
		return e.checkAmount(ctx, rule, req, target, at)

	case rules.KindFrequency:
		return e.checkFrequency(ctx, rule, target, at)

	case rules.KindMerchant:
		blocked, reason := rule.Limit.Merchant.Blocks(req.MerchantCategoryCode)
		return check{breached: blocked, reason: reason}, nil

	case rules.KindGeographic:
		blocked, reason := rule.Limit.Geographic.Blocks(req.OriginCountry)
		return check{breached: blocked, reason: reason}, nil

	case rules.KindTimeWindow:
		ok, reason, err := rule.Limit.TimeWindow.Allows(at, e.ledger.Location())
		if err != nil {
			return check{}, &rules.ConfigurationError{RuleID: rule.ID, Cause: err}
		}
		return check{breached: !ok, reason: reason}, nil

	case rules.KindRoles:
		if rule.Limit.Roles.Permits(req.ActorRoles) {
			return check{}, nil
		}
		return check{
			breached: true,
			reason: fmt.Sprintf("actor holds none of the permitted roles [%s]",
				strings.Join(rule.Limit.Roles.PermittedRoles, ", ")),
		}, nil
	}

	return check{}, &rules.ConfigurationError{
		RuleID: rule.ID,
		Cause:  fmt.Errorf("limit spec %q does not match rule type %s", rule.Limit.Kind(), rule.Type),
	}
}

func (e *Engine) checkAmount(ctx context.Context, rule *rules.Rule, req *rules.Request, target string, at time.Time) (check, error) {
	limit := rule.Limit.Amount
	if limit.Currency != "" && !strings.EqualFold(limit.Currency, req.Currency) {
		return check{
			notApplicable: true,
			reason:        fmt.Sprintf("limit is in %s, transaction is in %s", limit.Currency, req.Currency),
		}, nil
	}

	window, cumulative, err := e.ledger.Window(rule, at)
	if err != nil {
		return check{}, &rules.ConfigurationError{RuleID: rule.ID, Cause: err}
	}

	used := decimal.Zero
	var c check
	if cumulative {
		counter, err := e.ledger.Usage(ctx, rule, target, at)
		if err != nil {
			return check{}, fmt.Errorf("read usage of %s: %w", rule.ID, err)
		}
		used = counter.Amount
		count := counter.Count
		c.usedAmount = &used
		c.usedCount = &count
		c.inc = &ledger.Increment{
			Key:    ledger.KeyFor(rule, target),
			Window: window,
			Amount: req.Amount,
			Count:  1,
		}
	}

	next := used.Add(req.Amount)
	if next.GreaterThan(limit.Amount) {
		c.breached = true
		if cumulative {
			c.reason = fmt.Sprintf("%s %s limit %s %s exceeded: used %s, attempted %s",
				rule.Timeframe(), rule.Type, limit.Amount, limit.Currency, used, req.Amount)
		} else {
			c.reason = fmt.Sprintf("amount %s exceeds per-transaction limit %s %s",
				req.Amount, limit.Amount, limit.Currency)
		}
	}
	return c, nil
}

func (e *Engine) checkFrequency(ctx context.Context, rule *rules.Rule, target string, at time.Time) (check, error) {
	limit := rule.Limit.Frequency

	window, cumulative, err := e.ledger.Window(rule, at)
	if err != nil {
		return check{}, &rules.ConfigurationError{RuleID: rule.ID, Cause: err}
	}
	if !cumulative {
		// A per-transaction frequency cap only fails when it allows nothing.
		if limit.MaxCount < 1 {
			return check{breached: true, reason: "no transactions are allowed"}, nil
		}
		return check{}, nil
	}

	counter, err := e.ledger.Usage(ctx, rule, target, at)
	if err != nil {
		return check{}, fmt.Errorf("read usage of %s: %w", rule.ID, err)
	}
	used := counter.Amount
	count := counter.Count
	c := check{
		usedAmount: &used,
		usedCount:  &count,
		inc: &ledger.Increment{
			Key:    ledger.KeyFor(rule, target),
			Window: window,
			Count:  1,
		},
	}
	if count+1 > limit.MaxCount {
		c.breached = true
		c.reason = fmt.Sprintf("%d transactions already in the %s window, limit is %d",
			count, rule.Timeframe(), limit.MaxCount)
	}
	return c, nil
}

// withCeiling returns the increment guarded by the rule's limit so a commit
// racing another evaluation cannot push the counter over it.
func withCeiling(inc ledger.Increment, rule *rules.Rule) ledger.Increment {
	switch {
	case rule.Limit.Amount != nil:
		ceiling := rule.Limit.Amount.Amount
		inc.AmountCeiling = &ceiling
	case rule.Limit.Frequency != nil:
		inc.CountCeiling = rule.Limit.Frequency.MaxCount
	}
	return inc
}
