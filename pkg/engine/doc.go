// Package engine decides whether a transaction attempt may proceed.
//
// # Evaluation
//
// Evaluate takes a point-in-time rule snapshot, asks the matcher for the
// candidate rules and checks each one in priority order:
//
//   - An exempt actor passes the rule without a violation.
//   - Amount rules breach when window usage plus the amount exceeds the
//     limit; velocity rules when the window count plus one exceeds the cap.
//     Merchant, geographic, time and role rules breach on their predicate.
//   - A breach escalates in order: a live manual override, auto-approval
//     below the rule's floor, a live approval grant covering the amount, a
//     new approval request at or above the threshold, and otherwise a block.
//
// Every candidate is evaluated. The final decision is the most severe one:
//
//	BLOCK > PENDING_APPROVAL > PASS_WITH_OVERRIDE > AUTO_APPROVED > PASS
//
// # Side effects
//
// A passing attempt commits usage for every cumulative rule it touched,
// including exempt and overridden ones, in one atomic ledger write. The
// ledger checks the limit of every within-limit rule again at commit; when a
// concurrent evaluation got there first the attempt is replanned against
// fresh usage, with exponential backoff, up to MaxRetries times.
//
// Approval requests are opened only when the final decision is
// PENDING_APPROVAL. Violations are recorded synchronously; if that fails the
// committed usage is released, consumed grants are restored and the attempt
// is blocked.
//
// # Failure
//
// The engine never fails open. Every error return comes with a non-nil
// result whose decision is BLOCK. Rules that cannot be evaluated are skipped,
// logged and listed in Result.Skipped.
//
// # Example
//
//	eng, err := engine.New(engine.Config{
//	    Rules:     ruleStore,
//	    Ledger:    usage,
//	    Overrides: grants,
//	    Approvals: workflow,
//	    Recorder:  violations,
//	})
//	if err != nil {
//	    return err
//	}
//
//	res, err := eng.Evaluate(ctx, &rules.Request{
//	    Amount:   decimal.RequireFromString("150000"),
//	    Currency: "USD",
//	    ActorID:  "u-17",
//	    Targets:  rules.Targets{Account: "treasury"},
//	})
package engine
