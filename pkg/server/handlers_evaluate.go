package server

import (
	"context"
	"net/http"

	"mercator-hq/spendguard/pkg/engine"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/rules"
)

// EvaluationFailure is returned when an evaluation fails closed. Result
// always carries the BLOCK decision so callers never treat a failure as a
// pass.
type EvaluationFailure struct {
	Error  ErrorDetail    `json:"error"`
	Result *engine.Result `json:"result,omitempty"`
}

// ReleaseRequest reverses the usage committed by an evaluation.
type ReleaseRequest struct {
	EvaluationID string `json:"evaluationId"`
}

// ReleaseResponse lists the increments a release reversed.
type ReleaseResponse struct {
	EvaluationID string             `json:"evaluationId"`
	Released     []ledger.Increment `json:"released"`
}

// handleEvaluate handles POST /v1/evaluate.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, s.deps.Engine.Evaluate)
}

// handleSimulate handles POST /v1/simulate. Nothing is committed or
// recorded.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, s.deps.Engine.Simulate)
}

type evaluateFunc func(ctx context.Context, req *rules.Request) (*engine.Result, error)

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, fn evaluateFunc) {
	var req rules.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := fn(r.Context(), &req)
	if err != nil {
		status, detail := statusFor(err)
		s.logger.WarnContext(r.Context(), "evaluation failed closed",
			"status", status,
			"code", detail.Code,
			"error", err,
		)
		writeJSON(w, status, EvaluationFailure{Error: detail, Result: res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRelease handles POST /v1/release.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.EvaluationID == "" {
		s.writeError(w, r, rules.NewValidationError(rules.CodeRequired, "evaluationId", "evaluation id is required"))
		return
	}
	released, err := s.deps.Engine.Release(r.Context(), req.EvaluationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{EvaluationID: req.EvaluationID, Released: released})
}
