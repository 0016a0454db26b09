package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"mercator-hq/spendguard/pkg/approvals"
	"mercator-hq/spendguard/pkg/audit"
	"mercator-hq/spendguard/pkg/engine"
	"mercator-hq/spendguard/pkg/ledger"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/rules"
	"mercator-hq/spendguard/pkg/security/auth"
	"mercator-hq/spendguard/pkg/telemetry/logging"
)

// Error codes for failures that carry no validation reason.
const (
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeExpired      = "expired"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal_error"
	CodeBodyTooLarge = "body_too_large"
)

// ErrorBody is the JSON error envelope returned by every endpoint.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure. Code is stable and machine readable.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// statusFor maps an error to its HTTP status and error detail. Internal
// failures never expose their message.
func statusFor(err error) (int, ErrorDetail) {
	var ve *rules.ValidationError
	var qe *audit.QueryError
	var mbe *http.MaxBytesError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorDetail{Code: ve.Code, Field: ve.Field, Message: ve.Message}
	case errors.As(err, &qe):
		return http.StatusBadRequest, ErrorDetail{Code: rules.CodeInvalidQuery, Field: qe.Param, Message: qe.Reason}
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, ErrorDetail{Code: CodeBodyTooLarge, Message: err.Error()}

	case errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, auth.ErrInvalidKey),
		errors.Is(err, auth.ErrKeyDisabled),
		errors.Is(err, auth.ErrKeyExpired):
		return http.StatusUnauthorized, ErrorDetail{Code: CodeUnauthorized, Message: err.Error()}

	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, overrides.ErrGrantNotFound),
		errors.Is(err, approvals.ErrRequestNotFound),
		errors.Is(err, ledger.ErrReceiptNotFound),
		errors.Is(err, audit.ErrViolationNotFound):
		return http.StatusNotFound, ErrorDetail{Code: CodeNotFound, Message: err.Error()}

	case overrides.IsExpired(err):
		return http.StatusGone, ErrorDetail{Code: CodeExpired, Message: err.Error()}

	case errors.Is(err, rules.ErrRuleExists),
		errors.Is(err, rules.ErrVersionConflict),
		errors.Is(err, rules.ErrInvalidTransition),
		errors.Is(err, approvals.ErrNotPending),
		errors.Is(err, ledger.ErrAlreadyReleased),
		errors.Is(err, overrides.ErrGrantConsumed),
		errors.Is(err, overrides.ErrGrantRevoked):
		return http.StatusConflict, ErrorDetail{Code: CodeConflict, Message: err.Error()}

	case errors.Is(err, engine.ErrRetriesExhausted),
		errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrStorageFailure),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorDetail{Code: CodeUnavailable, Message: "temporarily unavailable, retry later"}
	}
	return http.StatusInternalServerError, ErrorDetail{Code: CodeInternal, Message: "an internal error occurred"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	detail.RequestID = logging.GetRequestID(r.Context())

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", detail.Code,
		"error", err,
	)
	writeJSON(w, status, ErrorBody{Error: detail})
}

// decode reads a JSON body into v, rejecting unknown fields and trailing
// data.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return rules.NewValidationError(rules.CodeInvalidRequest, "body", "request body is required")
		}
		return rules.NewValidationError(rules.CodeInvalidRequest, "body", "malformed JSON: %v", err)
	}
	if dec.More() {
		return rules.NewValidationError(rules.CodeInvalidRequest, "body", "request body must be a single JSON object")
	}
	return nil
}

// actor identifies the caller of an administrative operation. An
// authenticated principal always wins over the header and the fallback.
func actor(r *http.Request, fallback string) (string, error) {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.ActorID, nil
	}
	if a := r.Header.Get(ActorHeader); a != "" {
		return a, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", rules.NewValidationError(rules.CodeRequired, ActorHeader, "%s header is required", ActorHeader)
}
