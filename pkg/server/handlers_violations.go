package server

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mercator-hq/spendguard/pkg/audit"
	"mercator-hq/spendguard/pkg/audit/recorder"
	"mercator-hq/spendguard/pkg/rules"
)

// ViolationPage is the response of GET /v1/violations.
type ViolationPage struct {
	Violations []*audit.Violation `json:"violations"`
	Total      int64              `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// ResolutionRequest records a review outcome for a violation.
type ResolutionRequest struct {
	Status     audit.Resolution `json:"status"`
	ReviewedBy string           `json:"reviewedBy,omitempty"`
	Note       string           `json:"note,omitempty"`
}

// parseQuery builds a violation query from URL parameters.
func parseQuery(r *http.Request) (*audit.Query, error) {
	v := r.URL.Query()
	q := &audit.Query{
		RuleID:           v.Get("ruleId"),
		ScopeTargetID:    v.Get("scopeTargetId"),
		ActorID:          v.Get("actorId"),
		EvaluationID:     v.Get("evaluationId"),
		Action:           audit.Action(v.Get("action")),
		ResolutionStatus: audit.Resolution(v.Get("resolutionStatus")),
		SortBy:           v.Get("sortBy"),
		SortOrder:        v.Get("sortOrder"),
	}

	for name, dst := range map[string]**time.Time{"from": &q.StartTime, "to": &q.EndTime} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, rules.NewValidationError(rules.CodeInvalidQuery, name, "%s must be RFC 3339: %v", name, err)
		}
		*dst = &t
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, rules.NewValidationError(rules.CodeInvalidQuery, name, "%s must be an integer", name)
		}
		*dst = n
	}
	return q, nil
}

// handleQueryViolations handles GET /v1/violations.
func (s *Server) handleQueryViolations(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.deps.Violations.Count(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Violations.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*audit.Violation{}
	}
	writeJSON(w, http.StatusOK, ViolationPage{Violations: list, Total: total, Limit: q.Limit, Offset: q.Offset})
}

// handleExportViolations handles GET /v1/violations/export?format=json|csv.
// The export is buffered so that a failure still produces an error response.
func (s *Server) handleExportViolations(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = recorder.FormatJSON
	}

	var buf bytes.Buffer
	if err := s.deps.Violations.Export(r.Context(), q, format, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := "application/json"
	if format == recorder.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=violations."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleGetViolation handles GET /v1/violations/{id}.
func (s *Server) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Violations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleResolveViolation handles PUT /v1/violations/{id}/resolution.
func (s *Server) handleResolveViolation(w http.ResponseWriter, r *http.Request) {
	var body ResolutionRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	by, err := actor(r, body.ReviewedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.deps.Violations.Resolve(r.Context(), audit.ResolutionUpdate{
		ID:         chi.URLParam(r, "id"),
		Status:     body.Status,
		ReviewedBy: by,
		Note:       body.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
