package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mercator-hq/spendguard/pkg/rules"
	"mercator-hq/spendguard/pkg/rules/store"
)

// RuleList is the response of GET /v1/rules.
type RuleList struct {
	Rules []*rules.Rule `json:"rules"`
	Count int           `json:"count"`
}

// EnforcedRequest toggles enforcement of a rule.
type EnforcedRequest struct {
	Enforced *bool `json:"enforced"`
}

// handleListRules handles GET /v1/rules?status=&type=&scope=.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list := s.deps.Rules.List(r.Context(), store.Filter{
		Status: rules.Status(q.Get("status")),
		Type:   rules.Type(q.Get("type")),
		Scope:  rules.Scope(q.Get("scope")),
	})
	if list == nil {
		list = []*rules.Rule{}
	}
	writeJSON(w, http.StatusOK, RuleList{Rules: list, Count: len(list)})
}

// handleCreateRule handles POST /v1/rules. New rules start as drafts.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	by, err := actor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var rule rules.Rule
	if err := decode(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Rules.Create(r.Context(), &rule, by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/rules/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

// handleGetRule handles GET /v1/rules/{id}.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleUpdateRule handles PUT /v1/rules/{id}. A non-zero version in the
// body must match the stored version.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	by, err := actor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var rule rules.Rule
	if err := decode(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if rule.ID != "" && rule.ID != id {
		s.writeError(w, r, rules.NewValidationError(rules.CodeInvalidRequest, "id",
			"body id %q does not match path id %q", rule.ID, id))
		return
	}
	rule.ID = id

	updated, err := s.deps.Rules.Update(r.Context(), &rule, by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleRuleVersions handles GET /v1/rules/{id}/versions.
func (s *Server) handleRuleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Rules.Versions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RuleList{Rules: versions, Count: len(versions)})
}

// handleActivateRule handles POST /v1/rules/{id}/activate.
func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Rules.Activate)
}

// handleRetireRule handles POST /v1/rules/{id}/retire. Rules are never
// deleted; retired rules stay readable with their history.
func (s *Server) handleRetireRule(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Rules.Retire)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor string) (*rules.Rule, error)) {
	by, err := actor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := fn(r.Context(), chi.URLParam(r, "id"), by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleSetEnforced handles PUT /v1/rules/{id}/enforced.
func (s *Server) handleSetEnforced(w http.ResponseWriter, r *http.Request) {
	by, err := actor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body EnforcedRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Enforced == nil {
		s.writeError(w, r, rules.NewValidationError(rules.CodeRequired, "enforced", "enforced is required"))
		return
	}
	rule, err := s.deps.Rules.SetEnforced(r.Context(), chi.URLParam(r, "id"), *body.Enforced, by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleRuleUsage handles GET /v1/rules/{id}/usage?target=&at=. It reports
// the live window's limit, used, remaining, percentage and band.
func (s *Server) handleRuleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.writeError(w, r, rules.NewValidationError(rules.CodeInvalidRequest, "usage", "usage reporting is not configured"))
		return
	}
	rule, err := s.deps.Rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rule.Limit.Amount == nil && rule.Limit.Frequency == nil {
		s.writeError(w, r, rules.NewValidationError(rules.CodeInvalidRequest, "id",
			"rule %s (%s) does not track usage", rule.ID, rule.Type))
		return
	}

	q := r.URL.Query()
	target := q.Get("target")
	if target == "" {
		s.writeError(w, r, rules.NewValidationError(rules.CodeRequired, "target", "target is required"))
		return
	}
	at := s.clock.Now()
	if v := q.Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, rules.NewValidationError(rules.CodeInvalidRequest, "at", "at must be RFC 3339: %v", err))
			return
		}
		at = t
	}

	status, err := s.deps.Usage.Status(r.Context(), rule, target, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
