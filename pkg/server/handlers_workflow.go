package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mercator-hq/spendguard/pkg/approvals"
	"mercator-hq/spendguard/pkg/overrides"
	"mercator-hq/spendguard/pkg/rules"
	"mercator-hq/spendguard/pkg/security/auth"
)

// GrantList is the response of GET /v1/overrides.
type GrantList struct {
	Grants []*overrides.Grant `json:"grants"`
	Count  int                `json:"count"`
}

// ApprovalList is the response of GET /v1/approvals.
type ApprovalList struct {
	Requests []*approvals.Request `json:"requests"`
	Count    int                  `json:"count"`
}

// handleListOverrides handles GET /v1/overrides?ruleId=&actorId=&source=&live=.
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := overrides.Filter{
		RuleID:  q.Get("ruleId"),
		ActorID: q.Get("actorId"),
		Source:  overrides.Source(q.Get("source")),
	}
	if v := q.Get("live"); v != "" {
		live, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, rules.NewValidationError(rules.CodeInvalidRequest, "live", "live must be a boolean"))
			return
		}
		f.LiveOnly = live
	}
	grants := s.deps.Overrides.List(r.Context(), f)
	if grants == nil {
		grants = []*overrides.Grant{}
	}
	writeJSON(w, http.StatusOK, GrantList{Grants: grants, Count: len(grants)})
}

// handleGrantOverride handles POST /v1/overrides. The granter defaults to
// the X-Actor-ID caller; an authenticated caller's identity and roles
// replace whatever the body claims.
func (s *Server) handleGrantOverride(w http.ResponseWriter, r *http.Request) {
	var req overrides.GrantRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		req.GrantedBy, req.GranterRoles = p.ActorID, p.Roles
	} else if req.GrantedBy == "" {
		req.GrantedBy = r.Header.Get(ActorHeader)
	}
	g, err := s.deps.Overrides.Grant(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Metrics.RecordOverrideGranted(string(g.Source))
	w.Header().Set("Location", "/v1/overrides/"+g.ID)
	writeJSON(w, http.StatusCreated, g)
}

// handleGetOverride handles GET /v1/overrides/{id}.
func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Overrides.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleRevokeOverride handles DELETE /v1/overrides/{id}. The grant is kept
// and marked revoked.
func (s *Server) handleRevokeOverride(w http.ResponseWriter, r *http.Request) {
	by, err := actor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.deps.Overrides.Revoke(r.Context(), chi.URLParam(r, "id"), by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleListApprovals handles GET /v1/approvals?status=&ruleId=&actorId=.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reqs := s.deps.Approvals.List(r.Context(), approvals.Filter{
		Status:  approvals.Status(q.Get("status")),
		RuleID:  q.Get("ruleId"),
		ActorID: q.Get("actorId"),
	})
	if reqs == nil {
		reqs = []*approvals.Request{}
	}
	writeJSON(w, http.StatusOK, ApprovalList{Requests: reqs, Count: len(reqs)})
}

// handleGetApproval handles GET /v1/approvals/{id}.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleResolveApproval handles POST /v1/approvals/{id}/decisions. An
// expired request answers 410.
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var res approvals.Resolution
	if err := decode(r, &res); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		res.Approver, res.ApproverRoles = p.ActorID, p.Roles
	} else if res.Approver == "" {
		res.Approver = r.Header.Get(ActorHeader)
	}
	res.RequestID = chi.URLParam(r, "id")

	req, err := s.deps.Approvals.Resolve(r.Context(), res)
	if err != nil {
		if overrides.IsExpired(err) {
			s.deps.Metrics.RecordApprovalResolved(string(approvals.StatusExpired))
		}
		s.writeError(w, r, err)
		return
	}

	switch req.Status {
	case approvals.StatusApproved:
		s.deps.Metrics.RecordApprovalResolved(string(req.Status))
		s.deps.Metrics.RecordOverrideGranted(string(overrides.SourceApproval))
	case approvals.StatusRejected:
		s.deps.Metrics.RecordApprovalResolved(string(req.Status))
	}
	writeJSON(w, http.StatusOK, req)
}
