package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
)

type runTrackingRequest struct {
	Period int `json:"period"`
}

// RunTrackingHandler measures one effect-tracking horizon on demand.
func (s *Server) RunTrackingHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "tracking_run"
	const method = "POST"

	var req runTrackingRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	summary, err := s.Svc.RunEffectTracking(r.Context(), req.Period)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, summary)
}

// TrackingStatsHandler aggregates adjustment accuracy by source.
func (s *Server) TrackingStatsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "tracking_stats"
	const method = "GET"

	accountID, ok := queryInt(r, "account_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}

	stats, err := s.Svc.TrackingStatsSummary(r.Context(), accountID)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, stats)
}

// ListRollbackRulesHandler returns the rules visible to an account: its own
// plus the global ones.
func (s *Server) ListRollbackRulesHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "rollback_rules_list"
	const method = "GET"

	accountID, ok := queryInt(r, "account_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}

	rules, err := s.Svc.RollbackRules(r.Context(), accountID)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, rules)
}

// CreateRollbackRuleHandler inserts a rollback rule.
func (s *Server) CreateRollbackRuleHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "rollback_rules_create"
	const method = "POST"

	var rule models.RollbackRule
	if !decodeJSON(w, r, &rule) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	created, err := s.Svc.CreateRollbackRule(r.Context(), rule)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusCreated, start)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created)
}

// UpdateRollbackRuleHandler updates a rule in place, bumping its version.
func (s *Server) UpdateRollbackRuleHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "rollback_rules_update"
	const method = "PUT"

	id, ok := pathID(r)
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var rule models.RollbackRule
	if !decodeJSON(w, r, &rule) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}
	rule.ID = id

	updated, err := s.Svc.UpdateRollbackRule(r.Context(), rule)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, updated)
}

type evaluateRequest struct {
	AccountID int `json:"account_id"`
}

// RunRollbackEvaluationHandler evaluates every enabled rule against an
// account's tracked adjustments.
func (s *Server) RunRollbackEvaluationHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "rollback_evaluate"
	const method = "POST"

	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	summaries, err := s.Svc.RunRollbackEvaluation(r.Context(), req.AccountID)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, summaries)
}

// ListSuggestionsHandler pages rollback suggestions.
func (s *Server) ListSuggestionsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "suggestions_list"
	const method = "GET"

	accountID, ok := queryInt(r, "account_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}
	ruleID, ok := queryInt(r, "rule_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid rule_id", http.StatusBadRequest)
		return
	}
	opts := service.SuggestionOptions{
		AccountID: accountID,
		Status:    r.URL.Query().Get("status"),
		RuleID:    ruleID,
	}

	page, err := s.Svc.ListSuggestions(r.Context(), opts, queryPage(r))
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, page)
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	By      string `json:"by"`
}

// ReviewSuggestionHandler approves or rejects a pending suggestion.
func (s *Server) ReviewSuggestionHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "suggestions_review"
	const method = "POST"

	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	suggestion, err := s.Svc.ReviewSuggestion(r.Context(), mux.Vars(r)["id"], req.Approve, req.By)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, suggestion)
}

// ExecuteSuggestionHandler turns an approved suggestion into a restore batch.
func (s *Server) ExecuteSuggestionHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "suggestions_execute"
	const method = "POST"

	var req actorRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	suggestion, err := s.Svc.ExecuteSuggestion(r.Context(), mux.Vars(r)["id"], req.By)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, suggestion)
}
