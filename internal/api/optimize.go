package api

import (
	"net/http"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
)

// RunOptimizationHandler runs one unified optimization pass and applies the
// coordinated bids directly. Staged (approval-gated) runs go through
// scheduled tasks instead; the synchronous endpoint is for operators who
// want to watch one account converge.
func (s *Server) RunOptimizationHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "optimize"
	const method = "POST"

	var req service.OptimizationRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	summary, err := s.Svc.RunUnifiedOptimization(r.Context(), req)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, summary)
}

// GroupBidsHandler previews the optimal bids for every target in a
// performance group without touching anything.
func (s *Server) GroupBidsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "group_bids"
	const method = "GET"

	groupID, ok := pathID(r)
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	accountID, ok := queryInt(r, "account_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}

	result, err := s.Svc.GetPerformanceGroupOptimalBids(r.Context(), groupID, accountID)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, result)
}

type applyGroupBidsRequest struct {
	AccountID           int     `json:"account_id"`
	MinBidDifferencePct float64 `json:"min_bid_difference_pct,omitempty"`
}

// ApplyGroupBidsHandler computes and applies the goal-driven optimal bids
// for a performance group.
func (s *Server) ApplyGroupBidsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "group_bids_apply"
	const method = "POST"

	groupID, ok := pathID(r)
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req applyGroupBidsRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	result, err := s.Svc.ApplyGroupOptimalBids(r.Context(), groupID, req.AccountID, req.MinBidDifferencePct)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, result)
}
