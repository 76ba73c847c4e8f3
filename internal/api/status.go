package api

import (
	"net/http"
	"time"
)

type pacingCheckRequest struct {
	AccountID int `json:"account_id"`
}

// PacingCheckHandler sweeps an account's campaigns through the intraday
// pacing guard. Campaigns inside their minimum check interval are skipped,
// so an immediate re-run is cheap.
func (s *Server) PacingCheckHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "pacing_check"
	const method = "POST"

	var req pacingCheckRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	sweep, err := s.Svc.CheckAllCampaignsPacing(r.Context(), req.AccountID)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, sweep)
}

// CriticalCampaignsHandler reports campaigns currently in a critical pacing
// state without arming the check gate.
func (s *Server) CriticalCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "pacing_critical"
	const method = "GET"

	accountID, ok := queryInt(r, "account_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}

	critical, err := s.Svc.CriticalCampaigns(r.Context(), accountID)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, critical)
}

// DualTrackHandler reports the health of the two telemetry feeds for an
// account: report freshness and stream liveness.
func (s *Server) DualTrackHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "dual_track_status"
	const method = "GET"

	accountID, ok := queryInt(r, "account_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}

	status, err := s.Svc.GetDualTrackStatus(r.Context(), accountID)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, status)
}

type consistencyCheckRequest struct {
	AccountID int `json:"account_id"`
	// Start/End bound the compared window; both empty selects the default
	// window ending yesterday.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// ConsistencyCheckHandler compares report and stream telemetry over a window.
func (s *Server) ConsistencyCheckHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "consistency_check"
	const method = "POST"

	var req consistencyCheckRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}
	var windowStart, windowEnd time.Time
	for _, bind := range []struct {
		raw string
		dst *time.Time
	}{{req.Start, &windowStart}, {req.End, &windowEnd}} {
		if bind.raw == "" {
			continue
		}
		ts, err := time.Parse("2006-01-02", bind.raw)
		if err != nil {
			s.instrument(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, "invalid window date", http.StatusBadRequest)
			return
		}
		*bind.dst = ts
	}

	audit, err := s.Svc.RunConsistencyCheck(r.Context(), req.AccountID, windowStart, windowEnd)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, audit)
}
