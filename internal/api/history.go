package api

import (
	"net/http"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
)

// ListHistoryHandler pages the bid adjustment audit trail. since/until are
// RFC 3339 timestamps.
func (s *Server) ListHistoryHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "history_list"
	const method = "GET"

	q := r.URL.Query()
	opts := service.HistoryOptions{Source: q.Get("source")}

	var ok bool
	if opts.AccountID, ok = queryInt(r, "account_id"); !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}
	if opts.CampaignID, ok = queryInt(r, "campaign_id"); !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid campaign_id", http.StatusBadRequest)
		return
	}
	if opts.TargetID, ok = queryInt(r, "target_id"); !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid target_id", http.StatusBadRequest)
		return
	}
	for key, dst := range map[string]*time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.instrument(endpoint, method, http.StatusBadRequest, start)
				http.Error(w, "invalid "+key, http.StatusBadRequest)
				return
			}
			*dst = ts
		}
	}

	page, err := s.Svc.ListAdjustmentHistory(r.Context(), opts, queryPage(r))
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, page)
}
