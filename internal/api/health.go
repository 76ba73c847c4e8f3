package api

import (
	"net/http"
	"time"
)

// HealthHandler reports liveness plus the size of the hydrated entity
// cache. A zero account count on a running server means the boot-time load
// failed and the optimizer is idling.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	body := struct {
		Status   string `json:"status"`
		Accounts int    `json:"accounts"`
	}{Status: "ok", Accounts: len(s.Store.Accounts())}

	writeJSON(w, body)
	s.instrument(endpoint, method, http.StatusOK, start)
}
