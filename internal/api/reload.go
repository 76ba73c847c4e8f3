package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ReloadHandler refreshes account entities from Postgres on demand. The
// periodic reload loop covers normal drift; this exists for operators who
// just finished an import and do not want to wait for the ticker.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if err := s.Reload(r.Context()); err != nil {
		s.Logger.Error("reload failed", zap.Error(err))
		s.instrument(endpoint, method, http.StatusInternalServerError, start)
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}

	s.instrument(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
