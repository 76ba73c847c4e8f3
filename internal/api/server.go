// Package api is the ops HTTP surface: health, reload and thin JSON admin
// endpoints over the service facade. It exists for operators and internal
// tooling; the optimizer itself never calls back into it.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/middleware"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
)

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger  *zap.Logger
	Svc     *service.Service
	Store   models.AccountDataStore
	PG      *db.Postgres
	Metrics observability.MetricsRegistry
	Config  config.Config

	reloadMu sync.Mutex
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, svc *service.Service, store models.AccountDataStore, pg *db.Postgres, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	return &Server{
		Logger:  logger,
		Svc:     svc,
		Store:   store,
		PG:      pg,
		Metrics: metrics,
		Config:  cfg,
	}
}

// Router builds the ops route table. The /metrics endpoint is attached by
// the caller so the registry choice stays out of this package.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/optimize", s.RunOptimizationHandler).Methods("POST")
	v1.HandleFunc("/groups/{id}/bids", s.GroupBidsHandler).Methods("GET")
	v1.HandleFunc("/groups/{id}/bids/apply", s.ApplyGroupBidsHandler).Methods("POST")

	v1.HandleFunc("/batches", s.CreateBatchHandler).Methods("POST")
	v1.HandleFunc("/batches", s.ListBatchesHandler).Methods("GET")
	v1.HandleFunc("/batches/{id}", s.BatchDetailHandler).Methods("GET")
	v1.HandleFunc("/batches/{id}/approve", s.ApproveBatchHandler).Methods("POST")
	v1.HandleFunc("/batches/{id}/execute", s.ExecuteBatchHandler).Methods("POST")
	v1.HandleFunc("/batches/{id}/rollback", s.RollbackBatchHandler).Methods("POST")
	v1.HandleFunc("/batches/{id}/cancel", s.CancelBatchHandler).Methods("POST")

	v1.HandleFunc("/history", s.ListHistoryHandler).Methods("GET")

	v1.HandleFunc("/tracking/run", s.RunTrackingHandler).Methods("POST")
	v1.HandleFunc("/tracking/stats", s.TrackingStatsHandler).Methods("GET")

	v1.HandleFunc("/rollback/rules", s.ListRollbackRulesHandler).Methods("GET")
	v1.HandleFunc("/rollback/rules", s.CreateRollbackRuleHandler).Methods("POST")
	v1.HandleFunc("/rollback/rules/{id}", s.UpdateRollbackRuleHandler).Methods("PUT")
	v1.HandleFunc("/rollback/evaluate", s.RunRollbackEvaluationHandler).Methods("POST")
	v1.HandleFunc("/rollback/suggestions", s.ListSuggestionsHandler).Methods("GET")
	v1.HandleFunc("/rollback/suggestions/{id}/review", s.ReviewSuggestionHandler).Methods("POST")
	v1.HandleFunc("/rollback/suggestions/{id}/execute", s.ExecuteSuggestionHandler).Methods("POST")

	v1.HandleFunc("/pacing/check", s.PacingCheckHandler).Methods("POST")
	v1.HandleFunc("/pacing/critical", s.CriticalCampaignsHandler).Methods("GET")
	v1.HandleFunc("/status/dual-track", s.DualTrackHandler).Methods("GET")
	v1.HandleFunc("/consistency/check", s.ConsistencyCheckHandler).Methods("POST")

	return r
}

// Reload refreshes accounts, campaigns, ad groups and targets from Postgres.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.PG == nil {
		return errs.New(errs.KindInternal, "postgres unavailable")
	}
	return db.Init(ctx, s.PG, s.Store)
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses the request body into v. A false return means the 400
// has already been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusForKind maps the error taxonomy onto HTTP status codes. Stale maps
// to 409 because the caller's view of the data is contested, not absent.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindConflict, errs.KindStale:
		return http.StatusConflict
	case errs.KindAuthExpired:
		return http.StatusUnauthorized
	case errs.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the taxonomy-mapped error envelope.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) int {
	kind := errs.KindOf(err)
	status := statusForKind(kind)
	logger := middleware.LoggerFromRequest(r, s.Logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Kind: kind.String()})
	return status
}

// instrument records the request counter and latency for one handler call.
func (s *Server) instrument(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

// pathID parses the {id} route variable as an integer.
func pathID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	return id, err == nil
}

// queryInt parses an optional integer query parameter, zero when absent.
func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// queryPage reads page/size query parameters into a Page.
func queryPage(r *http.Request) service.Page {
	number, _ := queryInt(r, "page")
	size, _ := queryInt(r, "size")
	return service.Page{Number: number, Size: size}
}
