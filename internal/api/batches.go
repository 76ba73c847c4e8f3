package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
)

// createBatchRequest is the create body: the batch header plus items typed
// by operation_type.
type createBatchRequest struct {
	service.BatchRequest
	OperationType string          `json:"operation_type"`
	Items         json.RawMessage `json:"items"`
}

// CreateBatchHandler stages a manual batch. Items are validated up front;
// one bad item rejects the whole batch.
func (s *Server) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "batches_create"
	const method = "POST"

	var req createBatchRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	var (
		op  *models.BatchOperation
		err error
	)
	switch req.OperationType {
	case models.OpTypeBidAdjustment:
		var items []models.BidAdjustmentPayload
		if err := json.Unmarshal(req.Items, &items); err != nil {
			s.instrument(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, "invalid items", http.StatusBadRequest)
			return
		}
		op, err = s.Svc.CreateBidAdjustmentBatch(r.Context(), req.BatchRequest, items)
	case models.OpTypeNegativeKeyword:
		var items []models.NegativeKeywordPayload
		if err := json.Unmarshal(req.Items, &items); err != nil {
			s.instrument(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, "invalid items", http.StatusBadRequest)
			return
		}
		op, err = s.Svc.CreateNegativeKeywordBatch(r.Context(), req.BatchRequest, items)
	case models.OpTypeKeywordMigration:
		var items []models.KeywordMigrationPayload
		if err := json.Unmarshal(req.Items, &items); err != nil {
			s.instrument(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, "invalid items", http.StatusBadRequest)
			return
		}
		op, err = s.Svc.CreateKeywordMigrationBatch(r.Context(), req.BatchRequest, items)
	case models.OpTypeCampaignStatus:
		var items []models.CampaignStatusPayload
		if err := json.Unmarshal(req.Items, &items); err != nil {
			s.instrument(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, "invalid items", http.StatusBadRequest)
			return
		}
		op, err = s.Svc.CreateCampaignStatusBatch(r.Context(), req.BatchRequest, items)
	default:
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "unknown operation_type", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusCreated, start)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, op)
}

// ListBatchesHandler pages batch headers, optionally filtered.
func (s *Server) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "batches_list"
	const method = "GET"

	accountID, ok := queryInt(r, "account_id")
	if !ok {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	opts := service.BatchListOptions{
		AccountID:     accountID,
		Status:        q.Get("status"),
		OperationType: q.Get("operation_type"),
		SourceType:    q.Get("source_type"),
	}

	page, err := s.Svc.ListBatches(r.Context(), opts, queryPage(r))
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, page)
}

// BatchDetailHandler returns one batch with its items.
func (s *Server) BatchDetailHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "batches_detail"
	const method = "GET"

	detail, err := s.Svc.GetBatchDetail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, detail)
}

// actorRequest carries the operator identity for lifecycle transitions.
type actorRequest struct {
	By string `json:"by"`
}

func (s *Server) batchTransition(w http.ResponseWriter, r *http.Request, endpoint string, fn func(id, by string) (*models.BatchOperation, error)) {
	start := time.Now()
	const method = "POST"

	var req actorRequest
	if !decodeJSON(w, r, &req) {
		s.instrument(endpoint, method, http.StatusBadRequest, start)
		return
	}

	op, err := fn(mux.Vars(r)["id"], req.By)
	if err != nil {
		s.instrument(endpoint, method, s.respondError(w, r, err), start)
		return
	}

	s.instrument(endpoint, method, http.StatusOK, start)
	writeJSON(w, op)
}

// ApproveBatchHandler moves a pending batch to approved.
func (s *Server) ApproveBatchHandler(w http.ResponseWriter, r *http.Request) {
	s.batchTransition(w, r, "batches_approve", func(id, by string) (*models.BatchOperation, error) {
		return s.Svc.ApproveBatch(r.Context(), id, by)
	})
}

// ExecuteBatchHandler runs an approved batch against the platform.
func (s *Server) ExecuteBatchHandler(w http.ResponseWriter, r *http.Request) {
	s.batchTransition(w, r, "batches_execute", func(id, by string) (*models.BatchOperation, error) {
		return s.Svc.ExecuteBatch(r.Context(), id, by)
	})
}

// RollbackBatchHandler reverses a completed batch from its snapshots.
func (s *Server) RollbackBatchHandler(w http.ResponseWriter, r *http.Request) {
	s.batchTransition(w, r, "batches_rollback", func(id, by string) (*models.BatchOperation, error) {
		return s.Svc.RollbackBatch(r.Context(), id, by)
	})
}

// CancelBatchHandler cancels a batch that has not started executing.
func (s *Server) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	s.batchTransition(w, r, "batches_cancel", func(id, by string) (*models.BatchOperation, error) {
		return s.Svc.CancelBatch(r.Context(), id, by)
	})
}
