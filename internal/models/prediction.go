package models

import (
	"encoding/json"
	"time"
)

// Prediction model kinds.
const (
	ModelKindCR = "cr_prediction" // Conversion-rate regression tree.
	ModelKindCV = "cv_prediction" // Conversion-value regression tree.
)

// Prediction model statuses.
const (
	ModelStatusReady    = "ready"
	ModelStatusDegraded = "degraded" // Trained below the sample floor.
)

// PredictionModelRecord is the persisted form of a trained tree. The tree
// itself is an opaque JSON document owned by the tree package; storage never
// looks inside it.
type PredictionModelRecord struct {
	ID          int             `json:"id"`
	AccountID   int             `json:"account_id"`
	Kind        string          `json:"kind"`
	Version     int             `json:"version"`
	Status      string          `json:"status"`
	Tree        json.RawMessage `json:"tree"`
	SampleCount int             `json:"sample_count"`
	TrainedAt   time.Time       `json:"trained_at"`
}
