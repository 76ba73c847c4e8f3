package tree

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// Trainer builds prediction trees from safe-window telemetry joined with the
// account snapshot, and answers predictions from the latest persisted model.
type Trainer struct {
	Data    dataplane.Reader
	Store   models.AccountDataStore
	PG      *db.Postgres
	Params  *models.ParamsStore
	Metrics observability.MetricsRegistry
}

// NewTrainer wires a trainer over its inputs.
func NewTrainer(data dataplane.Reader, store models.AccountDataStore, pg *db.Postgres, params *models.ParamsStore, metrics observability.MetricsRegistry) *Trainer {
	return &Trainer{Data: data, Store: store, PG: pg, Params: params, Metrics: metrics}
}

// TargetPrediction is a model answer for one target.
type TargetPrediction struct {
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
	// LowConfidence is set when the answering model trained below the
	// sample floor; callers should lean on defaults instead of acting
	// aggressively on the value.
	LowConfidence bool `json:"low_confidence"`
	LeafSamples   int  `json:"leaf_samples"`
	ModelVersion  int  `json:"model_version"`
}

// TrainAccount grows and persists one kind of tree for an account. Training
// below the sample floor still persists the tree but marks it degraded;
// predictions from a degraded model carry LowConfidence.
func (tr *Trainer) TrainAccount(ctx context.Context, accountID int, kind string) (*models.PredictionModelRecord, error) {
	if kind != models.ModelKindCR && kind != models.ModelKindCV {
		return nil, fmt.Errorf("unknown prediction model kind %q", kind)
	}
	params := tr.Params.Current()
	data, err := tr.Data.DataForAlgorithm(ctx, accountID, models.AlgoBid, params.CurveWindowDays)
	if err != nil {
		return nil, fmt.Errorf("tree training data for account %d: %w", accountID, err)
	}

	samples := tr.samples(accountID, kind, data.Rows)
	t := Build(kind, samples, params.TreeMaxDepth, params.TreeMinLeafSamples)
	raw, err := t.Marshal()
	if err != nil {
		return nil, err
	}

	status := models.ModelStatusReady
	if len(samples) < params.TreeMinTrainingSamples {
		status = models.ModelStatusDegraded
	}
	rec := models.PredictionModelRecord{
		AccountID:   accountID,
		Kind:        kind,
		Status:      status,
		Tree:        raw,
		SampleCount: len(samples),
		TrainedAt:   time.Now().UTC(),
	}
	rec.ID, rec.Version, err = tr.PG.SavePredictionModel(ctx, rec)
	if err != nil {
		tr.Metrics.IncrementTreeTrainings(kind, "persist_failed")
		return nil, err
	}
	tr.Metrics.IncrementTreeTrainings(kind, status)

	zap.L().Info("Trained prediction tree",
		zap.Int("account_id", accountID),
		zap.String("kind", kind),
		zap.String("status", status),
		zap.Int("samples", len(samples)),
		zap.Int("depth", t.Depth),
		zap.Int("leaves", t.LeafCount))
	return &rec, nil
}

// Predict answers for one target from the latest persisted model of a kind.
func (tr *Trainer) Predict(ctx context.Context, accountID int, kind string, target *models.Target) (*TargetPrediction, error) {
	rec, err := tr.PG.LatestPredictionModel(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	t, err := Unmarshal(rec.Tree)
	if err != nil {
		return nil, fmt.Errorf("prediction model %d: %w", rec.ID, err)
	}

	avgBid, _ := target.CurrentBid.Float64()
	p := t.Predict(Sample{
		MatchType:   target.MatchType,
		WordCount:   target.WordCount(),
		KeywordType: target.KeywordType,
		AvgBid:      avgBid,
	})
	return &TargetPrediction{
		Kind:          kind,
		Value:         p.Value,
		LowConfidence: rec.Status == models.ModelStatusDegraded,
		LeafSamples:   p.LeafSamples,
		ModelVersion:  rec.Version,
	}, nil
}

// samples aggregates each target's window telemetry into one training row.
// CR trees regress orders/clicks over targets with clicks; CV trees regress
// sales/orders over targets with orders.
func (tr *Trainer) samples(accountID int, kind string, rows []models.PerformanceSnapshot) []Sample {
	type agg struct {
		clicks, orders int64
		sales, bidSum  float64
		bidCount       int64
	}
	byTarget := make(map[int]*agg)
	for _, row := range rows {
		if row.TargetID == 0 {
			continue
		}
		a, ok := byTarget[row.TargetID]
		if !ok {
			a = &agg{}
			byTarget[row.TargetID] = a
		}
		a.clicks += row.Clicks
		a.orders += row.Orders
		sales, _ := row.Sales.Float64()
		a.sales += sales
		if bid, _ := row.Bid.Float64(); bid > 0 {
			a.bidSum += bid
			a.bidCount++
		}
	}

	samples := make([]Sample, 0, len(byTarget))
	for targetID, a := range byTarget {
		target := tr.Store.GetTarget(accountID, targetID)
		if target == nil {
			continue // dangling telemetry, skip rather than fail
		}
		var response float64
		switch kind {
		case models.ModelKindCR:
			if a.clicks == 0 {
				continue
			}
			response = float64(a.orders) / float64(a.clicks)
		case models.ModelKindCV:
			if a.orders == 0 {
				continue
			}
			response = a.sales / float64(a.orders)
		}
		avgBid := 0.0
		if a.bidCount > 0 {
			avgBid = a.bidSum / float64(a.bidCount)
		} else {
			avgBid, _ = target.CurrentBid.Float64()
		}
		samples = append(samples, Sample{
			MatchType:   target.MatchType,
			WordCount:   target.WordCount(),
			KeywordType: target.KeywordType,
			AvgBid:      avgBid,
			Response:    response,
		})
	}
	return samples
}
