package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// SaveMarketCurveModel persists a fitted curve at the next version for its
// target and returns (id, version). Callers hold the target's coordination
// lock, so the version subquery cannot race with itself.
func (p *Postgres) SaveMarketCurveModel(ctx context.Context, m models.MarketCurveModel) (int, int, error) {
	var fallback []byte
	if len(m.FallbackPoints) > 0 {
		var err error
		fallback, err = json.Marshal(m.FallbackPoints)
		if err != nil {
			return 0, 0, fmt.Errorf("marshal fallback points: %w", err)
		}
	}
	var id, version int
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO market_curve_models
		        (account_id, target_id, version, window_days, data_points,
		         impr_a, impr_b, impr_c, r2, status, fallback_points,
		         ctr_base, ctr_position_bonus, ctr_top_search_bonus, median_bid,
		         cvr, aov, attribution_delay_days, fitted_at)
		 VALUES ($1, $2,
		         (SELECT COALESCE(MAX(version), 0) + 1 FROM market_curve_models WHERE target_id = $2),
		         $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING id, version`,
		m.AccountID, m.TargetID, m.WindowDays, m.DataPoints,
		m.ImprA, m.ImprB, m.ImprC, m.R2, m.Status, fallback,
		m.CTRBase, m.CTRPositionBonus, m.CTRTopSearchBonus, m.MedianBid,
		m.CVR, m.AOV, m.AttributionDelayDays, m.FittedAt).Scan(&id, &version)
	if err != nil {
		return 0, 0, fmt.Errorf("insert curve model for target %d: %w", m.TargetID, err)
	}
	return id, version, nil
}

const curveColumns = `id, account_id, target_id, version, window_days, data_points,
	impr_a, impr_b, impr_c, r2, status, fallback_points,
	ctr_base, ctr_position_bonus, ctr_top_search_bonus, median_bid,
	cvr, aov, attribution_delay_days, fitted_at`

func scanCurve(scan func(dest ...interface{}) error) (models.MarketCurveModel, error) {
	var m models.MarketCurveModel
	var fallback []byte
	err := scan(&m.ID, &m.AccountID, &m.TargetID, &m.Version, &m.WindowDays, &m.DataPoints,
		&m.ImprA, &m.ImprB, &m.ImprC, &m.R2, &m.Status, &fallback,
		&m.CTRBase, &m.CTRPositionBonus, &m.CTRTopSearchBonus, &m.MedianBid,
		&m.CVR, &m.AOV, &m.AttributionDelayDays, &m.FittedAt)
	if err != nil {
		return m, err
	}
	if len(fallback) > 0 {
		if err := json.Unmarshal(fallback, &m.FallbackPoints); err != nil {
			return m, fmt.Errorf("decode fallback points for curve %d: %w", m.ID, err)
		}
	}
	return m, nil
}

// LatestMarketCurveModel fetches the newest fitted curve for a target.
func (p *Postgres) LatestMarketCurveModel(ctx context.Context, targetID int) (models.MarketCurveModel, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT `+curveColumns+` FROM market_curve_models
		 WHERE target_id = $1 ORDER BY version DESC LIMIT 1`, targetID)
	m, err := scanCurve(row.Scan)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("curve model for target %d: %w", targetID, models.ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("query curve model for target %d: %w", targetID, err)
	}
	return m, nil
}

// LatestMarketCurveModels fetches the newest curve per target for an account,
// keyed by target id. Targets that were never fitted are simply absent.
func (p *Postgres) LatestMarketCurveModels(ctx context.Context, accountID int) (map[int]models.MarketCurveModel, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT DISTINCT ON (target_id) `+curveColumns+` FROM market_curve_models
		 WHERE account_id = $1 ORDER BY target_id, version DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query curve models for account %d: %w", accountID, err)
	}
	defer rows.Close()

	curves := make(map[int]models.MarketCurveModel)
	for rows.Next() {
		m, err := scanCurve(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan curve model: %w", err)
		}
		curves[m.TargetID] = m
	}
	return curves, rows.Err()
}

// SavePredictionModel persists a trained tree at the next version for its
// (account, kind) and returns (id, version).
func (p *Postgres) SavePredictionModel(ctx context.Context, rec models.PredictionModelRecord) (int, int, error) {
	var id, version int
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO prediction_models (account_id, kind, version, status, tree, sample_count, trained_at)
		 VALUES ($1, $2,
		         (SELECT COALESCE(MAX(version), 0) + 1 FROM prediction_models
		          WHERE account_id = $1 AND kind = $2),
		         $3, $4, $5, $6)
		 RETURNING id, version`,
		rec.AccountID, rec.Kind, rec.Status, []byte(rec.Tree), rec.SampleCount, rec.TrainedAt).
		Scan(&id, &version)
	if err != nil {
		return 0, 0, fmt.Errorf("insert prediction model %s for account %d: %w", rec.Kind, rec.AccountID, err)
	}
	return id, version, nil
}

// LatestPredictionModel fetches the newest trained tree of a kind.
func (p *Postgres) LatestPredictionModel(ctx context.Context, accountID int, kind string) (models.PredictionModelRecord, error) {
	var rec models.PredictionModelRecord
	var tree []byte
	err := p.DB.QueryRowContext(ctx,
		`SELECT id, account_id, kind, version, status, tree, sample_count, trained_at
		 FROM prediction_models WHERE account_id = $1 AND kind = $2
		 ORDER BY version DESC LIMIT 1`, accountID, kind).
		Scan(&rec.ID, &rec.AccountID, &rec.Kind, &rec.Version, &rec.Status,
			&tree, &rec.SampleCount, &rec.TrainedAt)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("prediction model %s for account %d: %w", kind, accountID, models.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("query prediction model: %w", err)
	}
	rec.Tree = tree
	return rec, nil
}
