package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// Postgres wraps a postgres DB connection. It owns the authoritative tables:
// entities, batches, history, rules, tasks and fitted models. Telemetry rows
// live in ClickHouse, realtime counters in Redis.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS accounts (
    id SERIAL PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    marketplace TEXT NOT NULL DEFAULT 'US',
    status TEXT NOT NULL DEFAULT 'active',
    profit_margin_pct DOUBLE PRECISION NOT NULL DEFAULT 0.3,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS performance_groups (
    id SERIAL PRIMARY KEY,
    account_id INT NOT NULL REFERENCES accounts(id),
    name TEXT NOT NULL,
    goal TEXT NOT NULL,
    goal_value NUMERIC(12,4) NOT NULL DEFAULT 0,
    profit_margin_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS campaigns (
    id SERIAL PRIMARY KEY,
    account_id INT NOT NULL REFERENCES accounts(id),
    external_id TEXT NOT NULL,
    name TEXT NOT NULL,
    campaign_type TEXT NOT NULL DEFAULT 'sponsored_products',
    daily_budget NUMERIC(12,4) NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'enabled',
    top_of_search_pct INT NOT NULL DEFAULT 0,
    product_page_pct INT NOT NULL DEFAULT 0,
    rest_of_search_pct INT NOT NULL DEFAULT 0,
    dayparting JSONB,
    performance_group_id INT REFERENCES performance_groups(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ad_groups (
    id SERIAL PRIMARY KEY,
    account_id INT NOT NULL REFERENCES accounts(id),
    campaign_id INT NOT NULL REFERENCES campaigns(id),
    external_id TEXT NOT NULL,
    name TEXT NOT NULL,
    default_bid NUMERIC(12,4) NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'enabled'
);

CREATE TABLE IF NOT EXISTS targets (
    id SERIAL PRIMARY KEY,
    account_id INT NOT NULL REFERENCES accounts(id),
    campaign_id INT NOT NULL REFERENCES campaigns(id),
    ad_group_id INT NOT NULL REFERENCES ad_groups(id),
    external_id TEXT NOT NULL,
    target_type TEXT NOT NULL DEFAULT 'keyword',
    match_type TEXT,
    text TEXT NOT NULL,
    keyword_type TEXT,
    current_bid NUMERIC(12,4) NOT NULL,
    status TEXT NOT NULL DEFAULT 'enabled',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS algorithm_parameters (
    id INT PRIMARY KEY CHECK (id = 1),
    params JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS market_curve_models (
    id SERIAL PRIMARY KEY,
    account_id INT NOT NULL,
    target_id INT NOT NULL,
    version INT NOT NULL,
    window_days INT NOT NULL,
    data_points INT NOT NULL,
    impr_a DOUBLE PRECISION NOT NULL,
    impr_b DOUBLE PRECISION NOT NULL,
    impr_c DOUBLE PRECISION NOT NULL,
    r2 DOUBLE PRECISION NOT NULL,
    status TEXT NOT NULL,
    fallback_points JSONB,
    ctr_base DOUBLE PRECISION NOT NULL,
    ctr_position_bonus DOUBLE PRECISION NOT NULL,
    ctr_top_search_bonus DOUBLE PRECISION NOT NULL,
    median_bid DOUBLE PRECISION NOT NULL,
    cvr DOUBLE PRECISION NOT NULL,
    aov DOUBLE PRECISION NOT NULL,
    attribution_delay_days INT NOT NULL DEFAULT 7,
    fitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (target_id, version)
);

CREATE TABLE IF NOT EXISTS prediction_models (
    id SERIAL PRIMARY KEY,
    account_id INT NOT NULL,
    kind TEXT NOT NULL,
    version INT NOT NULL,
    status TEXT NOT NULL,
    tree JSONB NOT NULL,
    sample_count INT NOT NULL,
    trained_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (account_id, kind, version)
);

CREATE TABLE IF NOT EXISTS batch_operations (
    id UUID PRIMARY KEY,
    account_id INT NOT NULL,
    owner TEXT NOT NULL,
    operation_type TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    requires_approval BOOLEAN NOT NULL,
    source_type TEXT NOT NULL,
    source_task_id TEXT,
    status TEXT NOT NULL,
    total_items INT NOT NULL DEFAULT 0,
    success_items INT NOT NULL DEFAULT 0,
    failed_items INT NOT NULL DEFAULT 0,
    skipped_items INT NOT NULL DEFAULT 0,
    approved_by TEXT,
    executed_by TEXT,
    cancelled_by TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    approved_at TIMESTAMPTZ,
    executed_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    cancelled_at TIMESTAMPTZ,
    rolled_back_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS batch_operation_items (
    id UUID PRIMARY KEY,
    batch_id UUID NOT NULL REFERENCES batch_operations(id),
    seq INT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id INT NOT NULL,
    payload JSONB NOT NULL,
    snapshot JSONB,
    status TEXT NOT NULL DEFAULT 'pending',
    error_message TEXT,
    executed_at TIMESTAMPTZ,
    UNIQUE (batch_id, seq)
);

CREATE TABLE IF NOT EXISTS bid_adjustment_history (
    id BIGSERIAL PRIMARY KEY,
    account_id INT NOT NULL,
    campaign_id INT NOT NULL,
    target_id INT NOT NULL,
    target_type TEXT NOT NULL,
    previous_bid NUMERIC(12,4) NOT NULL,
    new_bid NUMERIC(12,4) NOT NULL,
    source TEXT NOT NULL,
    reason TEXT,
    expected_profit_delta NUMERIC(12,4) NOT NULL DEFAULT 0,
    coordination_id UUID,
    batch_item_id UUID,
    applied_by TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    is_rolled_back BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS effect_tracking (
    id BIGSERIAL PRIMARY KEY,
    adjustment_id BIGINT NOT NULL REFERENCES bid_adjustment_history(id) UNIQUE,
    account_id INT NOT NULL,
    campaign_id INT NOT NULL,
    target_id INT NOT NULL,
    estimated_profit_delta NUMERIC(12,4) NOT NULL,
    baseline_impressions BIGINT NOT NULL DEFAULT 0,
    baseline_clicks BIGINT NOT NULL DEFAULT 0,
    baseline_spend NUMERIC(12,4) NOT NULL DEFAULT 0,
    baseline_sales NUMERIC(12,4) NOT NULL DEFAULT 0,
    baseline_orders BIGINT NOT NULL DEFAULT 0,
    actual_profit_7d NUMERIC(12,4),
    actual_profit_14d NUMERIC(12,4),
    actual_profit_30d NUMERIC(12,4),
    actual_spend_7d NUMERIC(12,4) NOT NULL DEFAULT 0,
    actual_clicks_7d BIGINT NOT NULL DEFAULT 0,
    actual_conversions_7d BIGINT NOT NULL DEFAULT 0,
    tracked_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rollback_rules (
    id SERIAL PRIMARY KEY,
    account_id INT NOT NULL DEFAULT 0,
    name TEXT NOT NULL UNIQUE,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    version INT NOT NULL DEFAULT 1,
    conditions JSONB NOT NULL,
    actions JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rollback_suggestions (
    id UUID PRIMARY KEY,
    rule_id INT NOT NULL REFERENCES rollback_rules(id),
    rule_version INT NOT NULL,
    adjustment_id BIGINT NOT NULL REFERENCES bid_adjustment_history(id),
    account_id INT NOT NULL,
    campaign_id INT NOT NULL,
    target_id INT NOT NULL,
    horizon INT NOT NULL,
    estimated_profit NUMERIC(12,4) NOT NULL,
    actual_profit NUMERIC(12,4) NOT NULL,
    drop_pct DOUBLE PRECISION NOT NULL,
    priority TEXT NOT NULL,
    reason TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    reviewed_by TEXT,
    reviewed_at TIMESTAMPTZ,
    executed_at TIMESTAMPTZ,
    batch_id UUID,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (rule_id, adjustment_id)
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
    id SERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    task_type TEXT NOT NULL,
    schedule TEXT NOT NULL,
    run_interval_seconds INT NOT NULL DEFAULT 0,
    run_time TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    auto_apply BOOLEAN NOT NULL DEFAULT FALSE,
    require_approval BOOLEAN NOT NULL DEFAULT TRUE,
    parameters JSONB NOT NULL DEFAULT '{}',
    next_run TIMESTAMPTZ NOT NULL,
    last_run TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS task_executions (
    id UUID PRIMARY KEY,
    task_id INT NOT NULL REFERENCES scheduled_tasks(id),
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    status TEXT NOT NULL,
    summary JSONB,
    error TEXT
);

CREATE TABLE IF NOT EXISTS coordination_audit (
    id UUID PRIMARY KEY,
    account_id INT NOT NULL,
    campaign_id INT NOT NULL,
    target_id INT NOT NULL,
    original_bid NUMERIC(12,4) NOT NULL,
    final_bid NUMERIC(12,4) NOT NULL,
    theoretical_max_cpc NUMERIC(12,4) NOT NULL,
    effective_multiplier DOUBLE PRECISION NOT NULL,
    proposals JSONB NOT NULL,
    circuit_breaker_tripped BOOLEAN NOT NULL,
    reason TEXT,
    warnings TEXT[],
    computed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS hourly_multiplier_audit (
    id BIGSERIAL PRIMARY KEY,
    account_id INT NOT NULL,
    campaign_id INT NOT NULL,
    day DATE NOT NULL,
    hour INT NOT NULL,
    multiplier DOUBLE PRECISION NOT NULL,
    pacing_status TEXT NOT NULL,
    action TEXT NOT NULL,
    reason TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS consistency_audit (
    id BIGSERIAL PRIMARY KEY,
    account_id INT NOT NULL,
    window_start DATE NOT NULL,
    window_end DATE NOT NULL,
    report_spend NUMERIC(14,4) NOT NULL,
    stream_spend NUMERIC(14,4) NOT NULL,
    report_clicks BIGINT NOT NULL,
    stream_clicks BIGINT NOT NULL,
    report_impressions BIGINT NOT NULL,
    stream_impressions BIGINT NOT NULL,
    max_divergence_pct DOUBLE PRECISION NOT NULL,
    consistent BOOLEAN NOT NULL,
    consecutive_failures INT NOT NULL,
    alerted BOOLEAN NOT NULL,
    checked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Lookup paths used by the optimization pipelines
CREATE INDEX IF NOT EXISTS idx_campaigns_account ON campaigns (account_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_group ON campaigns (performance_group_id) WHERE performance_group_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ad_groups_campaign ON ad_groups (campaign_id);
CREATE INDEX IF NOT EXISTS idx_targets_account ON targets (account_id);
CREATE INDEX IF NOT EXISTS idx_targets_campaign ON targets (campaign_id);
CREATE INDEX IF NOT EXISTS idx_targets_ad_group ON targets (ad_group_id);
CREATE INDEX IF NOT EXISTS idx_curve_models_target ON market_curve_models (target_id, version DESC);
CREATE INDEX IF NOT EXISTS idx_batch_ops_account_status ON batch_operations (account_id, status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_batch_items_batch ON batch_operation_items (batch_id, seq);
CREATE INDEX IF NOT EXISTS idx_bid_history_target ON bid_adjustment_history (target_id, applied_at DESC);
CREATE INDEX IF NOT EXISTS idx_bid_history_account ON bid_adjustment_history (account_id, applied_at DESC);
CREATE INDEX IF NOT EXISTS idx_effect_due_7d ON effect_tracking (created_at) WHERE actual_profit_7d IS NULL;
CREATE INDEX IF NOT EXISTS idx_effect_due_14d ON effect_tracking (created_at) WHERE actual_profit_14d IS NULL;
CREATE INDEX IF NOT EXISTS idx_effect_due_30d ON effect_tracking (created_at) WHERE actual_profit_30d IS NULL;
CREATE INDEX IF NOT EXISTS idx_suggestions_status ON rollback_suggestions (status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks (next_run) WHERE enabled;
CREATE INDEX IF NOT EXISTS idx_hourly_audit_campaign ON hourly_multiplier_audit (campaign_id, day, hour);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.connection_string", dsn),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	if err := p.ensureAlgorithmParams(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema() error {
	ctx := context.Background()
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ensureAlgorithmParams seeds the single parameter row with the documented
// defaults when it is absent. Operators change it afterwards through the
// parameter API; the row always wins over code defaults.
func (p *Postgres) ensureAlgorithmParams() error {
	raw, err := json.Marshal(models.DefaultAlgorithmParams())
	if err != nil {
		return fmt.Errorf("marshal default params: %w", err)
	}
	_, err = p.DB.ExecContext(context.Background(),
		`INSERT INTO algorithm_parameters (id, params) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`, raw)
	if err != nil {
		return fmt.Errorf("seed algorithm parameters: %w", err)
	}
	return nil
}

// SeedRollbackRules inserts rules on first boot only: when the table already
// holds any rule, nothing happens. An empty slice seeds the stock regression
// rule (20% profit drop at the 7-day horizon, 30-click minimum, manual
// review). Returns how many rules were inserted.
func (p *Postgres) SeedRollbackRules(ctx context.Context, rules []models.RollbackRule) (int, error) {
	var count int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rollback_rules`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rollback_rules: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	if len(rules) == 0 {
		rules = []models.RollbackRule{{
			Name:    "profit-regression-7d",
			Enabled: true,
			Version: 1,
			Conditions: models.RollbackConditions{
				ProfitThresholdPct:         20,
				MinTrackingDays:            7,
				MinSampleCount:             30,
				IncludeNegativeAdjustments: true,
			},
			Actions: models.RollbackActions{
				AutoRollback:     false,
				SendNotification: true,
				Priority:         models.RulePriorityMedium,
			},
		}}
	}
	for _, rule := range rules {
		if _, err := p.CreateRollbackRule(ctx, rule); err != nil {
			return 0, fmt.Errorf("seed rollback rule %q: %w", rule.Name, err)
		}
	}
	return len(rules), nil
}

// LoadAlgorithmParams reads the persisted parameter row.
func (p *Postgres) LoadAlgorithmParams(ctx context.Context) (models.AlgorithmParams, error) {
	var raw []byte
	var updatedAt time.Time
	err := p.DB.QueryRowContext(ctx, `SELECT params, updated_at FROM algorithm_parameters WHERE id = 1`).
		Scan(&raw, &updatedAt)
	if err != nil {
		return models.AlgorithmParams{}, fmt.Errorf("load algorithm parameters: %w", err)
	}
	params := models.DefaultAlgorithmParams()
	if err := json.Unmarshal(raw, &params); err != nil {
		return models.AlgorithmParams{}, fmt.Errorf("decode algorithm parameters: %w", err)
	}
	params.UpdatedAt = updatedAt
	return params, nil
}

// SaveAlgorithmParams persists the parameter row.
func (p *Postgres) SaveAlgorithmParams(ctx context.Context, params models.AlgorithmParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal algorithm parameters: %w", err)
	}
	_, err = p.DB.ExecContext(ctx,
		`INSERT INTO algorithm_parameters (id, params, updated_at) VALUES (1, $1, NOW())
		 ON CONFLICT (id) DO UPDATE SET params = EXCLUDED.params, updated_at = NOW()`, raw)
	if err != nil {
		return fmt.Errorf("save algorithm parameters: %w", err)
	}
	return nil
}
