package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// SuggestionFilter narrows ListRollbackSuggestions. Zero values mean "any".
type SuggestionFilter struct {
	AccountID int
	Status    string
	RuleID    int
	Limit     int
	Offset    int
}

// CreateRollbackRule inserts a rule at version 1 and returns its id.
func (p *Postgres) CreateRollbackRule(ctx context.Context, rule models.RollbackRule) (int, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return 0, fmt.Errorf("marshal rule conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return 0, fmt.Errorf("marshal rule actions: %w", err)
	}
	var id int
	err = p.DB.QueryRowContext(ctx,
		`INSERT INTO rollback_rules (account_id, name, enabled, version, conditions, actions)
		 VALUES ($1, $2, $3, 1, $4, $5) RETURNING id`,
		rule.AccountID, rule.Name, rule.Enabled, conditions, actions).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert rollback rule: %w", err)
	}
	return id, nil
}

// UpdateRollbackRule replaces a rule's definition and bumps its version.
// Existing suggestions keep the version they were evaluated under.
func (p *Postgres) UpdateRollbackRule(ctx context.Context, rule models.RollbackRule) (int, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return 0, fmt.Errorf("marshal rule conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return 0, fmt.Errorf("marshal rule actions: %w", err)
	}
	var version int
	err = p.DB.QueryRowContext(ctx,
		`UPDATE rollback_rules
		 SET name = $1, enabled = $2, conditions = $3, actions = $4,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $5 RETURNING version`,
		rule.Name, rule.Enabled, conditions, actions, rule.ID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("rollback rule %d: %w", rule.ID, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("update rollback rule %d: %w", rule.ID, err)
	}
	return version, nil
}

const ruleColumns = `id, account_id, name, enabled, version, conditions, actions, created_at, updated_at`

func scanRule(scan func(dest ...interface{}) error) (models.RollbackRule, error) {
	var rule models.RollbackRule
	var conditions, actions []byte
	err := scan(&rule.ID, &rule.AccountID, &rule.Name, &rule.Enabled, &rule.Version,
		&conditions, &actions, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return rule, err
	}
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return rule, fmt.Errorf("decode conditions for rule %d: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return rule, fmt.Errorf("decode actions for rule %d: %w", rule.ID, err)
	}
	return rule, nil
}

// GetRollbackRule fetches one rule.
func (p *Postgres) GetRollbackRule(ctx context.Context, id int) (models.RollbackRule, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rollback_rules WHERE id = $1`, id)
	rule, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return rule, fmt.Errorf("rollback rule %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return rule, fmt.Errorf("query rollback rule %d: %w", id, err)
	}
	return rule, nil
}

// ActiveRollbackRules returns enabled rules that apply to an account: the
// account's own plus globals (account_id 0).
func (p *Postgres) ActiveRollbackRules(ctx context.Context, accountID int) ([]models.RollbackRule, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rollback_rules
		 WHERE enabled AND account_id IN (0, $1) ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RollbackRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListRollbackRules returns every rule, disabled included.
func (p *Postgres) ListRollbackRules(ctx context.Context, accountID int) ([]models.RollbackRule, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rollback_rules WHERE account_id IN (0, $1) ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RollbackRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// InsertRollbackSuggestion stores a suggestion. Returns false when the
// (rule, adjustment) pair was already suggested; re-evaluation runs hit this
// constantly and it is not an error.
func (p *Postgres) InsertRollbackSuggestion(ctx context.Context, s models.RollbackSuggestion) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`INSERT INTO rollback_suggestions
		        (id, rule_id, rule_version, adjustment_id, account_id, campaign_id, target_id,
		         horizon, estimated_profit, actual_profit, drop_pct, priority, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (rule_id, adjustment_id) DO NOTHING`,
		s.ID, s.RuleID, s.RuleVersion, s.AdjustmentID, s.AccountID, s.CampaignID, s.TargetID,
		s.Horizon, s.EstimatedProfit, s.ActualProfit, s.DropPct, s.Priority, nullStr(s.Reason),
		s.Status, s.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert rollback suggestion: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const suggestionColumns = `id, rule_id, rule_version, adjustment_id, account_id, campaign_id,
	target_id, horizon, estimated_profit, actual_profit, drop_pct, priority,
	COALESCE(reason, ''), status, COALESCE(reviewed_by, ''), reviewed_at, executed_at,
	COALESCE(batch_id::text, ''), created_at`

func scanSuggestion(scan func(dest ...interface{}) error) (models.RollbackSuggestion, error) {
	var s models.RollbackSuggestion
	var reviewedAt, executedAt sql.NullTime
	err := scan(&s.ID, &s.RuleID, &s.RuleVersion, &s.AdjustmentID, &s.AccountID, &s.CampaignID,
		&s.TargetID, &s.Horizon, &s.EstimatedProfit, &s.ActualProfit, &s.DropPct, &s.Priority,
		&s.Reason, &s.Status, &s.ReviewedBy, &reviewedAt, &executedAt, &s.BatchID, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	s.ReviewedAt = timePtr(reviewedAt)
	s.ExecutedAt = timePtr(executedAt)
	return s, nil
}

// GetRollbackSuggestion fetches one suggestion.
func (p *Postgres) GetRollbackSuggestion(ctx context.Context, id string) (models.RollbackSuggestion, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM rollback_suggestions WHERE id = $1`, id)
	s, err := scanSuggestion(row.Scan)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("suggestion %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("query suggestion %s: %w", id, err)
	}
	return s, nil
}

// ListRollbackSuggestions returns suggestions newest first plus the unpaged
// total.
func (p *Postgres) ListRollbackSuggestions(ctx context.Context, filter SuggestionFilter) ([]models.RollbackSuggestion, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID > 0 {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.RuleID > 0 {
		add("rule_id = $%d", filter.RuleID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + suggestionColumns + `, COUNT(*) OVER() FROM rollback_suggestions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []models.RollbackSuggestion
	var total int
	for rows.Next() {
		s, err := scanSuggestion(func(dest ...interface{}) error {
			return rows.Scan(append(dest, &total)...)
		})
		if err != nil {
			return nil, 0, fmt.Errorf("scan suggestion: %w", err)
		}
		suggestions = append(suggestions, s)
	}
	return suggestions, total, rows.Err()
}

// ReviewRollbackSuggestion moves pending -> approved or rejected. Returns
// false when the suggestion was already reviewed.
func (p *Postgres) ReviewRollbackSuggestion(ctx context.Context, id, status, by string) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE rollback_suggestions SET status = $1, reviewed_by = $2, reviewed_at = NOW()
		 WHERE id = $3 AND status = $4`,
		status, by, id, models.SuggestionStatusPending)
	if err != nil {
		return false, fmt.Errorf("review suggestion %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSuggestionExecuted links an approved suggestion to its restore batch.
func (p *Postgres) MarkSuggestionExecuted(ctx context.Context, id, batchID string) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE rollback_suggestions SET status = $1, executed_at = NOW(), batch_id = $2
		 WHERE id = $3 AND status = $4`,
		models.SuggestionStatusExecuted, batchID, id, models.SuggestionStatusApproved)
	if err != nil {
		return false, fmt.Errorf("mark suggestion %s executed: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CleanupSuggestions removes suggestions older than the cutoff. Approved but
// unexecuted suggestions are kept; they still carry operator intent.
func (p *Postgres) CleanupSuggestions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.DB.ExecContext(ctx,
		`DELETE FROM rollback_suggestions
		 WHERE created_at < $1 AND status IN ($2, $3, $4)`,
		olderThan, models.SuggestionStatusPending, models.SuggestionStatusRejected,
		models.SuggestionStatusExecuted)
	if err != nil {
		return 0, fmt.Errorf("cleanup suggestions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
