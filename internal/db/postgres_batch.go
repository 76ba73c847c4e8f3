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

// BatchFilter narrows ListBatches. Zero values mean "any".
type BatchFilter struct {
	AccountID     int
	Status        string
	OperationType string
	SourceType    string
	Limit         int
	Offset        int
}

// InsertBatch stores a batch and its items in one transaction. The caller has
// already validated the payloads and assigned item ids and sequence numbers.
func (p *Postgres) InsertBatch(ctx context.Context, op models.BatchOperation, items []models.BatchOperationItem) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch_operations
		        (id, account_id, owner, operation_type, name, description, requires_approval,
		         source_type, source_task_id, status, total_items, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		op.ID, op.AccountID, op.Owner, op.OperationType, op.Name, nullStr(op.Description),
		op.RequiresApproval, op.SourceType, nullStr(op.SourceTaskID), op.Status,
		len(items), op.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", op.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_operation_items (id, batch_id, seq, entity_type, entity_id, payload, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare batch items: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		payload, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for item %s: %w", item.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, item.ID, op.ID, item.Seq,
			item.EntityType, item.EntityID, payload, models.ItemStatusPending); err != nil {
			return fmt.Errorf("insert batch item %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", op.ID, err)
	}
	return nil
}

const batchColumns = `id, account_id, owner, operation_type, name, COALESCE(description, ''),
	requires_approval, source_type, COALESCE(source_task_id, ''), status,
	total_items, success_items, failed_items, skipped_items,
	COALESCE(approved_by, ''), COALESCE(executed_by, ''), COALESCE(cancelled_by, ''),
	created_at, approved_at, executed_at, completed_at, cancelled_at, rolled_back_at`

func scanBatch(scan func(dest ...interface{}) error) (models.BatchOperation, error) {
	var op models.BatchOperation
	var approvedAt, executedAt, completedAt, cancelledAt, rolledBackAt sql.NullTime
	err := scan(&op.ID, &op.AccountID, &op.Owner, &op.OperationType, &op.Name, &op.Description,
		&op.RequiresApproval, &op.SourceType, &op.SourceTaskID, &op.Status,
		&op.TotalItems, &op.SuccessItems, &op.FailedItems, &op.SkippedItems,
		&op.ApprovedBy, &op.ExecutedBy, &op.CancelledBy,
		&op.CreatedAt, &approvedAt, &executedAt, &completedAt, &cancelledAt, &rolledBackAt)
	if err != nil {
		return op, err
	}
	op.ApprovedAt = timePtr(approvedAt)
	op.ExecutedAt = timePtr(executedAt)
	op.CompletedAt = timePtr(completedAt)
	op.CancelledAt = timePtr(cancelledAt)
	op.RolledBackAt = timePtr(rolledBackAt)
	return op, nil
}

// GetBatch fetches one batch by id.
func (p *Postgres) GetBatch(ctx context.Context, id string) (models.BatchOperation, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batch_operations WHERE id = $1`, id)
	op, err := scanBatch(row.Scan)
	if err == sql.ErrNoRows {
		return op, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return op, fmt.Errorf("query batch %s: %w", id, err)
	}
	return op, nil
}

// ListBatches returns batches newest first plus the unpaged total.
func (p *Postgres) ListBatches(ctx context.Context, filter BatchFilter) ([]models.BatchOperation, int, error) {
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
	if filter.OperationType != "" {
		add("operation_type = $%d", filter.OperationType)
	}
	if filter.SourceType != "" {
		add("source_type = $%d", filter.SourceType)
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
	query := `SELECT ` + batchColumns + `, COUNT(*) OVER() FROM batch_operations` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []models.BatchOperation
	var total int
	for rows.Next() {
		op, err := scanBatch(func(dest ...interface{}) error {
			return rows.Scan(append(dest, &total)...)
		})
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, op)
	}
	return batches, total, rows.Err()
}

// BatchItems returns a batch's items in execution order.
func (p *Postgres) BatchItems(ctx context.Context, batchID string) ([]models.BatchOperationItem, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, batch_id, seq, entity_type, entity_id, payload, snapshot,
		        status, COALESCE(error_message, ''), executed_at
		 FROM batch_operation_items WHERE batch_id = $1 ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch items: %w", err)
	}
	defer rows.Close()

	var items []models.BatchOperationItem
	for rows.Next() {
		var item models.BatchOperationItem
		var payload, snapshot []byte
		var executedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.BatchID, &item.Seq, &item.EntityType, &item.EntityID,
			&payload, &snapshot, &item.Status, &item.ErrorMessage, &executedAt); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for item %s: %w", item.ID, err)
		}
		if len(snapshot) > 0 {
			item.Snapshot = &models.RollbackSnapshot{}
			if err := json.Unmarshal(snapshot, item.Snapshot); err != nil {
				return nil, fmt.Errorf("decode snapshot for item %s: %w", item.ID, err)
			}
		}
		item.ExecutedAt = timePtr(executedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ApproveBatch moves pending -> approved. Returns false when the batch is not
// in pending (already approved, cancelled, or executing).
func (p *Postgres) ApproveBatch(ctx context.Context, id, by string) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE batch_operations SET status = $1, approved_at = NOW(), approved_by = $2
		 WHERE id = $3 AND status = $4`,
		models.BatchStatusApproved, by, id, models.BatchStatusPending)
	if err != nil {
		return false, fmt.Errorf("approve batch %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StartBatchExecution moves a batch into executing. Approval-gated batches
// must be approved first; the rest may start straight from pending.
func (p *Postgres) StartBatchExecution(ctx context.Context, id, by string) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE batch_operations SET status = $1, executed_at = NOW(), executed_by = $2
		 WHERE id = $3 AND (status = $4 OR (status = $5 AND requires_approval = FALSE))`,
		models.BatchStatusExecuting, by, id, models.BatchStatusApproved, models.BatchStatusPending)
	if err != nil {
		return false, fmt.Errorf("start batch %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishBatch records the terminal outcome of an execution run.
func (p *Postgres) FinishBatch(ctx context.Context, id, finalStatus string, success, failed, skipped int) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE batch_operations
		 SET status = $1, success_items = $2, failed_items = $3, skipped_items = $4, completed_at = NOW()
		 WHERE id = $5 AND status = $6`,
		finalStatus, success, failed, skipped, id, models.BatchStatusExecuting)
	if err != nil {
		return false, fmt.Errorf("finish batch %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelBatch moves pending or approved -> cancelled.
func (p *Postgres) CancelBatch(ctx context.Context, id, by string) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE batch_operations SET status = $1, cancelled_at = NOW(), cancelled_by = $2
		 WHERE id = $3 AND status IN ($4, $5)`,
		models.BatchStatusCancelled, by, id, models.BatchStatusPending, models.BatchStatusApproved)
	if err != nil {
		return false, fmt.Errorf("cancel batch %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkBatchRolledBack moves completed -> rolled_back once the restore batch
// has been created.
func (p *Postgres) MarkBatchRolledBack(ctx context.Context, id string) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE batch_operations SET status = $1, rolled_back_at = NOW()
		 WHERE id = $2 AND status = $3`,
		models.BatchStatusRolledBack, id, models.BatchStatusCompleted)
	if err != nil {
		return false, fmt.Errorf("mark batch %s rolled back: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateBatchItem records one item's outcome, including the rollback snapshot
// captured during execution.
func (p *Postgres) UpdateBatchItem(ctx context.Context, item models.BatchOperationItem) error {
	var snapshot []byte
	if item.Snapshot != nil {
		var err error
		snapshot, err = json.Marshal(item.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot for item %s: %w", item.ID, err)
		}
	}
	res, err := p.DB.ExecContext(ctx,
		`UPDATE batch_operation_items
		 SET status = $1, error_message = $2, snapshot = COALESCE($3, snapshot), executed_at = NOW()
		 WHERE id = $4`,
		item.Status, nullStr(item.ErrorMessage), snapshot, item.ID)
	if err != nil {
		return fmt.Errorf("update batch item %s: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch item %s: %w", item.ID, models.ErrNotFound)
	}
	return nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
