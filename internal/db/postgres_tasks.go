package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// CreateScheduledTask inserts a task and returns its id.
func (p *Postgres) CreateScheduledTask(ctx context.Context, task models.ScheduledTask) (int, error) {
	params, err := json.Marshal(task.Parameters)
	if err != nil {
		return 0, fmt.Errorf("marshal task parameters: %w", err)
	}
	var id int
	err = p.DB.QueryRowContext(ctx,
		`INSERT INTO scheduled_tasks
		        (name, task_type, schedule, run_interval_seconds, run_time, enabled,
		         auto_apply, require_approval, parameters, next_run)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		task.Name, task.TaskType, task.Schedule, int(task.Interval.Seconds()),
		nullStr(task.RunTime), task.Enabled, task.AutoApply, task.RequireApproval,
		params, task.NextRun).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert scheduled task: %w", err)
	}
	return id, nil
}

// UpdateScheduledTask replaces a task's definition. NextRun is recomputed by
// the scheduler on the next poll when the schedule changed.
func (p *Postgres) UpdateScheduledTask(ctx context.Context, task models.ScheduledTask) error {
	params, err := json.Marshal(task.Parameters)
	if err != nil {
		return fmt.Errorf("marshal task parameters: %w", err)
	}
	res, err := p.DB.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET name = $1, task_type = $2, schedule = $3, run_interval_seconds = $4, run_time = $5,
		     enabled = $6, auto_apply = $7, require_approval = $8, parameters = $9,
		     next_run = $10, updated_at = NOW()
		 WHERE id = $11`,
		task.Name, task.TaskType, task.Schedule, int(task.Interval.Seconds()),
		nullStr(task.RunTime), task.Enabled, task.AutoApply, task.RequireApproval,
		params, task.NextRun, task.ID)
	if err != nil {
		return fmt.Errorf("update scheduled task %d: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled task %d: %w", task.ID, models.ErrNotFound)
	}
	return nil
}

const taskColumns = `id, name, task_type, schedule, run_interval_seconds, COALESCE(run_time, ''),
	enabled, auto_apply, require_approval, parameters, next_run, last_run, created_at, updated_at`

func scanTask(scan func(dest ...interface{}) error) (models.ScheduledTask, error) {
	var task models.ScheduledTask
	var intervalSeconds int
	var params []byte
	var lastRun sql.NullTime
	err := scan(&task.ID, &task.Name, &task.TaskType, &task.Schedule, &intervalSeconds,
		&task.RunTime, &task.Enabled, &task.AutoApply, &task.RequireApproval,
		&params, &task.NextRun, &lastRun, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return task, err
	}
	task.Interval = time.Duration(intervalSeconds) * time.Second
	task.LastRun = timePtr(lastRun)
	if err := json.Unmarshal(params, &task.Parameters); err != nil {
		return task, fmt.Errorf("decode parameters for task %d: %w", task.ID, err)
	}
	return task, nil
}

// GetScheduledTask fetches one task.
func (p *Postgres) GetScheduledTask(ctx context.Context, id int) (models.ScheduledTask, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return task, fmt.Errorf("scheduled task %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return task, fmt.Errorf("query scheduled task %d: %w", id, err)
	}
	return task, nil
}

// ListScheduledTasks returns every task.
func (p *Postgres) ListScheduledTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DueTasks returns enabled tasks whose next_run has passed, oldest first.
func (p *Postgres) DueTasks(ctx context.Context, now time.Time, limit int) ([]models.ScheduledTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE enabled AND next_run <= $1 ORDER BY next_run LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ClaimTask advances next_run past now, guarded on the previous next_run so
// concurrent pollers claim a run at most once. Returns false when someone
// else already claimed it.
func (p *Postgres) ClaimTask(ctx context.Context, id int, now, nextRun time.Time) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run = $1, next_run = $2, updated_at = NOW()
		 WHERE id = $3 AND enabled AND next_run <= $1`, now, nextRun, id)
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertTaskExecution opens an execution record in the running state.
func (p *Postgres) InsertTaskExecution(ctx context.Context, exec models.TaskExecution) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO task_executions (id, task_id, started_at, status)
		 VALUES ($1, $2, $3, $4)`,
		exec.ID, exec.TaskID, exec.StartedAt, exec.Status)
	if err != nil {
		return fmt.Errorf("insert task execution: %w", err)
	}
	return nil
}

// FinishTaskExecution closes an execution record with its outcome.
func (p *Postgres) FinishTaskExecution(ctx context.Context, id, status, summary, errMsg string) error {
	var summaryArg interface{}
	if summary != "" {
		summaryArg = summary
	}
	res, err := p.DB.ExecContext(ctx,
		`UPDATE task_executions SET finished_at = NOW(), status = $1, summary = $2, error = $3
		 WHERE id = $4`,
		status, summaryArg, nullStr(errMsg), id)
	if err != nil {
		return fmt.Errorf("finish task execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task execution %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ListTaskExecutions returns a task's recent executions, newest first.
func (p *Postgres) ListTaskExecutions(ctx context.Context, taskID, limit int) ([]models.TaskExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, task_id, started_at, finished_at, status,
		        COALESCE(summary::text, ''), COALESCE(error, '')
		 FROM task_executions WHERE task_id = $1
		 ORDER BY started_at DESC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task executions: %w", err)
	}
	defer rows.Close()

	var execs []models.TaskExecution
	for rows.Next() {
		var exec models.TaskExecution
		var finishedAt sql.NullTime
		if err := rows.Scan(&exec.ID, &exec.TaskID, &exec.StartedAt, &finishedAt,
			&exec.Status, &exec.Summary, &exec.Error); err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
		exec.FinishedAt = timePtr(finishedAt)
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}
