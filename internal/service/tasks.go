package service

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tracking"
)

// accountWorkers bounds how many account pipelines a multi-account task runs
// at once.
const accountWorkers = 4

// AccountRun is one account's slice of a multi-account task. Error carries a
// captured per-account failure; the other accounts' runs are unaffected.
type AccountRun struct {
	AccountID    int                      `json:"account_id"`
	Error        string                   `json:"error,omitempty"`
	Optimization *AnalysisSummary         `json:"optimization,omitempty"`
	Pacing       *PacingSweep             `json:"pacing,omitempty"`
	Consistency  *models.ConsistencyAudit `json:"consistency,omitempty"`
}

// RunTask dispatches one scheduled task to its operation. The returned
// summary is recorded on the task execution; per-account failures inside
// multi-account tasks are captured in the summary, not returned.
func (s *Service) RunTask(ctx context.Context, task models.ScheduledTask) (interface{}, error) {
	switch task.TaskType {
	case models.TaskTypeOptimization:
		return s.runOptimizationTask(ctx, task)
	case models.TaskTypeEffectTracking:
		return s.runEffectTrackingTask(ctx, task)
	case models.TaskTypeRollbackEvaluation:
		accountID := 0
		if p := task.Parameters.RollbackEvaluation; p != nil {
			accountID = p.AccountID
		}
		return s.RunRollbackEvaluation(ctx, accountID)
	case models.TaskTypePacingCheck:
		return s.runPacingCheckTask(ctx, task)
	case models.TaskTypeConsistencyCheck:
		return s.runConsistencyCheckTask(ctx, task)
	case models.TaskTypeSuggestionCleanup:
		retention := 0
		if p := task.Parameters.SuggestionCleanup; p != nil {
			retention = p.RetentionDays
		}
		removed, err := s.Tracking.Cleanup(ctx, retention)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"removed": removed}, nil
	default:
		return nil, errs.Newf(errs.KindValidation, "unknown task type %q", task.TaskType)
	}
}

func (s *Service) runOptimizationTask(ctx context.Context, task models.ScheduledTask) (interface{}, error) {
	var req OptimizationRequest
	if p := task.Parameters.Optimization; p != nil {
		req = OptimizationRequest{
			AccountID:           p.AccountID,
			CampaignIDs:         p.CampaignIDs,
			PerformanceGroupIDs: p.PerformanceGroupIDs,
			OptimizationTypes:   p.OptimizationTypes,
			MinBidDifferencePct: p.MinBidDifferencePct,
		}
	}
	mode := modeApply
	switch {
	case task.RequireApproval:
		mode = modeStagePending
	case !task.AutoApply:
		mode = modeStageApproved
	}
	taskRef := strconv.Itoa(task.ID)

	if req.AccountID > 0 {
		return s.runOptimization(ctx, req, mode, taskRef)
	}
	return s.fanOut(ctx, func(ctx context.Context, account models.Account) AccountRun {
		scoped := req
		scoped.AccountID = account.ID
		summary, err := s.runOptimization(ctx, scoped, mode, taskRef)
		run := AccountRun{AccountID: account.ID, Optimization: summary}
		if err != nil {
			run.Error = err.Error()
		}
		return run
	})
}

// runEffectTrackingTask measures one horizon, or every horizon when the task
// names none.
func (s *Service) runEffectTrackingTask(ctx context.Context, task models.ScheduledTask) (interface{}, error) {
	period := 0
	if p := task.Parameters.EffectTracking; p != nil {
		period = p.Period
	}
	if period > 0 {
		return s.Tracking.RunHorizonTask(ctx, period)
	}
	var summaries []tracking.HorizonSummary
	for _, horizon := range tracking.Horizons {
		summary, err := s.Tracking.RunHorizonTask(ctx, horizon)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) runPacingCheckTask(ctx context.Context, task models.ScheduledTask) (interface{}, error) {
	accountID := 0
	if p := task.Parameters.PacingCheck; p != nil {
		accountID = p.AccountID
	}
	if accountID > 0 {
		return s.CheckAllCampaignsPacing(ctx, accountID)
	}
	return s.fanOut(ctx, func(ctx context.Context, account models.Account) AccountRun {
		sweep, err := s.CheckAllCampaignsPacing(ctx, account.ID)
		run := AccountRun{AccountID: account.ID, Pacing: sweep}
		if err != nil {
			run.Error = err.Error()
		}
		return run
	})
}

func (s *Service) runConsistencyCheckTask(ctx context.Context, task models.ScheduledTask) (interface{}, error) {
	accountID, windowDays := 0, defaultConsistencyWindowDays
	if p := task.Parameters.ConsistencyCheck; p != nil {
		accountID = p.AccountID
		if p.WindowDays > 0 {
			windowDays = p.WindowDays
		}
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	end := today.AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(windowDays - 1))

	if accountID > 0 {
		return s.RunConsistencyCheck(ctx, accountID, start, end)
	}
	return s.fanOut(ctx, func(ctx context.Context, account models.Account) AccountRun {
		audit, err := s.RunConsistencyCheck(ctx, account.ID, start, end)
		run := AccountRun{AccountID: account.ID, Consistency: audit}
		if err != nil {
			run.Error = err.Error()
		}
		return run
	})
}

// fanOut runs one pipeline per active account on a bounded pool. Workers
// capture their own failures into the AccountRun, so a broken account never
// stalls or fails the others; only caller cancellation surfaces as an error.
func (s *Service) fanOut(ctx context.Context, worker func(ctx context.Context, account models.Account) AccountRun) ([]AccountRun, error) {
	accounts := s.activeAccounts()
	runs := make([]AccountRun, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(accountWorkers)
	for i, account := range accounts {
		i, account := i, account
		g.Go(func() error {
			runs[i] = worker(gctx, account)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runs, err
	}
	return runs, ctx.Err()
}
