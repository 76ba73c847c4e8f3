package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/pacing"
)

// defaultConsistencyWindowDays is the report-vs-stream comparison window
// when the caller names none.
const defaultConsistencyWindowDays = 7

// PacingSweep reports one account-wide pacing pass. Alerts carries the
// campaigns whose evaluation demanded operator attention (pause or alert
// actions); overrides for the rest were written directly.
type PacingSweep struct {
	AccountID int                 `json:"account_id"`
	Checked   int                 `json:"checked"`
	Applied   int                 `json:"applied"`
	OnTrack   int                 `json:"on_track"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Alerts    []pacing.Adjustment `json:"alerts,omitempty"`
}

// CheckAllCampaignsPacing runs the intraday pacing check over every enabled
// campaign of the account. Campaigns still inside their check interval count
// as skipped; per-campaign failures are recorded and never stop the sweep.
func (s *Service) CheckAllCampaignsPacing(ctx context.Context, accountID int) (*PacingSweep, error) {
	if _, err := s.account(accountID); err != nil {
		return nil, err
	}
	sweep := &PacingSweep{AccountID: accountID}
	for _, campaign := range s.Data.CampaignsForAccount(accountID) {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}
		if campaign.Status != models.StatusEnabled {
			continue
		}
		adj, err := s.Pacing.Run(ctx, accountID, campaign.ID)
		switch {
		case errs.IsConflict(err):
			sweep.Skipped++
			continue
		case err != nil:
			sweep.Failed++
			zap.L().Warn("pacing check failed",
				zap.Int("account_id", accountID),
				zap.Int("campaign_id", campaign.ID),
				zap.Error(err))
			continue
		}
		sweep.Checked++
		switch adj.Action {
		case models.PacingActionReduceBid, models.PacingActionIncreaseBid:
			sweep.Applied++
		case models.PacingActionPause, models.PacingActionAlert:
			sweep.Alerts = append(sweep.Alerts, *adj)
		default:
			sweep.OnTrack++
		}
	}
	return sweep, nil
}

// CriticalCampaigns evaluates every enabled campaign read-only and returns
// the ones in critical overspend or carrying anomalies. It never arms the
// pacing gate, so operators can poll it freely.
func (s *Service) CriticalCampaigns(ctx context.Context, accountID int) ([]pacing.Adjustment, error) {
	if _, err := s.account(accountID); err != nil {
		return nil, err
	}
	var out []pacing.Adjustment
	for _, campaign := range s.Data.CampaignsForAccount(accountID) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if campaign.Status != models.StatusEnabled {
			continue
		}
		adj, err := s.Pacing.Snapshot(ctx, accountID, campaign.ID)
		if err != nil {
			zap.L().Warn("pacing snapshot failed",
				zap.Int("campaign_id", campaign.ID), zap.Error(err))
			continue
		}
		if adj.Status == models.PacingStatusCritical || len(adj.Anomalies) > 0 {
			out = append(out, *adj)
		}
	}
	return out, nil
}

// DualTrackStatus reports the health of the account's two telemetry feeds:
// which realtime tier is answering and how fresh it is, and what the latest
// report-vs-stream comparison concluded.
type DualTrackStatus struct {
	AccountID int                      `json:"account_id"`
	Realtime  *dataplane.RealtimeSpend `json:"realtime"`
	// StreamLastUpdate is the newest stream write marker; zero when the
	// account has never streamed. Healthy summarizes both tracks.
	StreamLastUpdate time.Time                `json:"stream_last_update,omitempty"`
	LastAudit        *models.ConsistencyAudit `json:"last_audit,omitempty"`
	Healthy          bool                     `json:"healthy"`
}

// GetDualTrackStatus assembles the feed-health view for one account. Status
// reads work on any known account, including ones halted for re-auth.
func (s *Service) GetDualTrackStatus(ctx context.Context, accountID int) (*DualTrackStatus, error) {
	if s.Data.GetAccount(accountID) == nil {
		return nil, errs.Newf(errs.KindNotFound, "account %d not found", accountID)
	}
	rt, err := s.Plane.RealtimeSpendForGuard(ctx, accountID, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "read realtime track", err)
	}
	status := &DualTrackStatus{AccountID: accountID, Realtime: rt}

	if s.Redis != nil {
		last, err := s.Redis.LastStreamUpdate(accountID)
		if err != nil {
			zap.L().Warn("stream marker read failed", zap.Int("account_id", accountID), zap.Error(err))
		} else {
			status.StreamLastUpdate = last
		}
	}
	if s.PG != nil {
		audits, err := s.PG.LatestConsistencyAudits(ctx, accountID, 1)
		if err != nil {
			zap.L().Warn("consistency audit read failed", zap.Int("account_id", accountID), zap.Error(err))
		} else if len(audits) > 0 {
			status.LastAudit = &audits[0]
		}
	}
	status.Healthy = !rt.Stale && (status.LastAudit == nil || status.LastAudit.Consistent)
	return status, nil
}

// RunConsistencyCheck compares report and stream sums over [start, end]. A
// zero start and end selects the default trailing window ending yesterday;
// a half-specified or inverted window is rejected.
func (s *Service) RunConsistencyCheck(ctx context.Context, accountID int, start, end time.Time) (*models.ConsistencyAudit, error) {
	if s.Data.GetAccount(accountID) == nil {
		return nil, errs.Newf(errs.KindNotFound, "account %d not found", accountID)
	}
	if start.IsZero() != end.IsZero() {
		return nil, errs.New(errs.KindValidation, "consistency window needs both start and end dates")
	}
	if start.IsZero() {
		today := s.now().UTC().Truncate(24 * time.Hour)
		end = today.AddDate(0, 0, -1)
		start = end.AddDate(0, 0, -(defaultConsistencyWindowDays - 1))
	}
	if end.Before(start) {
		return nil, errs.Newf(errs.KindValidation, "consistency window ends %s before it starts %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	audit, err := s.Consistency.CheckConsistency(ctx, accountID, start, end)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "consistency check", err)
	}
	return audit, nil
}
