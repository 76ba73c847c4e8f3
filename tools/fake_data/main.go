package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

var (
	accountCount = flag.Int("accounts", 1, "number of accounts")
	groupsPer    = flag.Int("groups", 2, "performance groups per account")
	campsPer     = flag.Int("campaigns", 6, "campaigns per account")
	adGroupsPer  = flag.Int("adgroups", 2, "ad groups per campaign")
	targetsPer   = flag.Int("targets", 8, "keywords per ad group")
	historyDays  = flag.Int("history", 30, "days of synthetic report history (0 to skip)")
	withTasks    = flag.Bool("tasks", true, "create the standard scheduled-task set")
	seed         = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload   = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	var ch *dataplane.Store
	if *historyDays > 0 {
		ch, err = dataplane.InitClickHouse(cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("clickhouse unavailable, skipping history", zap.Error(err))
			ch = nil
		} else {
			defer ch.Close()
		}
	}

	ctx := context.Background()
	r := rand.New(rand.NewSource(*seed))

	// Check if the demo account already exists
	var demoExists int
	if err := pg.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE external_id = 'demo-profile-1'`).Scan(&demoExists); err != nil {
		logger.Fatal("check demo account", zap.Error(err))
	}

	var targets []models.Target
	if demoExists == 0 {
		demoTargets, err := insertDemoAccount(ctx, pg, r)
		if err != nil {
			logger.Fatal("insert demo account", zap.Error(err))
		}
		targets = append(targets, demoTargets...)
	}

	for i := 0; i < *accountCount; i++ {
		acct := models.Account{
			ExternalID:      fmt.Sprintf("profile-%d", r.Intn(1e9)),
			Name:            fakeAccountName(r),
			Marketplace:     marketplaces[r.Intn(len(marketplaces))],
			Status:          models.AccountStatusActive,
			ProfitMarginPct: 0.55 + r.Float64()*0.2,
		}
		acctID, err := pg.InsertAccount(ctx, acct)
		if err != nil {
			logger.Fatal("insert account", zap.Error(err))
		}

		groupIDs := make([]int, *groupsPer)
		for g := 0; g < *groupsPer; g++ {
			grp := randomGroup(r, acctID, g)
			groupIDs[g], err = pg.InsertPerformanceGroup(ctx, grp)
			if err != nil {
				logger.Fatal("insert performance group", zap.Error(err))
			}
		}

		for c := 0; c < *campsPer; c++ {
			camp := randomCampaign(r, acctID)
			if len(groupIDs) > 0 && r.Intn(3) > 0 {
				camp.PerformanceGroupID = groupIDs[c%len(groupIDs)]
			}
			campID, err := pg.InsertCampaign(ctx, camp)
			if err != nil {
				logger.Fatal("insert campaign", zap.Error(err))
			}

			for a := 0; a < *adGroupsPer; a++ {
				ag := models.AdGroup{
					AccountID:  acctID,
					CampaignID: campID,
					ExternalID: fmt.Sprintf("ag-%d-%d", campID, a+1),
					Name:       fmt.Sprintf("%s group %d", camp.Name, a+1),
					DefaultBid: decimal.NewFromFloat(0.40 + r.Float64()*1.2).Round(2),
					Status:     models.StatusEnabled,
				}
				agID, err := pg.InsertAdGroup(ctx, ag)
				if err != nil {
					logger.Fatal("insert ad group", zap.Error(err))
				}

				for t := 0; t < *targetsPer; t++ {
					tgt := randomKeyword(r, acctID, campID, agID)
					tgt.ID, err = pg.InsertTarget(ctx, tgt)
					if err != nil {
						logger.Fatal("insert target", zap.Error(err))
					}
					targets = append(targets, tgt)
				}
			}
		}
	}

	if *withTasks {
		created, err := createStandardTasks(ctx, pg)
		if err != nil {
			logger.Fatal("create scheduled tasks", zap.Error(err))
		}
		if created > 0 {
			fmt.Printf("created %d scheduled tasks\n", created)
		}
	}

	if ch != nil && len(targets) > 0 {
		n, err := insertHistory(ctx, ch, r, targets, *historyDays)
		if err != nil {
			logger.Fatal("insert history", zap.Error(err))
		}
		fmt.Printf("inserted %d telemetry rows\n", n)
	}

	fmt.Println("demo data inserted")

	if !*skipReload {
		if err := callReloadEndpoint(&cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

// insertDemoAccount creates a fixed account with one group per goal family so
// the dashboards have something deterministic to show.
func insertDemoAccount(ctx context.Context, pg *db.Postgres, r *rand.Rand) ([]models.Target, error) {
	acctID, err := pg.InsertAccount(ctx, models.Account{
		ExternalID:      "demo-profile-1",
		Name:            "Demo Brands",
		Marketplace:     "US",
		Status:          models.AccountStatusActive,
		ProfitMarginPct: 0.6,
	})
	if err != nil {
		return nil, err
	}

	groups := []models.PerformanceGroup{
		{AccountID: acctID, Name: "Bestsellers", Goal: models.GoalMaximizeSales},
		{AccountID: acctID, Name: "Efficiency", Goal: models.GoalTargetACOS, GoalValue: decimal.NewFromInt(25)},
		{AccountID: acctID, Name: "Launch burn", Goal: models.GoalDailySpendLimit, GoalValue: decimal.NewFromInt(150)},
	}
	groupIDs := make([]int, len(groups))
	for i, g := range groups {
		if groupIDs[i], err = pg.InsertPerformanceGroup(ctx, g); err != nil {
			return nil, err
		}
	}

	var targets []models.Target
	for i, name := range []string{"Wireless Earbuds SP", "Espresso Gear SP", "Brand Defense SP"} {
		camp := models.Campaign{
			AccountID:          acctID,
			ExternalID:         fmt.Sprintf("demo-camp-%d", i+1),
			Name:               name,
			CampaignType:       models.CampaignTypeSponsoredProducts,
			DailyBudget:        decimal.NewFromInt(int64(50 + 25*i)),
			Status:             models.StatusEnabled,
			Placements:         models.PlacementTilts{TopOfSearchPct: 20 * i},
			PerformanceGroupID: groupIDs[i%len(groupIDs)],
		}
		campID, err := pg.InsertCampaign(ctx, camp)
		if err != nil {
			return nil, err
		}
		agID, err := pg.InsertAdGroup(ctx, models.AdGroup{
			AccountID:  acctID,
			CampaignID: campID,
			ExternalID: fmt.Sprintf("demo-ag-%d", i+1),
			Name:       name + " core",
			DefaultBid: decimal.NewFromFloat(0.75),
			Status:     models.StatusEnabled,
		})
		if err != nil {
			return nil, err
		}
		for t := 0; t < 10; t++ {
			tgt := randomKeyword(r, acctID, campID, agID)
			if tgt.ID, err = pg.InsertTarget(ctx, tgt); err != nil {
				return nil, err
			}
			targets = append(targets, tgt)
		}
	}
	return targets, nil
}

// createStandardTasks seeds the recurring task set a fresh install needs. It
// is idempotent on a task-table level: when any task already exists the set
// is assumed to be managed by an operator and nothing is created.
func createStandardTasks(ctx context.Context, pg *db.Postgres) (int, error) {
	existing, err := pg.ListScheduledTasks(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	tasks := []models.ScheduledTask{
		{
			Name: "hourly optimization", TaskType: models.TaskTypeOptimization,
			Schedule: models.ScheduleHourly, Enabled: true, RequireApproval: true,
			Parameters: models.TaskParameters{Optimization: &models.OptimizationTaskParams{}},
		},
		{
			Name: "pacing sweep", TaskType: models.TaskTypePacingCheck,
			Schedule: models.ScheduleInterval, Interval: 30 * time.Minute, Enabled: true,
			Parameters: models.TaskParameters{PacingCheck: &models.PacingCheckTaskParams{}},
		},
		{
			Name: "daily effect tracking", TaskType: models.TaskTypeEffectTracking,
			Schedule: models.ScheduleDaily, RunTime: "06:00", Enabled: true,
			Parameters: models.TaskParameters{EffectTracking: &models.EffectTrackingTaskParams{Period: 7}},
		},
		{
			Name: "daily rollback evaluation", TaskType: models.TaskTypeRollbackEvaluation,
			Schedule: models.ScheduleDaily, RunTime: "06:30", Enabled: true,
			Parameters: models.TaskParameters{RollbackEvaluation: &models.RollbackEvaluationTaskParams{}},
		},
		{
			Name: "daily consistency check", TaskType: models.TaskTypeConsistencyCheck,
			Schedule: models.ScheduleDaily, RunTime: "07:00", Enabled: true,
			Parameters: models.TaskParameters{ConsistencyCheck: &models.ConsistencyCheckTaskParams{WindowDays: 3}},
		},
		{
			Name: "suggestion cleanup", TaskType: models.TaskTypeSuggestionCleanup,
			Schedule: models.ScheduleDaily, RunTime: "07:30", Enabled: true,
			Parameters: models.TaskParameters{SuggestionCleanup: &models.SuggestionCleanupTaskParams{}},
		},
	}
	for i := range tasks {
		tasks[i].NextRun = now
		if _, err := pg.CreateScheduledTask(ctx, tasks[i]); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// insertHistory writes a synthetic daily report series per target so the
// curve fitter and effect tracker have data on a fresh install. Volume
// responds to the bid so the fitted curves slope the right way.
func insertHistory(ctx context.Context, ch *dataplane.Store, r *rand.Rand, targets []models.Target, days int) (int, error) {
	var snaps []models.PerformanceSnapshot
	total := 0
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, t := range targets {
		bid, _ := t.CurrentBid.Float64()
		for d := days; d >= 1; d-- {
			day := today.AddDate(0, 0, -d)
			snaps = append(snaps, synthDay(r, t, bid, day))
			if len(snaps) >= 500 {
				if err := ch.InsertSnapshots(ctx, snaps); err != nil {
					return total, err
				}
				total += len(snaps)
				snaps = snaps[:0]
			}
		}
	}
	if len(snaps) > 0 {
		if err := ch.InsertSnapshots(ctx, snaps); err != nil {
			return total, err
		}
		total += len(snaps)
	}
	return total, nil
}

func synthDay(r *rand.Rand, t models.Target, bid float64, day time.Time) models.PerformanceSnapshot {
	// Impressions scale with bid; diminishing returns past a dollar.
	impr := int64(200*bid/(bid+0.5)*(0.7+r.Float64()*0.6)) + r.Int63n(40)
	ctr := 0.015 + r.Float64()*0.04
	clicks := int64(float64(impr) * ctr)
	cpc := bid * (0.6 + r.Float64()*0.35)
	spend := float64(clicks) * cpc
	cvr := 0.05 + r.Float64()*0.1
	orders := int64(float64(clicks) * cvr)
	price := 15 + r.Float64()*45
	return models.PerformanceSnapshot{
		AccountID:   t.AccountID,
		CampaignID:  t.CampaignID,
		AdGroupID:   t.AdGroupID,
		TargetID:    t.ID,
		TargetType:  t.TargetType,
		Date:        day,
		Hour:        -1,
		Source:      models.SnapshotSourceReport,
		Impressions: impr,
		Clicks:      clicks,
		Spend:       decimal.NewFromFloat(spend).Round(4),
		Sales:       decimal.NewFromFloat(float64(orders) * price).Round(2),
		Orders:      orders,
		Bid:         decimal.NewFromFloat(bid).Round(2),
		EventTime:   day.Add(23 * time.Hour),
	}
}

// random helpers

var marketplaces = []string{"US", "CA", "GB", "DE", "FR"}

var nameAdjectives = []string{"Acme", "Prime", "Summit", "Harbor", "Cedar", "Bright", "Nova"}
var nameNouns = []string{"Brands", "Goods", "Home", "Outfitters", "Labs", "Supply"}

func fakeAccountName(r *rand.Rand) string {
	return fmt.Sprintf("%s %s", nameAdjectives[r.Intn(len(nameAdjectives))], nameNouns[r.Intn(len(nameNouns))])
}

var productWords = []string{
	"wireless", "earbuds", "stainless", "bottle", "yoga", "mat", "camping",
	"lantern", "espresso", "grinder", "laptop", "stand", "desk", "organizer",
	"dog", "harness", "kids", "backpack", "kitchen", "scale",
}

var matchTypes = []string{models.MatchTypeBroad, models.MatchTypePhrase, models.MatchTypeExact}
var keywordTypes = []string{
	models.KeywordTypeBrand, models.KeywordTypeCompetitor,
	models.KeywordTypeGeneric, models.KeywordTypeProduct,
}

func randomKeyword(r *rand.Rand, accountID, campaignID, adGroupID int) models.Target {
	words := 1 + r.Intn(3)
	text := productWords[r.Intn(len(productWords))]
	for w := 1; w < words; w++ {
		text += " " + productWords[r.Intn(len(productWords))]
	}
	return models.Target{
		AccountID:   accountID,
		CampaignID:  campaignID,
		AdGroupID:   adGroupID,
		ExternalID:  fmt.Sprintf("kw-%d", r.Intn(1e9)),
		TargetType:  models.TargetTypeKeyword,
		MatchType:   matchTypes[r.Intn(len(matchTypes))],
		Text:        text,
		KeywordType: keywordTypes[r.Intn(len(keywordTypes))],
		CurrentBid:  decimal.NewFromFloat(0.30 + r.Float64()*1.7).Round(2),
		Status:      models.StatusEnabled,
	}
}

var campaignThemes = []string{"Evergreen", "Holiday Push", "New Release", "Category Reach", "Brand Defense", "Clearance"}

func randomCampaign(r *rand.Rand, accountID int) models.Campaign {
	theme := campaignThemes[r.Intn(len(campaignThemes))]
	c := models.Campaign{
		AccountID:    accountID,
		ExternalID:   fmt.Sprintf("camp-%d", r.Intn(1e9)),
		Name:         fmt.Sprintf("%s %s SP", theme, productWords[r.Intn(len(productWords))]),
		CampaignType: models.CampaignTypeSponsoredProducts,
		DailyBudget:  decimal.NewFromInt(int64(20 + r.Intn(180))),
		Status:       models.StatusEnabled,
	}
	if r.Intn(3) == 0 {
		c.Placements = models.PlacementTilts{
			TopOfSearchPct: 10 * (1 + r.Intn(5)),
			ProductPagePct: 10 * r.Intn(3),
		}
	}
	return c
}

func randomGroup(r *rand.Rand, accountID, idx int) models.PerformanceGroup {
	goals := []models.PerformanceGroup{
		{Goal: models.GoalMaximizeSales},
		{Goal: models.GoalTargetACOS, GoalValue: decimal.NewFromInt(int64(15 + r.Intn(25)))},
		{Goal: models.GoalTargetROAS, GoalValue: decimal.NewFromInt(int64(3 + r.Intn(4)))},
		{Goal: models.GoalDailySpendLimit, GoalValue: decimal.NewFromInt(int64(50 + r.Intn(300)))},
	}
	g := goals[r.Intn(len(goals))]
	g.AccountID = accountID
	g.Name = fmt.Sprintf("%s %d", campaignThemes[r.Intn(len(campaignThemes))], idx+1)
	return g
}

func callReloadEndpoint(cfg *config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest("POST", reloadURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
