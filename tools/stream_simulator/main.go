package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

var (
	accountID       int
	totalMsg        int
	duration        time.Duration
	rate            float64
	jitter          float64
	stats           bool
	flush           bool
	snapshots       bool
	debug           bool
	surgeInterval   time.Duration
	surgeDuration   time.Duration
	surgeMultiplier float64
)

var logger *zap.Logger

const statsInterval = 5 * time.Second

// Stream rows buffered for ClickHouse are flushed in batches of this size.
const snapshotFlushEvery = 200

var (
	countMessages   uint64
	countImpr       uint64
	countClicks     uint64
	countErrors     uint64
	countSpendCents uint64
)

func main() {
	flag.IntVar(&accountID, "account", 0, "account id to simulate (0 for all active accounts)")
	flag.IntVar(&totalMsg, "messages", 1000, "total stream messages to emit")
	flag.DurationVar(&duration, "duration", 0, "how long to run (0 to disable)")
	flag.Float64Var(&rate, "rate", 5, "messages per second (0 for unlimited)")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for message spacing")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "clear realtime counters before emitting")
	flag.BoolVar(&snapshots, "snapshots", true, "persist stream rows to clickhouse")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.DurationVar(&surgeInterval, "surge-interval", 0, "interval between spend surges (0 to disable)")
	flag.DurationVar(&surgeDuration, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMultiplier, "surge-multiplier", 3.0, "message rate multiplier during surge windows")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "stream-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	ctx := context.Background()

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()

	store := models.NewInMemoryAccountDataStore()
	if err := db.Init(ctx, pg, store); err != nil {
		logger.Fatal("load entities", zap.Error(err))
	}

	redis, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer redis.Close()

	var ch *dataplane.Store
	if snapshots {
		ch, err = dataplane.InitClickHouse(cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("clickhouse unavailable, emitting redis deltas only", zap.Error(err))
			ch = nil
		} else {
			defer ch.Close()
		}
	}

	pool := buildPool(store)
	if len(pool) == 0 {
		logger.Fatal("no enabled campaigns to simulate", zap.Int("account", accountID))
	}
	logger.Info("simulating stream", zap.Int("campaigns", len(pool)), zap.Float64("rate", rate))

	if flush {
		flushRealtime(redis)
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalMsg > 0 {
		baseInterval = duration / time.Duration(totalMsg)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					return
				}
			}
		}()
	}

	var pending []models.PerformanceSnapshot
	for i := 0; ; i++ {
		if totalMsg > 0 && i >= totalMsg {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if surgeInterval > 0 && surgeDuration > 0 && surgeMultiplier > 0 {
				elapsed := time.Since(start)
				if elapsed%surgeInterval < surgeDuration {
					effective = time.Duration(float64(effective) / surgeMultiplier)
				}
			}
			if jitter > 0 {
				jf := 1 + (r.Float64()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}

		lc := pool[r.Intn(len(pool))]
		tgt := lc.targets[r.Intn(len(lc.targets))]
		now := time.Now().UTC()
		msg := synthMessage(r, tgt, now.Hour())

		err := redis.RecordStreamDelta(lc.accountID, lc.campaign.ID,
			now.Format("2006-01-02"), now.Hour(), msg.spend, msg.clicks, msg.impressions)
		if err != nil {
			atomic.AddUint64(&countErrors, 1)
			logger.Debug("record delta", zap.Error(err))
			continue
		}
		atomic.AddUint64(&countMessages, 1)
		atomic.AddUint64(&countImpr, uint64(msg.impressions))
		atomic.AddUint64(&countClicks, uint64(msg.clicks))
		atomic.AddUint64(&countSpendCents, uint64(msg.spend*100))

		if ch != nil {
			pending = append(pending, streamRow(lc.accountID, lc.campaign.ID, tgt, msg, now))
			if len(pending) >= snapshotFlushEvery {
				if err := ch.InsertSnapshots(ctx, pending); err != nil {
					atomic.AddUint64(&countErrors, 1)
					logger.Warn("flush snapshots", zap.Error(err))
				}
				pending = pending[:0]
			}
		}
	}

	if ch != nil && len(pending) > 0 {
		if err := ch.InsertSnapshots(ctx, pending); err != nil {
			logger.Warn("flush snapshots", zap.Error(err))
		}
	}
	close(done)
	printStats()
}

type liveCampaign struct {
	accountID int
	campaign  models.Campaign
	targets   []models.Target
}

// buildPool resolves the enabled campaigns (and their enabled targets) the
// run will draw from. Paused or re-auth accounts never receive traffic.
func buildPool(store models.AccountDataStore) []liveCampaign {
	var pool []liveCampaign
	for _, a := range store.Accounts() {
		if accountID > 0 && a.ID != accountID {
			continue
		}
		if a.Status != models.AccountStatusActive {
			continue
		}
		for _, c := range store.CampaignsForAccount(a.ID) {
			if c.Status != models.StatusEnabled {
				continue
			}
			var enabled []models.Target
			for _, t := range store.TargetsForCampaign(a.ID, c.ID) {
				if t.Status == models.StatusEnabled {
					enabled = append(enabled, t)
				}
			}
			if len(enabled) == 0 {
				continue
			}
			pool = append(pool, liveCampaign{accountID: a.ID, campaign: c, targets: enabled})
		}
	}
	return pool
}

// flushRealtime clears the rt:* counter keys only. Hourly overrides, bid
// locks and pacing gates keep whatever state operators put there.
func flushRealtime(redis *db.RedisStore) {
	keys, err := redis.Client.Keys(redis.Ctx, "rt:*").Result()
	if err != nil {
		logger.Error("list realtime keys", zap.Error(err))
		return
	}
	if len(keys) > 0 {
		if err := redis.Client.Del(redis.Ctx, keys...).Err(); err != nil {
			logger.Error("delete realtime keys", zap.Error(err))
			return
		}
	}
	logger.Info("realtime counters flushed", zap.Int("keys_deleted", len(keys)))
}

type streamMessage struct {
	impressions int64
	clicks      int64
	spend       float64
	orders      int64
	sales       float64
}

// hourWeight shapes volume over the day: quiet overnight, peak in the
// evening. Index is the UTC hour.
var hourWeight = [24]float64{
	0.2, 0.15, 0.1, 0.1, 0.1, 0.15, 0.25, 0.4, 0.55, 0.65, 0.7, 0.75,
	0.8, 0.8, 0.75, 0.7, 0.75, 0.85, 0.95, 1.0, 1.0, 0.9, 0.6, 0.35,
}

func synthMessage(r *rand.Rand, tgt models.Target, hour int) streamMessage {
	w := hourWeight[hour]
	var msg streamMessage
	msg.impressions = 1 + r.Int63n(int64(30*w)+1)
	ctr := 0.01 + r.Float64()*0.05
	msg.clicks = int64(float64(msg.impressions) * ctr)
	if msg.clicks == 0 && r.Float64() < ctr {
		msg.clicks = 1
	}
	bid, _ := tgt.CurrentBid.Float64()
	cpc := bid * (0.55 + r.Float64()*0.4)
	msg.spend = float64(msg.clicks) * cpc
	if msg.clicks > 0 && r.Float64() < 0.08 {
		msg.orders = 1
		msg.sales = 15 + r.Float64()*45
	}
	return msg
}

func streamRow(acctID, campID int, tgt models.Target, msg streamMessage, now time.Time) models.PerformanceSnapshot {
	return models.PerformanceSnapshot{
		AccountID:   acctID,
		CampaignID:  campID,
		AdGroupID:   tgt.AdGroupID,
		TargetID:    tgt.ID,
		TargetType:  tgt.TargetType,
		Date:        now.Truncate(24 * time.Hour),
		Hour:        now.Hour(),
		Source:      models.SnapshotSourceStream,
		Impressions: msg.impressions,
		Clicks:      msg.clicks,
		Spend:       decimal.NewFromFloat(msg.spend).Round(4),
		Sales:       decimal.NewFromFloat(msg.sales).Round(2),
		Orders:      msg.orders,
		Bid:         tgt.CurrentBid,
		EventTime:   now,
	}
}

func printStats() {
	sent := atomic.LoadUint64(&countMessages)
	impr := atomic.LoadUint64(&countImpr)
	clk := atomic.LoadUint64(&countClicks)
	errs := atomic.LoadUint64(&countErrors)
	spend := float64(atomic.LoadUint64(&countSpendCents)) / 100
	var ctr float64
	if impr > 0 {
		ctr = float64(clk) / float64(impr)
	}
	logger.Info("stats", zap.Uint64("messages", sent), zap.Uint64("impressions", impr),
		zap.Uint64("clicks", clk), zap.Float64("spend", spend), zap.Float64("ctr", ctr),
		zap.Uint64("errors", errs))
}
