package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore wraps a redis client and context for operations. It holds the
// hot, losable state: realtime counters mirrored from the marketing stream,
// hourly pacing overrides, coordination locks and throttles. Durable truth
// lives in Postgres and ClickHouse.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// realtimeTTL keeps stream counters alive long enough for the consistency
// checker to compare a full trailing window.
const realtimeTTL = 48 * time.Hour

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// RecordStreamDelta folds one stream message into the day-scoped realtime
// counters. Account and campaign totals move together; the per-hour hashes
// feed the anomaly detector. Dates are UTC "2006-01-02".
func (r *RedisStore) RecordStreamDelta(accountID, campaignID int, date string, hour int,
	spend float64, clicks, impressions int64) error {

	pipe := r.Client.TxPipeline()
	keys := []string{
		fmt.Sprintf("rt:spend:acct:%d:%s", accountID, date),
		fmt.Sprintf("rt:spend:camp:%d:%s", campaignID, date),
	}
	for _, key := range keys {
		pipe.IncrByFloat(r.Ctx, key, spend)
	}
	for _, c := range []struct {
		key   string
		delta int64
	}{
		{fmt.Sprintf("rt:clicks:acct:%d:%s", accountID, date), clicks},
		{fmt.Sprintf("rt:clicks:camp:%d:%s", campaignID, date), clicks},
		{fmt.Sprintf("rt:impr:acct:%d:%s", accountID, date), impressions},
		{fmt.Sprintf("rt:impr:camp:%d:%s", campaignID, date), impressions},
	} {
		pipe.IncrBy(r.Ctx, c.key, c.delta)
		keys = append(keys, c.key)
	}
	hourField := strconv.Itoa(hour)
	hClicks := fmt.Sprintf("rt:hclicks:%d:%s", campaignID, date)
	hSpend := fmt.Sprintf("rt:hspend:%d:%s", campaignID, date)
	pipe.HIncrBy(r.Ctx, hClicks, hourField, clicks)
	pipe.HIncrByFloat(r.Ctx, hSpend, hourField, spend)
	keys = append(keys, hClicks, hSpend)

	for _, key := range keys {
		pipe.Expire(r.Ctx, key, realtimeTTL)
	}
	pipe.Set(r.Ctx, fmt.Sprintf("rt:last:%d", accountID), time.Now().Unix(), realtimeTTL)

	if _, err := pipe.Exec(r.Ctx); err != nil {
		return fmt.Errorf("record stream delta: %w", err)
	}
	return nil
}

// counterAt reads one integer counter; a missing key reads as zero.
func (r *RedisStore) counterAt(key string) (int64, error) {
	val, err := r.Client.Get(r.Ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// floatAt reads one float counter; a missing key reads as zero.
func (r *RedisStore) floatAt(key string) (float64, error) {
	val, err := r.Client.Get(r.Ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// CampaignRealtime returns a campaign's day-to-date stream counters.
func (r *RedisStore) CampaignRealtime(campaignID int, date string) (spend float64, clicks, impressions int64, err error) {
	if spend, err = r.floatAt(fmt.Sprintf("rt:spend:camp:%d:%s", campaignID, date)); err != nil {
		return 0, 0, 0, fmt.Errorf("campaign realtime spend: %w", err)
	}
	if clicks, err = r.counterAt(fmt.Sprintf("rt:clicks:camp:%d:%s", campaignID, date)); err != nil {
		return 0, 0, 0, fmt.Errorf("campaign realtime clicks: %w", err)
	}
	if impressions, err = r.counterAt(fmt.Sprintf("rt:impr:camp:%d:%s", campaignID, date)); err != nil {
		return 0, 0, 0, fmt.Errorf("campaign realtime impressions: %w", err)
	}
	return spend, clicks, impressions, nil
}

// AccountRealtime returns an account's day-to-date stream counters.
func (r *RedisStore) AccountRealtime(accountID int, date string) (spend float64, clicks, impressions int64, err error) {
	if spend, err = r.floatAt(fmt.Sprintf("rt:spend:acct:%d:%s", accountID, date)); err != nil {
		return 0, 0, 0, fmt.Errorf("account realtime spend: %w", err)
	}
	if clicks, err = r.counterAt(fmt.Sprintf("rt:clicks:acct:%d:%s", accountID, date)); err != nil {
		return 0, 0, 0, fmt.Errorf("account realtime clicks: %w", err)
	}
	if impressions, err = r.counterAt(fmt.Sprintf("rt:impr:acct:%d:%s", accountID, date)); err != nil {
		return 0, 0, 0, fmt.Errorf("account realtime impressions: %w", err)
	}
	return spend, clicks, impressions, nil
}

// LastStreamUpdate returns when the account's counters last moved; the zero
// time when the stream has never written.
func (r *RedisStore) LastStreamUpdate(accountID int) (time.Time, error) {
	unix, err := r.Client.Get(r.Ctx, fmt.Sprintf("rt:last:%d", accountID)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last stream update: %w", err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

// HourlyClicks returns the per-hour click histogram for a campaign day.
func (r *RedisStore) HourlyClicks(campaignID int, date string) (map[int]int64, error) {
	raw, err := r.Client.HGetAll(r.Ctx, fmt.Sprintf("rt:hclicks:%d:%s", campaignID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("hourly clicks: %w", err)
	}
	clicks := make(map[int]int64, len(raw))
	for field, val := range raw {
		hour, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		clicks[hour] = n
	}
	return clicks, nil
}

// HourlySpend returns the per-hour spend histogram for a campaign day.
func (r *RedisStore) HourlySpend(campaignID int, date string) (map[int]float64, error) {
	raw, err := r.Client.HGetAll(r.Ctx, fmt.Sprintf("rt:hspend:%d:%s", campaignID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("hourly spend: %w", err)
	}
	spend := make(map[int]float64, len(raw))
	for field, val := range raw {
		hour, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		spend[hour] = f
	}
	return spend, nil
}

// SetHourlyMultiplier writes the pacing override for one campaign hour. The
// override hash is the only pacing output the bid path reads.
func (r *RedisStore) SetHourlyMultiplier(campaignID int, date string, hour int, multiplier float64) error {
	key := fmt.Sprintf("hourly:override:%d:%s", campaignID, date)
	if err := r.Client.HSet(r.Ctx, key, strconv.Itoa(hour), multiplier).Err(); err != nil {
		return fmt.Errorf("set hourly multiplier: %w", err)
	}
	if err := r.Client.Expire(r.Ctx, key, realtimeTTL).Err(); err != nil {
		return fmt.Errorf("expire hourly multiplier: %w", err)
	}
	return nil
}

// HourlyMultiplier reads the override for one campaign hour; (1, false) when
// no override is set.
func (r *RedisStore) HourlyMultiplier(campaignID int, date string, hour int) (float64, bool, error) {
	val, err := r.Client.HGet(r.Ctx, fmt.Sprintf("hourly:override:%d:%s", campaignID, date),
		strconv.Itoa(hour)).Float64()
	if err == redis.Nil {
		return 1, false, nil
	}
	if err != nil {
		return 1, false, fmt.Errorf("get hourly multiplier: %w", err)
	}
	return val, true, nil
}

// HourlyMultipliers returns every override set for a campaign day.
func (r *RedisStore) HourlyMultipliers(campaignID int, date string) (map[int]float64, error) {
	raw, err := r.Client.HGetAll(r.Ctx, fmt.Sprintf("hourly:override:%d:%s", campaignID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("get hourly multipliers: %w", err)
	}
	multipliers := make(map[int]float64, len(raw))
	for field, val := range raw {
		hour, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		m, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		multipliers[hour] = m
	}
	return multipliers, nil
}

// AcquireBidLock takes the per-target coordination lock. The holder computes,
// applies and journals the bid before releasing; the TTL only bounds crashed
// holders.
func (r *RedisStore) AcquireBidLock(accountID, targetID int, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(r.Ctx, fmt.Sprintf("lock:bid:%d:%d", accountID, targetID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire bid lock: %w", err)
	}
	return ok, nil
}

// ReleaseBidLock drops the per-target coordination lock.
func (r *RedisStore) ReleaseBidLock(accountID, targetID int) error {
	if err := r.Client.Del(r.Ctx, fmt.Sprintf("lock:bid:%d:%d", accountID, targetID)).Err(); err != nil {
		return fmt.Errorf("release bid lock: %w", err)
	}
	return nil
}

// TryPacingCheck gates pacing sweeps to one per campaign per interval.
// Returns false while a previous check is still fresh.
func (r *RedisStore) TryPacingCheck(campaignID int, minInterval time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(r.Ctx, fmt.Sprintf("pacing:last:%d", campaignID),
		time.Now().Unix(), minInterval).Result()
	if err != nil {
		return false, fmt.Errorf("pacing check gate: %w", err)
	}
	return ok, nil
}

// IncrInconsistency bumps the consecutive report-vs-stream failure streak.
func (r *RedisStore) IncrInconsistency(accountID int) (int64, error) {
	key := fmt.Sprintf("dp:inconsistent:%d", accountID)
	val, err := r.Client.Incr(r.Ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment inconsistency streak: %w", err)
	}
	if val == 1 {
		r.Client.Expire(r.Ctx, key, 7*24*time.Hour)
	}
	return val, nil
}

// ResetInconsistency clears the streak after a consistent check.
func (r *RedisStore) ResetInconsistency(accountID int) error {
	if err := r.Client.Del(r.Ctx, fmt.Sprintf("dp:inconsistent:%d", accountID)).Err(); err != nil {
		return fmt.Errorf("reset inconsistency streak: %w", err)
	}
	return nil
}

// IncrDailyAdjustments increments the per-target applied-change counter for
// the current UTC day and returns the new total.
// A 24h TTL is applied on first set.
func (r *RedisStore) IncrDailyAdjustments(accountID, targetID int) (int64, error) {
	key := fmt.Sprintf("adj:count:%d:%d:%s", accountID, targetID, time.Now().UTC().Format("2006-01-02"))
	val, err := r.Client.Incr(r.Ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment daily adjustments: %w", err)
	}
	if val == 1 {
		r.Client.Expire(r.Ctx, key, 24*time.Hour)
	}
	return val, nil
}

// DailyAdjustments reads the day's applied-change count for a target.
func (r *RedisStore) DailyAdjustments(accountID, targetID int) (int64, error) {
	key := fmt.Sprintf("adj:count:%d:%d:%s", accountID, targetID, time.Now().UTC().Format("2006-01-02"))
	val, err := r.counterAt(key)
	if err != nil {
		return 0, fmt.Errorf("daily adjustments: %w", err)
	}
	return val, nil
}

// TryAdjustmentCooldown arms the per-target cooldown. Returns false while a
// previous adjustment is still cooling down.
func (r *RedisStore) TryAdjustmentCooldown(accountID, targetID int, cooldown time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(r.Ctx, fmt.Sprintf("adj:cooldown:%d:%d", accountID, targetID),
		time.Now().Unix(), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("adjustment cooldown gate: %w", err)
	}
	return ok, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
