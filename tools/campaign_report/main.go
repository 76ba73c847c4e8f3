// Campaign Report Tool generates performance reports for sponsored-ads campaigns.
//
// This tool connects directly to ClickHouse to query merged telemetry and
// generates formatted reports showing campaign efficiency, daily breakdowns,
// the hour-of-day spend profile and recent automated bid changes.
//
// Usage:
//
//	go run ./tools/campaign_report -account=1 -campaign=123 -days=30
//
// The tool outputs a formatted report including:
//   - Overall performance summary (impressions, clicks, spend, sales, ACOS)
//   - Daily performance breakdown
//   - Hour-of-day spend profile from the stream feed
//   - Recent bid adjustments with their source and rollback state
//   - Automated insights and optimization recommendations
//
// Configuration:
//
//	-account: Required. The account that owns the campaign
//	-campaign: Required. The campaign ID to generate a report for
//	-days: Optional. Number of days to include in the report (default: 7)
//	-clickhouse-dsn: Optional. ClickHouse connection string (defaults to CLICKHOUSE_DSN)
//
// The bid-adjustment section needs Postgres and is skipped with a warning
// when POSTGRES_DSN is unreachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

func main() {
	var (
		account  = flag.Int("account", 0, "Account ID that owns the campaign")
		campaign = flag.Int("campaign", 0, "Campaign ID to generate report for")
		days     = flag.Int("days", 7, "Number of days to include in report")
		dsn      = flag.String("clickhouse-dsn", "", "ClickHouse DSN")
	)
	flag.Parse()

	if *account == 0 || *campaign == 0 {
		fmt.Fprintf(os.Stderr, "Error: account and campaign are required\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.Load()
	if *dsn == "" {
		*dsn = cfg.ClickHouseDSN
	}

	ch, err := dataplane.InitClickHouse(*dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	ctx := context.Background()
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -*days)

	daily, err := ch.MergedCampaignDaily(ctx, *campaign, start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying daily metrics: %v\n", err)
		os.Exit(1)
	}
	hours, err := ch.HourlyProfile(ctx, *account, *campaign, start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying hourly profile: %v\n", err)
		os.Exit(1)
	}

	// The adjustment section degrades gracefully when Postgres is down.
	var adjustments []models.BidAdjustmentRecord
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: postgres unavailable, skipping adjustments: %v\n", err)
	} else {
		defer pg.Close()
		adjustments, _, err = pg.ListBidAdjustments(ctx, db.HistoryFilter{
			AccountID:  *account,
			CampaignID: *campaign,
			Since:      start,
			Limit:      15,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: adjustment query failed: %v\n", err)
		}
	}

	printCampaignReport(*campaign, *days, daily, hours, adjustments)
}

type totals struct {
	impressions int64
	clicks      int64
	orders      int64
	spend       decimal.Decimal
	sales       decimal.Decimal
}

func (t totals) ctr() float64 {
	if t.impressions == 0 {
		return 0
	}
	return float64(t.clicks) / float64(t.impressions) * 100
}

func (t totals) cpc() float64 {
	if t.clicks == 0 {
		return 0
	}
	return t.spend.InexactFloat64() / float64(t.clicks)
}

func (t totals) acos() float64 {
	if t.sales.IsZero() {
		return 0
	}
	return t.spend.InexactFloat64() / t.sales.InexactFloat64() * 100
}

func sum(rows []models.PerformanceSnapshot) totals {
	var t totals
	for _, r := range rows {
		t.impressions += r.Impressions
		t.clicks += r.Clicks
		t.orders += r.Orders
		t.spend = t.spend.Add(r.Spend)
		t.sales = t.sales.Add(r.Sales)
	}
	return t
}

func printCampaignReport(campaignID, days int, daily []models.PerformanceSnapshot, hours []dataplane.HourBucket, adjustments []models.BidAdjustmentRecord) {
	fmt.Printf("═══════════════════════════════════════════════════════════════════════════════════\n")
	fmt.Printf("                              CAMPAIGN PERFORMANCE REPORT                          \n")
	fmt.Printf("═══════════════════════════════════════════════════════════════════════════════════\n")
	fmt.Printf("Campaign ID: %d\n", campaignID)
	fmt.Printf("Report Period: %d days (ending %s)\n", days, time.Now().Format("2006-01-02"))
	fmt.Printf("Generated: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	total := sum(daily)

	// Overall Performance
	fmt.Printf("📊 OVERALL PERFORMANCE\n")
	fmt.Printf("───────────────────────────────────────────────────────────────────────────────────\n")
	fmt.Printf("Total Impressions:  %s\n", formatNumber(total.impressions))
	fmt.Printf("Total Clicks:       %s\n", formatNumber(total.clicks))
	fmt.Printf("Total Orders:       %s\n", formatNumber(total.orders))
	fmt.Printf("Total Spend:        $%.2f\n", total.spend.InexactFloat64())
	fmt.Printf("Total Sales:        $%.2f\n", total.sales.InexactFloat64())
	fmt.Printf("Overall CTR:        %.2f%%\n", total.ctr())
	if total.clicks > 0 {
		fmt.Printf("Average CPC:        $%.2f\n", total.cpc())
	}
	if !total.sales.IsZero() {
		fmt.Printf("ACOS:               %.1f%%\n", total.acos())
		fmt.Printf("ROAS:               %.2f\n", total.sales.InexactFloat64()/total.spend.InexactFloat64())
	}
	fmt.Printf("\n")

	// Daily Breakdown
	if len(daily) > 0 {
		fmt.Printf("📅 DAILY BREAKDOWN\n")
		fmt.Printf("───────────────────────────────────────────────────────────────────────────────────\n")
		fmt.Printf("Date        | Impressions | Clicks |   CTR   |   Spend   |   Sales   |  ACOS  \n")
		fmt.Printf("------------|-------------|--------|---------|-----------|-----------|--------\n")
		for _, dm := range daily {
			d := sum([]models.PerformanceSnapshot{dm})
			acos := "   -  "
			if !d.sales.IsZero() {
				acos = fmt.Sprintf("%5.1f%%", d.acos())
			}
			fmt.Printf("%-10s | %11s | %6s | %6.2f%% | $%8.2f | $%8.2f | %s\n",
				dm.Date.Format("2006-01-02"),
				formatNumber(dm.Impressions),
				formatNumber(dm.Clicks),
				d.ctr(),
				dm.Spend.InexactFloat64(),
				dm.Sales.InexactFloat64(),
				acos,
			)
		}
		fmt.Printf("\n")
	}

	// Hour-of-day profile (stream feed only)
	if len(hours) > 0 {
		fmt.Printf("🕐 HOUR-OF-DAY PROFILE\n")
		fmt.Printf("───────────────────────────────────────────────────────────────────────────────────\n")
		fmt.Printf("Hour | Impressions | Clicks |   Spend   \n")
		fmt.Printf("-----|-------------|--------|-----------\n")
		for _, h := range hours {
			fmt.Printf("%4d | %11s | %6s | $%8.2f\n",
				h.Hour, formatNumber(h.Impressions), formatNumber(h.Clicks), h.Spend)
		}
		fmt.Printf("\n")
	}

	// Recent automated bid changes
	if len(adjustments) > 0 {
		fmt.Printf("🔧 RECENT BID ADJUSTMENTS\n")
		fmt.Printf("───────────────────────────────────────────────────────────────────────────────────\n")
		fmt.Printf("Applied           | Target |   Old →  New   | Source          | State\n")
		fmt.Printf("------------------|--------|----------------|-----------------|----------\n")
		for _, a := range adjustments {
			state := "active"
			if a.IsRolledBack {
				state = "rolled back"
			}
			fmt.Printf("%-17s | %6d | $%5.2f → $%5.2f | %-15s | %s\n",
				a.AppliedAt.Format("2006-01-02 15:04"),
				a.TargetID,
				a.PreviousBid.InexactFloat64(),
				a.NewBid.InexactFloat64(),
				a.Source,
				state,
			)
		}
		fmt.Printf("\n")
	}

	// Insights
	fmt.Printf("💡 INSIGHTS & RECOMMENDATIONS\n")
	fmt.Printf("───────────────────────────────────────────────────────────────────────────────────\n")

	switch {
	case total.sales.IsZero() && total.spend.InexactFloat64() > 10:
		fmt.Printf("⚠️  $%.2f spent with no attributed sales - review targets or pause bleeders\n", total.spend.InexactFloat64())
	case total.acos() > 40:
		fmt.Printf("⚠️  High ACOS (%.1f%%) - bids likely above the profitable range\n", total.acos())
	case total.acos() > 0 && total.acos() < 15:
		fmt.Printf("✅ Low ACOS (%.1f%%) - headroom to bid up for volume\n", total.acos())
	case total.acos() > 0:
		fmt.Printf("✅ ACOS (%.1f%%) within normal range\n", total.acos())
	}

	if total.ctr() > 0 && total.ctr() < 0.2 {
		fmt.Printf("⚠️  Low CTR (%.2f%%) - targets may be too broad for the ad copy\n", total.ctr())
	}

	// Spend concentration by hour
	if len(hours) > 1 {
		var hourSpend, peak float64
		peakHour := 0
		for _, h := range hours {
			hourSpend += h.Spend
			if h.Spend > peak {
				peak = h.Spend
				peakHour = h.Hour
			}
		}
		if hourSpend > 0 && peak/hourSpend > 0.25 {
			fmt.Printf("📈 Hour %02d:00 carries %.0f%% of stream spend - consider a dayparting policy\n",
				peakHour, peak/hourSpend*100)
		}
	}

	// Adjustment churn
	if len(adjustments) > 0 {
		rolled := 0
		for _, a := range adjustments {
			if a.IsRolledBack {
				rolled++
			}
		}
		if rolled*2 > len(adjustments) {
			fmt.Printf("⚠️  %d of the last %d bid changes were rolled back - review rule thresholds\n",
				rolled, len(adjustments))
		}
	}

	if total.impressions > 0 && total.clicks == 0 {
		fmt.Printf("🔍 Impressions without clicks - check match types and negative keywords\n")
	}

	fmt.Printf("═══════════════════════════════════════════════════════════════════════════════════\n")
}

// formatNumber formats large integers with comma separators for improved readability.
// Example: 1234567 becomes "1,234,567"
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	// Add commas for thousands separators
	result := ""
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(digit)
	}
	return result
}
