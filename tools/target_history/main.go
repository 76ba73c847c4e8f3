package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

func main() {
	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var account, target, days int
	var dsn string
	flag.IntVar(&account, "account", 0, "account ID")
	flag.IntVar(&target, "target", 0, "target ID")
	flag.IntVar(&days, "days", 30, "days of history")
	flag.StringVar(&dsn, "dsn", "", "ClickHouse DSN")
	flag.Parse()

	if account == 0 || target == 0 {
		fmt.Fprintln(os.Stderr, "account and target required")
		os.Exit(1)
	}
	if dsn == "" {
		cfg := config.Load()
		dsn = cfg.ClickHouseDSN
	}

	ch, err := dataplane.InitClickHouse(dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	rows, err := ch.MergedTargetWindow(context.Background(), account, target, start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query history: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		fmt.Fprintf(os.Stderr, "encode history: %v\n", err)
		os.Exit(1)
	}
}
