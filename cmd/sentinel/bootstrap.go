package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"risk-sentinel/internal/broker"
	"risk-sentinel/internal/broker/brokerobs"
	"risk-sentinel/internal/broker/kite"
	"risk-sentinel/internal/broker/sim"
	"risk-sentinel/internal/journal"
	"risk-sentinel/internal/kv"
	"risk-sentinel/internal/logger"
	"risk-sentinel/internal/risk"
	"risk-sentinel/internal/store"
	"risk-sentinel/internal/trace"

	"github.com/joho/godotenv"
)

// initializeSystem initializes environment, logger and tracer
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}

	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	cfg, err := store.LoadConfig("config.yaml")
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	return cfg, nil
}

// compressOldLogs compresses old journal files if retention is configured
func compressOldLogs(ctx context.Context) {
	if v := os.Getenv("SENTINEL_LOG_RETENTION_DAYS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if err := journal.CompressOlder(n); err != nil {
			logger.Warn(ctx, "Failed to compress old journals", "error", err)
		}
	}
}

// initializeStore opens the durable document store. DRY_RUN keeps state in
// memory so a paper session never touches the live database file.
func initializeStore(ctx context.Context, cfg *store.Config) (kv.Store, func(), error) {
	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - state kept in memory")
		return kv.NewMemory(), func() {}, nil
	}
	db, err := kv.NewSQLite(cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", cfg.StorePath, err)
	}
	logger.Info(ctx, "Opened state store", "path", cfg.StorePath)
	return db, func() { _ = db.Close() }, nil
}

// initializeBroker initializes the broker with observability middleware
func initializeBroker(ctx context.Context, cfg *store.Config) (broker.Broker, error) {
	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - using simulated broker")
		return brokerobs.Wrap(sim.New()), nil
	}

	brk, err := kite.New(kite.Params{
		APIKey:      os.Getenv("KITE_API_KEY"),
		AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
		Exchange:    cfg.Exchange,
	})
	if err != nil {
		return nil, fmt.Errorf("connect kite: %w", err)
	}
	logger.Info(ctx, "Connected to Kite", "exchange", cfg.Exchange)

	return brokerobs.Wrap(brk), nil
}

// initializeDriver wires the store, lock, enforcer and driver together
func initializeDriver(cfg *store.Config, db kv.Store, brk broker.Broker) *risk.Driver {
	defaults := risk.Defaults{
		MaxLossAbs:           cfg.Risk.MaxLossAbs,
		MaxLossPct:           cfg.Risk.MaxLossPct,
		TrailStep:            cfg.Risk.TrailStep,
		CooldownMinutes:      cfg.Risk.CooldownMinutes,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		ProfitTargetAbs:      cfg.Risk.ProfitTargetAbs,
		ProfitTargetPct:      cfg.Risk.ProfitTargetPct,
		CapitalBaseline:      cfg.Risk.CapitalBaseline,
	}
	states := risk.NewStateStore(db, defaults)
	lock := risk.NewLock(db, time.Duration(cfg.Lock.TTLSeconds)*time.Second)
	enforcer := risk.NewEnforcer(brk, lock, states, cfg.MinLotQty)
	return risk.NewDriver(brk, states, enforcer)
}
