package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"risk-sentinel/internal/logger"
	"risk-sentinel/internal/server"
	"risk-sentinel/internal/trace"
)

func main() {
	if err := initializeSystem(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	if err != nil {
		os.Exit(1)
	}

	compressOldLogs(ctx)

	db, closeStore, err := initializeStore(ctx, cfg)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to open state store", err)
		os.Exit(1)
	}
	defer closeStore()

	brk, err := initializeBroker(ctx, cfg)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to initialize broker", err)
		os.Exit(1)
	}
	driver := initializeDriver(cfg, db, brk)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(driver, []byte(os.Getenv("ADMIN_JWT_SECRET"))).Router(),
	}
	go func() {
		logger.Info(ctx, "HTTP server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithErr(ctx, "HTTP server failed", err)
			cancel()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	tick := time.NewTicker(time.Duration(cfg.PollSeconds) * time.Second)
	defer tick.Stop()

	logger.Info(ctx, "Sentinel started", "mode", cfg.Mode, "poll_seconds", cfg.PollSeconds)
	for {
		select {
		case <-tick.C:
			res, err := driver.Tick(ctx)
			if err != nil {
				logger.ErrorWithErr(ctx, "Tick failed", err)
				continue
			}
			if res.Enforced {
				logger.Warn(ctx, "Day tripped", "reason", res.TripReason)
			}
		case <-sigc:
			logger.Info(ctx, "Shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			shutdownCancel()
			_ = trace.Shutdown(context.Background())
			return
		case <-ctx.Done():
			return
		}
	}
}
