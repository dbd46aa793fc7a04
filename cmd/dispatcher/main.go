package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dc-dime/beiwe-backend/internal/config"
	"github.com/dc-dime/beiwe-backend/internal/dispatch"
	"github.com/dc-dime/beiwe-backend/internal/logging"
	"github.com/dc-dime/beiwe-backend/internal/observability"
	"github.com/dc-dime/beiwe-backend/internal/queue"
	"github.com/dc-dime/beiwe-backend/internal/store"
)

// The dispatcher runs two periodic jobs: the admission sweep that submits
// every queued task to the execution backend, and the reaper that requeues
// tasks stuck in running after a worker crash.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	q, err := queue.New(context.Background(), queue.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	d := dispatch.New(st, q, logger, cfg.DispatchExpiry, cfg.MaxRedispatches)

	c := cron.New()

	_, err = c.AddFunc(cfg.DispatchCron, func() {
		ctx := context.Background()
		admitted, err := d.AdmitPending(ctx)
		if err != nil {
			logger.Error("admission sweep failed", zap.Error(err))
			return
		}
		if admitted > 0 {
			logger.Info("admission sweep done", zap.Int("admitted", admitted))
		}
	})
	if err != nil {
		logger.Fatal("bad dispatch cron spec", zap.Error(err))
	}

	_, err = c.AddFunc("@hourly", func() {
		ctx := context.Background()
		reaped, err := st.ReapStaleRunning(ctx, cfg.StaleRunningAge)
		if err != nil {
			logger.Error("stale reap failed", zap.Error(err))
			return
		}
		if reaped > 0 {
			observability.StaleTasksReapedTotal.Add(float64(reaped))
			logger.Warn("requeued stale running tasks", zap.Int64("reaped", reaped))
		}
	})
	if err != nil {
		logger.Fatal("bad reaper cron spec", zap.Error(err))
	}

	c.Start()
	logger.Info("dispatcher started",
		zap.String("dispatch_cron", cfg.DispatchCron),
		zap.Duration("dispatch_expiry", cfg.DispatchExpiry),
		zap.Duration("stale_running_age", cfg.StaleRunningAge),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown signal received")
	<-c.Stop().Done()
}
