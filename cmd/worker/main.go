package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dc-dime/beiwe-backend/internal/blob"
	"github.com/dc-dime/beiwe-backend/internal/config"
	"github.com/dc-dime/beiwe-backend/internal/coordinator"
	"github.com/dc-dime/beiwe-backend/internal/dispatch"
	"github.com/dc-dime/beiwe-backend/internal/logging"
	"github.com/dc-dime/beiwe-backend/internal/observability"
	"github.com/dc-dime/beiwe-backend/internal/queue"
	"github.com/dc-dime/beiwe-backend/internal/store"
	"github.com/dc-dime/beiwe-backend/internal/tree"
)

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

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "forest-worker"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		logger.Info("worker metrics server starting", zap.String("addr", addr))
		_ = http.ListenAndServe(addr, mux)
	}()

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

	blobs, err := blob.NewRedisStore(context.Background(), blob.RedisConfig{
		Addr:     cfg.BlobRedisAddr,
		Password: cfg.BlobRedisPassword,
		DB:       cfg.BlobRedisDB,
	})
	if err != nil {
		logger.Fatal("blob store connection failed", zap.Error(err))
	}
	defer blobs.Close()

	sub, err := q.PullSubscribe()
	if err != nil {
		logger.Fatal("create pull consumer failed", zap.Error(err))
	}

	dispatcher := dispatch.New(st, q, logger, cfg.DispatchExpiry, cfg.MaxRedispatches)
	coord := coordinator.New(st, blobs, tree.NewRegistry(), dispatcher, logger, coordinator.Config{
		WorkspaceRoot:   cfg.WorkspaceRoot,
		ExecutorVersion: cfg.ExecutorVersion,
		PipelineTimeout: cfg.PipelineTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	wg := &sync.WaitGroup{}
	sem := make(chan struct{}, cfg.WorkerConcurrency)

	logger.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("poll_timeout", cfg.WorkerPollTimeout),
		zap.Duration("dispatch_expiry", cfg.DispatchExpiry),
		zap.Duration("pipeline_timeout", cfg.PipelineTimeout),
		zap.String("executor_version", cfg.ExecutorVersion),
	)

	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Info("worker stopped")
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(cfg.WorkerPollTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			logger.Warn("fetch error", zap.Error(err))
			continue
		}

		for _, m := range msgs {
			sem <- struct{}{}
			wg.Add(1)

			go func(m *nats.Msg) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := handleMsg(ctx, logger, coord, m); err != nil {
					logger.Error("handle message failed", zap.Error(err))
					_ = m.Nak()
					return
				}
				_ = m.Ack()
			}(m)
		}
	}
}

func handleMsg(ctx context.Context, logger *zap.Logger, coord *coordinator.Coordinator, m *nats.Msg) error {
	// Extract trace context from NATS headers (if present)
	if m.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, observability.NATSHeaderCarrier(m.Header))
	}
	tr := otel.Tracer("forest/worker")
	ctx, span := tr.Start(ctx, "forest.handle_dispatch")
	defer span.End()

	var tm queue.TaskMessage
	if err := json.Unmarshal(m.Data, &tm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad_message")
		// Poison message; surfacing an error would only redeliver it.
		logger.Warn("dropping malformed dispatch", zap.Error(err))
		return nil
	}

	span.SetAttributes(
		attribute.String("task.id", tm.TaskID),
		attribute.Int("task.redispatches", tm.Redispatches),
	)

	outcome, err := coord.Execute(ctx, tm)
	span.SetAttributes(attribute.String("task.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
