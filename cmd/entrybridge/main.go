// Command entrybridge starts the Entry export webhook service.
//
// The service accepts verified webhook events via POST /api/v1/events,
// drives the document's export job on the Entry API to completion, uploads
// the extracted archive to the catalog bucket under assume-role
// credentials, publishes a packaging job to Kafka, and reports progress on
// the originating document. Health probes live at GET /health/live and
// GET /health/ready.
//
// Usage:
//
//	go run ./cmd/entrybridge [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/entrykit/entrybridge/internal/archive"
	"github.com/entrykit/entrybridge/internal/auth"
	"github.com/entrykit/entrybridge/internal/credentials"
	"github.com/entrykit/entrybridge/internal/dispatch"
	"github.com/entrykit/entrybridge/internal/export"
	"github.com/entrykit/entrybridge/internal/notify"
	"github.com/entrykit/entrybridge/internal/pipeline"
	"github.com/entrykit/entrybridge/internal/runlock"
	"github.com/entrykit/entrybridge/internal/runlog"
	"github.com/entrykit/entrybridge/internal/upload"
	"github.com/entrykit/entrybridge/internal/webhook"
	"github.com/entrykit/entrybridge/pkg/config"
	"github.com/entrykit/entrybridge/pkg/health"
	"github.com/entrykit/entrybridge/pkg/kafka"
	"github.com/entrykit/entrybridge/pkg/logger"
	"github.com/entrykit/entrybridge/pkg/metrics"
	"github.com/entrykit/entrybridge/pkg/middleware"
	"github.com/entrykit/entrybridge/pkg/objectstore"
	"github.com/entrykit/entrybridge/pkg/postgres"
	"github.com/entrykit/entrybridge/pkg/redis"
)

// main loads configuration and wires the pipeline: token manager, export
// orchestrator, archive processor, credential broker, uploader, dispatcher,
// and notifier, plus the optional Redis run lock and PostgreSQL run log.
// Graceful shutdown is triggered by SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting entrybridge", "port", cfg.Server.Port)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(ctx)
		}()
	}

	checker := health.NewChecker()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.PackageBuild)
	defer producer.Close()
	slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.PackageBuild)
	checker.Register("kafka", kafkaCheck(cfg.Kafka))

	deps := pipeline.Deps{Metrics: m}

	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		deps.Lock = runlock.New(rdb, cfg.Redis.LockTTL)
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := rdb.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
		slog.Info("run lock enabled", "addr", cfg.Redis.Addr)
	}

	if cfg.Postgres.Host != "" {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		runs := runlog.New(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := runs.EnsureSchema(ctx); err != nil {
			cancel()
			slog.Error("failed to create run-log schema", "error", err)
			os.Exit(1)
		}
		cancel()
		deps.Runs = runs
		checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			if err := db.DB.PingContext(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
		slog.Info("run log enabled", "host", cfg.Postgres.Host)
	}

	tokens := auth.New(cfg.Source, m)
	sourceClient := export.NewClient(cfg.Source, tokens)
	deps.Exporter = export.NewOrchestrator(sourceClient, cfg.Export, m)
	deps.Extractor = archive.New(cfg.Export.DownloadTimeout)
	broker := credentials.New(cfg.Storage, m)
	store := objectstore.New(cfg.Storage)
	deps.Uploader = upload.New(cfg.Storage, cfg.Pipeline.KeyVersion, store, broker, m)
	deps.Dispatcher = dispatch.New(producer)
	deps.Notifier = notify.New(cfg.Source, tokens, m)
	if cfg.Storage.RoleARN != "" {
		slog.Info("cross-account delegation enabled", "role_arn", cfg.Storage.RoleARN)
	} else {
		slog.Info("no role configured, uploading with ambient credentials")
	}

	pipe := pipeline.New(deps, cfg.Pipeline.RunDeadline)
	h := webhook.New(pipe, cfg.Server.SharedSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", h.HandleEvent)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var handler http.Handler = mux
	handler = middleware.Timeout(cfg.Server.WriteTimeout)(handler)
	if m != nil {
		handler = middleware.Metrics(m)(handler)
	}
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("entrybridge listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("entrybridge stopped")
}

// kafkaCheck dials the first broker to confirm the queue is reachable.
func kafkaCheck(cfg config.KafkaConfig) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		conn, err := kafkago.DialContext(ctx, "tcp", cfg.Brokers[0])
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		conn.Close()
		return health.ComponentHealth{Status: health.StatusUp}
	}
}
