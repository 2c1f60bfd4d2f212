// Package main is the entrypoint for the slugsei analysis server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/timfaniran/slugsei/internal/analysis"
	"github.com/timfaniran/slugsei/internal/api"
	"github.com/timfaniran/slugsei/internal/api/handler"
	mw "github.com/timfaniran/slugsei/internal/api/middleware"
	"github.com/timfaniran/slugsei/internal/api/response"
	"github.com/timfaniran/slugsei/internal/blob"
	"github.com/timfaniran/slugsei/internal/cache"
	"github.com/timfaniran/slugsei/internal/config"
	"github.com/timfaniran/slugsei/internal/detect"
	"github.com/timfaniran/slugsei/internal/metrics"
	"github.com/timfaniran/slugsei/internal/queue"
	"github.com/timfaniran/slugsei/internal/store"
	"github.com/timfaniran/slugsei/internal/tracing"
	"github.com/timfaniran/slugsei/internal/trajectory"
	"github.com/timfaniran/slugsei/internal/video"
	"github.com/timfaniran/slugsei/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Telemetry.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	log.Info("config loaded",
		zap.String("env", cfg.Server.Env),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("workers", cfg.Analysis.Workers),
		zap.Bool("queue_enabled", cfg.Queue.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
		log.Info("tracing enabled", zap.String("endpoint", cfg.Telemetry.OTLPEndpoint))
	}

	// 3. Connect to database and run migrations
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	log.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected")

	// 5. Blob storage
	blobs, err := newBlobSource(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create blob source: %w", err)
	}
	log.Info("blob source ready", zap.String("backend", cfg.Storage.Backend))

	// 6. Pipeline stages
	detector, err := detect.NewDetector(cfg.Detector.Detect())
	if err != nil {
		return fmt.Errorf("create detector: %w", err)
	}
	estimator := trajectory.NewEstimator(cfg.Analysis.Trajectory())
	opener := video.NewFFmpeg(cfg.Analysis.FFmpeg(), log.Named("video"))

	// 7. Queue publishers
	var (
		events   analysis.StatusPublisher
		enqueuer handler.Enqueuer
	)
	if cfg.Queue.Enabled {
		conn, err := amqp.Dial(cfg.Queue.URL)
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}
		defer conn.Close()

		pub, err := queue.NewPublisher(conn, cfg.Queue.Exchange)
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		defer pub.Close()

		events = queue.NewStatusPublisher(pub, cfg.Queue.StatusRoutingKey)
		if cfg.Queue.RouteSubmissions {
			enqueuer = queue.NewSubmitPublisher(pub, cfg.Queue.SubmitQueue)
		}
		log.Info("rabbitmq publisher connected", zap.String("exchange", cfg.Queue.Exchange))
	}

	// 8. Orchestrator
	orch, err := analysis.New(analysis.Dependencies{
		Store:     pgStore,
		Blobs:     blobs,
		Opener:    opener,
		Detector:  detector,
		Estimator: estimator,
		Cache:     redisCache,
		Events:    events,
		Logger:    log.Named("analysis"),
	}, analysis.Config{
		Workers:    cfg.Analysis.Workers,
		ScratchDir: cfg.Analysis.ScratchDir,
		DefaultFPS: cfg.Analysis.DefaultFPS,
		JobTimeout: cfg.Analysis.JobTimeout,
		StatusTTL:  cfg.Redis.StatusTTL,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	// 9. Queue consumer
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	consumerDone := make(chan struct{})
	if cfg.Queue.Enabled {
		consumer, err := queue.NewConsumer(queue.ConsumerConfig{
			URL:         cfg.Queue.URL,
			Exchange:    cfg.Queue.Exchange,
			Queue:       cfg.Queue.SubmitQueue,
			Prefetch:    cfg.Queue.Prefetch,
			WorkerCount: cfg.Queue.Consumers,
		}, queue.NewSubmitHandler(orch, log.Named("queue")), log.Named("queue"))
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		defer consumer.Close()

		go func() {
			defer close(consumerDone)
			if err := consumer.Start(consumerCtx); err != nil {
				log.Error("queue consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	// 10. Metrics server
	metricsSrv := metrics.StartMetricsServer(cfg.Telemetry.MetricsPort, log)

	// 11. Build router with dependencies
	var rateLimit *mw.RateLimit
	if cfg.RateLimit.RequestsPerMinute > 0 {
		rateLimit = mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute)
	}

	router := api.NewRouter(api.Dependencies{
		Logger:    log.Named("http"),
		RateLimit: rateLimit,

		HealthHandler:    healthHandler(pgStore, redisCache),
		CreateJobHandler: handler.NewCreateJobHandler(pgStore, cfg.Storage.MinIOBucket),
		AnalyzeHandler:   handler.NewAnalyzeHandler(pgStore, orch, enqueuer),
		GetJobHandler:    handler.NewGetJobHandler(pgStore, redisCache),
		CancelJobHandler: handler.NewCancelJobHandler(orch),
	})

	// 12. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(router, "slugsei"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout. Runs are drained before the consumer
	// stops so their deliveries are acked rather than requeued.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("analysis runs canceled at shutdown", zap.Error(err))
	}
	stopConsumer()
	<-consumerDone
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", zap.Error(err))
	}

	if serveErr != nil {
		return serveErr
	}
	log.Info("server stopped gracefully")
	return nil
}

func newBlobSource(ctx context.Context, cfg config.StorageConfig) (blob.Source, error) {
	switch cfg.Backend {
	case "local":
		return blob.NewLocalSource(cfg.LocalDir), nil
	default:
		src, err := blob.NewMinIOSource(blob.MinIOConfig{
			Endpoint:      cfg.MinIOEndpoint,
			AccessKey:     cfg.MinIOAccessKey,
			SecretKey:     cfg.MinIOSecretKey,
			UseSSL:        cfg.MinIOUseSSL,
			DefaultBucket: cfg.MinIOBucket,
		})
		if err != nil {
			return nil, err
		}
		if err := src.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return src, nil
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
