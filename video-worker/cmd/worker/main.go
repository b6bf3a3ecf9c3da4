package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videogen-server/shared/cache"
	"videogen-server/shared/credits"
	"videogen-server/shared/database"
	"videogen-server/shared/logger"
	"videogen-server/shared/messaging"
	"videogen-server/shared/models"
	"videogen-server/shared/progress"
	"videogen-server/shared/provider"
	"videogen-server/shared/queue"
	"videogen-server/video-worker/internal/config"
	"videogen-server/video-worker/internal/enhancer"
	"videogen-server/video-worker/internal/storage"
	"videogen-server/video-worker/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logger, "video-worker")
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer logger.Sync(zapLogger)
	zap.ReplaceGlobals(zapLogger)
	cfg.LogSummary(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Error("Video worker stopped with error", zap.Error(err))
		logger.Sync(zapLogger)
		os.Exit(1)
	}
	zapLogger.Info("Video worker stopped")
}

func run(ctx context.Context, cfg *config.Config, l *zap.Logger) error {
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis, l)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	dbPool, err := database.ConnectPostgres(ctx, cfg.Postgres, l)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer dbPool.Close()

	metrics := worker.NewMetrics(l)

	localCache, err := cache.NewLocalCache(cfg.Cache.LocalMaxEntries)
	if err != nil {
		return fmt.Errorf("local cache: %w", err)
	}
	cacheManager := cache.NewManager(localCache, cache.NewRemoteCache(redisClient, cfg.Cache.Prefix, l), cfg.Cache, l)
	cacheManager.SetHitObserver(metrics.ObserveCacheHit)
	go cacheManager.RunJanitor(ctx)

	jobQueue := queue.NewRedisQueue(redisClient, cfg.Queue, l)
	providerClient := provider.NewClient(cfg.Provider, models.DefaultModelCatalog(), cacheManager, nil, l)
	creditService := credits.NewService(database.NewPgCreditRepository(dbPool, l), cacheManager, l)
	generations := database.NewPgGenerationRepository(dbPool, l)
	publisher := progress.NewPublisher(redisClient, cfg.Progress, l)

	promptEnhancer, err := enhancer.New(cfg.Enhancer, l)
	if err != nil {
		return fmt.Errorf("enhancer: %w", err)
	}

	artifactStore, err := storage.New(ctx, cfg.Storage, l)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	var fetcher worker.Fetcher
	if artifactStore != nil {
		if c, ok := artifactStore.(io.Closer); ok {
			defer c.Close()
		}
		fetcher = storage.NewDownloader(&http.Client{Timeout: 10 * time.Minute}, cfg.Storage.MaxBytes, l)
	}

	notifier, closeNotifier, err := messaging.SetupNotifier(cfg.RabbitMQURL, cfg.NotificationQueue, "video-worker", l)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	defer closeNotifier()

	if cfg.PushgatewayURL != "" {
		if err := metrics.InitPusher(cfg.PushgatewayURL); err != nil {
			l.Warn("Pushgateway unavailable, metrics are served over HTTP only", zap.Error(err))
		} else {
			go metrics.RunPusher(ctx, cfg.PushInterval)
			defer metrics.Cleanup()
		}
	}

	processor := worker.NewProcessor(worker.Deps{
		Queue:       jobQueue,
		Provider:    providerClient,
		Credits:     creditService,
		Generations: generations,
		Emitter:     publisher,
		Enhancer:    promptEnhancer,
		Storage:     artifactStore,
		Fetcher:     fetcher,
		Notifier:    notifier,
		Metrics:     metrics,
	}, worker.ProcessorConfig{
		PollInterval:  cfg.Worker.PollInterval,
		PollTimeout:   cfg.Worker.PollTimeout,
		LeaseDuration: cfg.Worker.LeaseDuration,
		Retry: worker.RetryPolicy{
			MaxRetries: cfg.Worker.MaxRetries,
			Base:       cfg.Worker.BaseRetryDelay,
			Max:        cfg.Worker.MaxRetryDelay,
			Jitter:     0.1,
		},
	}, l)

	rate := worker.NewRateWindow(cacheManager, "worker:rate", cfg.Worker.RateMax, cfg.Worker.RateWindow)
	pool := worker.NewPool(jobQueue, processor, rate, metrics, worker.PoolConfig{
		Concurrency:   cfg.Worker.Concurrency,
		LeaseDuration: cfg.Worker.LeaseDuration,
		IdleWait:      cfg.Worker.IdleWait,
	}, l)

	reaper := worker.NewReaper(jobQueue, generations, creditService, publisher, notifier, metrics, cfg.Worker.StalledInterval, l)
	if err := reaper.Start(); err != nil {
		return err
	}

	httpServer := startMetricsServer(cfg.MetricsPort, metrics, redisClient, dbPool, l)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	l.Info("Video worker started, waiting for jobs")
	<-ctx.Done()
	l.Info("Shutdown signal received")

	var runErr error
	select {
	case runErr = <-poolDone:
	case <-time.After(cfg.ShutdownTimeout):
		l.Warn("Timed out waiting for running jobs, their leases will expire", zap.Duration("timeout", cfg.ShutdownTimeout))
	}

	select {
	case <-reaper.Stop().Done():
	case <-time.After(5 * time.Second):
		l.Warn("Stalled job check did not finish in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	return runErr
}

// startMetricsServer поднимает /metrics и /health.
func startMetricsServer(port string, metrics *worker.Metrics, redisClient *redis.Client, dbPool *pgxpool.Pool, l *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "redis": "ok", "postgres": "ok"}
		code := http.StatusOK
		if err := redisClient.Ping(ctx).Err(); err != nil {
			status["redis"], status["status"], code = err.Error(), "degraded", http.StatusServiceUnavailable
		}
		if err := dbPool.Ping(ctx); err != nil {
			status["postgres"], status["status"], code = err.Error(), "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		l.Info("Metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}
