package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videogen-server/generation-service/internal/config"
	"videogen-server/generation-service/internal/handler"
	"videogen-server/generation-service/internal/service"
	"videogen-server/shared/authutils"
	"videogen-server/shared/cache"
	"videogen-server/shared/credits"
	"videogen-server/shared/database"
	"videogen-server/shared/logger"
	"videogen-server/shared/messaging"
	"videogen-server/shared/middleware"
	"videogen-server/shared/models"
	"videogen-server/shared/progress"
	"videogen-server/shared/provider"
	"videogen-server/shared/queue"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logger, "generation-service")
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer logger.Sync(zapLogger)
	zap.ReplaceGlobals(zapLogger)
	cfg.LogSummary(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Error("Generation service stopped with error", zap.Error(err))
		logger.Sync(zapLogger)
		os.Exit(1)
	}
	zapLogger.Info("Server exiting")
}

func run(ctx context.Context, cfg *config.Config, l *zap.Logger) error {
	// --- External Connections ---
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis, l)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	dbPool, err := database.ConnectPostgres(ctx, cfg.Postgres, l)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	if cfg.RunMigrations {
		if err := database.NewMigrator(dbPool, l).Up(ctx); err != nil {
			return err
		}
	}

	notifier, closeNotifier, err := messaging.SetupNotifier(cfg.RabbitMQURL, cfg.NotificationQueue, "generation-service", l)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// --- Dependency Injection ---
	localCache, err := cache.NewLocalCache(cfg.Cache.LocalMaxEntries)
	if err != nil {
		return err
	}
	cacheManager := cache.NewManager(localCache, cache.NewRemoteCache(redisClient, cfg.Cache.Prefix, l), cfg.Cache, l)
	go cacheManager.RunJanitor(ctx)

	jobQueue := queue.NewRedisQueue(redisClient, cfg.Queue, l)
	providerClient := provider.NewClient(cfg.Provider, models.DefaultModelCatalog(), cacheManager, nil, l)
	creditService := credits.NewService(database.NewPgCreditRepository(dbPool, l.Named("PgCreditRepo")), cacheManager, l)

	generationSvc := service.NewGenerationService(service.Deps{
		Queue:       jobQueue,
		Provider:    providerClient,
		Credits:     creditService,
		Generations: database.NewPgGenerationRepository(dbPool, l.Named("PgGenerationRepo")),
		Emitter:     progress.NewPublisher(redisClient, cfg.Progress, l),
		Notifier:    notifier,
	}, service.Options{ReconcileOnPoll: cfg.ReconcileOnPoll}, l.Named("GenerationService"))

	jwtVerifier, err := authutils.NewJWTVerifier(cfg.JWTSecret, l)
	if err != nil {
		return err
	}
	webhookVerifier, err := service.NewWebhookVerifier(cfg.WebhookSecret, 0)
	if err != nil {
		return err
	}
	if !webhookVerifier.Enabled() {
		l.Warn("WEBHOOK_SECRET is not set, provider webhooks are accepted without signature check")
	}

	generationHandler := handler.NewGenerationHandler(generationSvc, webhookVerifier, l.Named("GenerationHandler"))

	// --- HTTP Server Setup (Gin) ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.ZapLoggingMiddlewareForGin(l))
	router.Use(gin.Recovery())

	// Prometheus middleware применяется после регистрации роутов
	p := ginprometheus.NewPrometheus("gin")

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.GetAllowedOrigins()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", middleware.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{middleware.HeaderRequestID, "Retry-After"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	health := healthHandler(redisClient, dbPool)
	router.GET("/health", health)
	router.HEAD("/health", health)

	generationHandler.RegisterRoutes(router,
		middleware.AuthMiddleware(jwtVerifier.VerifyToken, l),
		middleware.AuthMiddleware(jwtVerifier.VerifyToken, l, models.RoleAdmin),
		handler.NewSubmitLimiter(redisClient, cfg.SubmitRateLimit, cfg.SubmitRateWindow),
	)

	p.Use(router)

	// --- Start HTTP Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		l.Info("Starting HTTP server", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// --- Graceful Shutdown ---
	select {
	case <-ctx.Done():
		l.Info("Shutting down server...")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("HTTP Server forced to shutdown", zap.Error(err))
	}
	return nil
}

// healthHandler проверяет Redis и PostgreSQL.
func healthHandler(redisClient *redis.Client, dbPool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{"status": "ok", "redis": "ok", "postgres": "ok"}
		code := http.StatusOK
		if err := redisClient.Ping(ctx).Err(); err != nil {
			status["redis"], status["status"], code = err.Error(), "degraded", http.StatusServiceUnavailable
		}
		if err := dbPool.Ping(ctx); err != nil {
			status["postgres"], status["status"], code = err.Error(), "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}
