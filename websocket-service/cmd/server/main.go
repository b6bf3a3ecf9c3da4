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

	"videogen-server/shared/authutils"
	"videogen-server/shared/database"
	sharedLogger "videogen-server/shared/logger"
	sharedMessaging "videogen-server/shared/messaging"
	"videogen-server/shared/middleware"
	"videogen-server/shared/progress"
	"videogen-server/shared/queue"
	"videogen-server/websocket-service/internal/config"
	"videogen-server/websocket-service/internal/handler"
	"videogen-server/websocket-service/internal/messaging"
	"videogen-server/websocket-service/internal/service"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := initLogger(cfg)
	logger.Info().Str("port", cfg.Server.Port).Str("redis", cfg.Redis.Addr).Bool("notifications", cfg.RabbitMQ.URL != "").
		Msg("Запуск WebSocket сервиса")

	// общие пакеты логируют через zap
	zapLogger, err := sharedLogger.New(sharedLogger.Config{Level: cfg.LogLevel, Encoding: "json"}, "websocket-service")
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer sharedLogger.Sync(zapLogger)
	zap.ReplaceGlobals(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, zapLogger); err != nil {
		logger.Error().Err(err).Msg("WebSocket сервис остановлен с ошибкой")
		os.Exit(1)
	}
	logger.Info().Msg("WebSocket сервис успешно остановлен")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, zapLogger *zap.Logger) error {
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis.Database(), zapLogger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	jwtVerifier, err := authutils.NewJWTVerifier(cfg.JWTSecret, zapLogger)
	if err != nil {
		return err
	}

	connManager := handler.NewConnectionManager(logger)
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "videogen_ws_connections",
		Help: "Open WebSocket connections.",
	}, func() float64 { return float64(connManager.Count()) })

	subscriber := progress.NewSubscriber(progress.NewListener(redisClient, cfg.Progress.ProgressSettings(), zapLogger), zapLogger)
	ownership := progress.QueueOwnership{Getter: queue.NewRedisQueue(redisClient, cfg.Progress.QueueSettings(), zapLogger)}

	listenerDone := make(chan error, 1)
	go func() { listenerDone <- subscriber.Run(ctx, nil) }()

	if cfg.RabbitMQ.URL != "" {
		rabbitConn, err := sharedMessaging.ConnectRabbitMQ(cfg.RabbitMQ.URL, zapLogger)
		if err != nil {
			return err
		}
		defer rabbitConn.Close()
		consumer := messaging.NewConsumer(rabbitConn, connManager, cfg.RabbitMQ.QueueName, logger)
		go func() {
			if err := consumer.StartConsuming(ctx); err != nil {
				logger.Error().Err(err).Msg("Ошибка при работе консьюмера RabbitMQ")
			}
		}()
	}

	wsHandler := handler.NewWebSocketHandler(
		connManager,
		service.NewAuthService(jwtVerifier, logger),
		subscriber,
		ownership,
		cfg.GetAllowedOrigins(),
		cfg.Server.MaxSubscriptions,
		logger,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMiddleware.RequestID())
	e.Use(middleware.EchoZerologLogger(logger))
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORSWithConfig(echoMiddleware.CORSConfig{
		AllowOrigins: cfg.GetAllowedOrigins(),
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	e.GET("/health", func(c echo.Context) error {
		pingCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", wsHandler.Handle)

	e.Server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("WebSocket сервер слушает")
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Получен сигнал завершения, начинаем graceful shutdown...")
	case err := <-serveErr:
		return err
	case err := <-listenerDone:
		if err != nil {
			return err
		}
	}

	connManager.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Ошибка при graceful shutdown Echo")
	}
	return nil
}

// initLogger настраивает zerolog: консольный вывод в development, JSON иначе.
func initLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Str("service", "websocket-service").Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "websocket-service").Logger()
}
