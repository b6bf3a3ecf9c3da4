package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"videogen-server/shared/cache"
	"videogen-server/shared/database"
	"videogen-server/shared/logger"
	"videogen-server/shared/progress"
	"videogen-server/shared/provider"
	"videogen-server/shared/queue"
	"videogen-server/shared/utils"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Config holds the application configuration.
type Config struct {
	Logger   logger.Config           `ignored:"true"`
	Redis    database.RedisConfig    `ignored:"true"`
	Postgres database.PostgresConfig `ignored:"true"`
	Queue    queue.Config            `ignored:"true"`
	Cache    cache.Config            `ignored:"true"`
	Progress progress.Config         `ignored:"true"`
	Provider provider.Config         `ignored:"true"`

	Env        string `envconfig:"ENV" default:"development"`
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// Лимит отправки генераций на пользователя
	SubmitRateLimit  uint          `envconfig:"SUBMIT_RATE_LIMIT" default:"10"`
	SubmitRateWindow time.Duration `envconfig:"SUBMIT_RATE_WINDOW" default:"1m"`

	// Живая сверка со статусом провайдера при опросе статуса
	ReconcileOnPoll bool `envconfig:"RECONCILE_ON_POLL" default:"true"`

	RunMigrations   bool          `envconfig:"RUN_MIGRATIONS" default:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	RabbitMQURL       string `envconfig:"RABBITMQ_URL" default:""`
	NotificationQueue string `envconfig:"NOTIFICATION_QUEUE" default:"video_generation_notifications"`

	// Секреты без envconfig тегов
	JWTSecret     string
	WebhookSecret string
}

// GetAllowedOrigins splits the CORSAllowedOrigins string into a slice.
func (c *Config) GetAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(c.CORSAllowedOrigins, " ", ""), ",")
}

// LoadConfig читает .env (если есть), переменные окружения и секреты.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	specs := []interface{}{
		&cfg, &cfg.Logger, &cfg.Redis, &cfg.Postgres, &cfg.Queue, &cfg.Cache, &cfg.Progress, &cfg.Provider,
	}
	for _, spec := range specs {
		if err := envconfig.Process("", spec); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	var err error
	if cfg.JWTSecret, err = utils.ReadSecretOrEnv("jwt_secret", "JWT_SECRET"); err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	if cfg.Postgres.Password, err = utils.ReadSecretOrEnv("db_password", "DB_PASSWORD"); err != nil {
		return nil, fmt.Errorf("database password: %w", err)
	}
	if cfg.Provider.APIToken, err = utils.ReadSecretOrEnv("provider_api_token", "PROVIDER_API_TOKEN"); err != nil {
		return nil, fmt.Errorf("provider token: %w", err)
	}
	// webhook_secret необязателен: без него подпись вебхука не проверяется
	if secret, err := utils.ReadSecretOrEnv("webhook_secret", "WEBHOOK_SECRET"); err == nil {
		cfg.WebhookSecret = secret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.ServerPort == "" {
		errs = append(errs, errors.New("SERVER_PORT is required"))
	}
	if c.SubmitRateWindow <= 0 {
		errs = append(errs, errors.New("SUBMIT_RATE_WINDOW must be positive"))
	}
	if c.Provider.WebhookURL == "" {
		errs = append(errs, errors.New("PROVIDER_WEBHOOK_URL is required"))
	}
	return errors.Join(errs...)
}

// LogSummary выводит конфигурацию без секретов.
func (c *Config) LogSummary(l *zap.Logger) {
	l.Info("Configuration loaded",
		zap.String("env", c.Env),
		zap.String("port", c.ServerPort),
		zap.String("redis_addr", c.Redis.Addr),
		zap.String("db_dsn", utils.MaskDSN(c.Postgres.DSN())),
		zap.String("queue_prefix", c.Queue.Prefix),
		zap.String("provider_base_url", c.Provider.BaseURL),
		zap.String("webhook_url", c.Provider.WebhookURL),
		zap.Bool("webhook_signature", c.WebhookSecret != ""),
		zap.Strings("cors_origins", c.GetAllowedOrigins()),
		zap.Uint("submit_rate_limit", c.SubmitRateLimit),
		zap.Duration("submit_rate_window", c.SubmitRateWindow),
		zap.Bool("notifications", c.RabbitMQURL != ""),
	)
}
