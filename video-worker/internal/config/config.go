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
	"videogen-server/video-worker/internal/enhancer"
	"videogen-server/video-worker/internal/storage"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// WorkerConfig - параметры пула и конвейера.
type WorkerConfig struct {
	Concurrency     int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	LeaseDuration   time.Duration `envconfig:"WORKER_LEASE_DURATION" default:"60s"`
	PollInterval    time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	PollTimeout     time.Duration `envconfig:"WORKER_POLL_TIMEOUT" default:"5m"`
	MaxRetries      int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	BaseRetryDelay  time.Duration `envconfig:"WORKER_BASE_RETRY_DELAY" default:"5s"`
	MaxRetryDelay   time.Duration `envconfig:"WORKER_MAX_RETRY_DELAY" default:"5m"`
	IdleWait        time.Duration `envconfig:"WORKER_IDLE_WAIT" default:"1s"`
	RateMax         int           `envconfig:"WORKER_RATE_MAX" default:"30"` // запусков на все воркеры за окно, 0 - без ограничения
	RateWindow      time.Duration `envconfig:"WORKER_RATE_WINDOW" default:"1m"`
	StalledInterval time.Duration `envconfig:"WORKER_STALLED_CHECK_INTERVAL" default:"30s"`
}

// Config - конфигурация воркера генерации видео.
type Config struct {
	Logger   logger.Config           `ignored:"true"`
	Redis    database.RedisConfig    `ignored:"true"`
	Postgres database.PostgresConfig `ignored:"true"`
	Queue    queue.Config            `ignored:"true"`
	Cache    cache.Config            `ignored:"true"`
	Progress progress.Config         `ignored:"true"`
	Provider provider.Config         `ignored:"true"`
	Enhancer enhancer.Config         `ignored:"true"`
	Storage  storage.Config          `ignored:"true"`
	Worker   WorkerConfig            `ignored:"true"`

	MetricsPort     string        `envconfig:"METRICS_PORT" default:"9091"`
	PushgatewayURL  string        `envconfig:"PUSHGATEWAY_URL" default:""`
	PushInterval    time.Duration `envconfig:"PUSHGATEWAY_INTERVAL" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// пустой URL отключает уведомления
	RabbitMQURL       string `envconfig:"RABBITMQ_URL" default:""`
	NotificationQueue string `envconfig:"NOTIFICATION_QUEUE" default:"video_generation_notifications"`
}

// LoadConfig читает .env (если есть), переменные окружения и секреты.
func LoadConfig() (*Config, error) {
	// .env нужен только для локального запуска
	_ = godotenv.Load()

	var cfg Config
	specs := []interface{}{
		&cfg, &cfg.Logger, &cfg.Redis, &cfg.Postgres, &cfg.Queue, &cfg.Cache,
		&cfg.Progress, &cfg.Provider, &cfg.Enhancer, &cfg.Storage, &cfg.Worker,
	}
	for _, spec := range specs {
		if err := envconfig.Process("", spec); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	var err error
	if cfg.Provider.APIToken, err = utils.ReadSecretOrEnv("provider_api_token", "PROVIDER_API_TOKEN"); err != nil {
		return nil, fmt.Errorf("provider token: %w", err)
	}
	if cfg.Postgres.Password, err = utils.ReadSecretOrEnv("db_password", "DB_PASSWORD"); err != nil {
		return nil, fmt.Errorf("database password: %w", err)
	}
	if strings.EqualFold(cfg.Enhancer.Provider, "openai") {
		if cfg.Enhancer.APIKey, err = utils.ReadSecretOrEnv("openai_api_key", "OPENAI_API_KEY"); err != nil {
			return nil, fmt.Errorf("openai api key: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be >= 1"))
	}
	if c.Worker.LeaseDuration < 3*time.Second {
		errs = append(errs, errors.New("WORKER_LEASE_DURATION must be >= 3s"))
	}
	if c.Worker.PollInterval <= 0 || c.Worker.PollTimeout <= c.Worker.PollInterval {
		errs = append(errs, errors.New("WORKER_POLL_TIMEOUT must be greater than WORKER_POLL_INTERVAL"))
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, errors.New("WORKER_MAX_RETRIES must be >= 0"))
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("STORAGE_GCS_BUCKET is required for gcs backend"))
	}
	return errors.Join(errs...)
}

// LogSummary выводит конфигурацию без секретов.
func (c *Config) LogSummary(l *zap.Logger) {
	l.Info("Configuration loaded",
		zap.String("redis_addr", c.Redis.Addr),
		zap.String("db_dsn", utils.MaskDSN(c.Postgres.DSN())),
		zap.String("queue_prefix", c.Queue.Prefix),
		zap.String("provider_base_url", c.Provider.BaseURL),
		zap.String("enhancer", c.Enhancer.Provider),
		zap.String("storage_backend", c.Storage.Backend),
		zap.Int("concurrency", c.Worker.Concurrency),
		zap.Duration("lease", c.Worker.LeaseDuration),
		zap.Duration("poll_interval", c.Worker.PollInterval),
		zap.Duration("poll_timeout", c.Worker.PollTimeout),
		zap.Int("max_retries", c.Worker.MaxRetries),
		zap.Int("rate_max", c.Worker.RateMax),
		zap.Duration("rate_window", c.Worker.RateWindow),
		zap.Bool("notifications", c.RabbitMQURL != ""),
		zap.String("metrics_port", c.MetricsPort),
	)
}
