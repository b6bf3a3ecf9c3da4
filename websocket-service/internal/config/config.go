package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"videogen-server/shared/database"
	"videogen-server/shared/progress"
	"videogen-server/shared/queue"
	"videogen-server/shared/utils"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config содержит всю конфигурацию для WebSocket сервиса.
type Config struct {
	Env      string `env:"ENV" env-default:"development"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	Server   ServerConfig
	Redis    RedisConfig
	Progress ProgressConfig
	RabbitMQ RabbitMQConfig

	// Загружается из секрета
	JWTSecret string
}

// ServerConfig содержит настройки HTTP сервера.
type ServerConfig struct {
	Port              string        `env:"PORT" env-default:"8083"`
	AllowedOrigins    string        `env:"CORS_ALLOWED_ORIGINS" env-default:"http://localhost:3000"`
	MaxSubscriptions  int           `env:"WS_MAX_SUBSCRIPTIONS" env-default:"20"` // на одно соединение
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" env-default:"5s"`
}

// RedisConfig - подключение к Redis, где живут очередь и каналы прогресса.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

// ProgressConfig - префиксы ключей, общие с generation-service и video-worker.
type ProgressConfig struct {
	ChannelPrefix string `env:"PROGRESS_CHANNEL_PREFIX" env-default:"videogen:progress"`
	QueuePrefix   string `env:"QUEUE_PREFIX" env-default:"videogen:queue"`
}

// RabbitMQConfig - очередь уведомлений о завершении. Пустой URL отключает consumer.
type RabbitMQConfig struct {
	URL       string `env:"RABBITMQ_URL" env-default:""`
	QueueName string `env:"NOTIFICATION_QUEUE" env-default:"video_generation_notifications"`
}

// Database возвращает параметры для database.NewRedisClient.
func (c RedisConfig) Database() database.RedisConfig {
	return database.RedisConfig{
		Addr:       c.Addr,
		Password:   c.Password,
		DB:         c.DB,
		MaxRetries: 30,
		RetryDelay: 3 * time.Second,
		PoolSize:   20,
	}
}

// ProgressSettings возвращает настройки слушателя прогресса.
func (c ProgressConfig) ProgressSettings() progress.Config {
	return progress.Config{ChannelPrefix: c.ChannelPrefix}
}

// QueueSettings возвращает настройки очереди для проверки владельца задачи.
func (c ProgressConfig) QueueSettings() queue.Config {
	return queue.Config{Prefix: c.QueuePrefix}
}

// GetAllowedOrigins разбивает CORS_ALLOWED_ORIGINS в список.
func (c *Config) GetAllowedOrigins() []string {
	if c.Server.AllowedOrigins == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(c.Server.AllowedOrigins, " ", ""), ",")
}

// LoadConfig загружает конфигурацию из .env, переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	secret, err := utils.ReadSecretOrEnv("jwt_secret", "JWT_SECRET")
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	cfg.JWTSecret = secret

	if cfg.Server.MaxSubscriptions <= 0 {
		return nil, errors.New("WS_MAX_SUBSCRIPTIONS must be positive")
	}
	return &cfg, nil
}
