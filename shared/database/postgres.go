package database

import (
	"context"
	"fmt"
	"time"

	"videogen-server/shared/interfaces"
	"videogen-server/shared/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresConfig содержит настройки для подключения к базе данных
type PostgresConfig struct {
	Host     string        `envconfig:"DB_HOST" default:"localhost"`
	Port     int           `envconfig:"DB_PORT" default:"5432"`
	User     string        `envconfig:"DB_USER" default:"postgres"`
	Password string        `ignored:"true"`
	DBName   string        `envconfig:"DB_NAME" default:"videogen"`
	SSLMode  string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxConns int32         `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	Timeout  time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"10s"`
}

// DSN собирает строку подключения.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// NewPostgresPool создает пул соединений и проверяет подключение.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка при разборе строки подключения: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул подключений: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("не удалось подключиться к базе данных: %w", err)
	}

	logger.Info("Connected to PostgreSQL", zap.String("dsn", utils.MaskDSN(cfg.DSN())), zap.Int32("max_conns", poolConfig.MaxConns))
	return pool, nil
}

// ExecuteInTransaction выполняет функцию в транзакции (или savepoint, если db уже транзакция).
func ExecuteInTransaction(ctx context.Context, db interfaces.DBTX, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка при начале транзакции: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка при фиксации транзакции: %w", err)
	}
	return nil
}

// ConnectPostgres повторяет NewPostgresPool с экспоненциальной задержкой, пока база поднимается.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute

	attempt := 0
	return backoff.RetryNotifyWithData(func() (*pgxpool.Pool, error) {
		attempt++
		return NewPostgresPool(ctx, cfg, logger)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("PostgreSQL is not ready", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
	})
}
