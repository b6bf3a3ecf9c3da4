package messaging

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConnectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками.
func ConnectRabbitMQ(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 5
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ")
			return conn, nil
		}
		logger.Warn("Failed to connect to RabbitMQ", zap.Int("attempt", i+1), zap.Int("max_attempts", maxRetries), zap.Error(err))
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// SetupNotifier подключается к RabbitMQ и возвращает нотификатор с функцией закрытия.
// Пустой url отключает уведомления.
func SetupNotifier(url, queueName, appID string, logger *zap.Logger) (Notifier, func(), error) {
	if url == "" {
		logger.Info("RABBITMQ_URL is not set, terminal notifications are disabled")
		return NoopNotifier{}, func() {}, nil
	}

	conn, err := ConnectRabbitMQ(url, logger)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	notifier, err := NewRabbitMQNotifier(ch, queueName, appID, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return notifier, func() {
		ch.Close()
		conn.Close()
	}, nil
}
