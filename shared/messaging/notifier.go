package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Notifier отправляет уведомления о завершении генерации.
type Notifier interface {
	NotifyTerminal(ctx context.Context, payload NotificationPayload) error
}

// AMQPChannel - часть *amqp.Channel, которая нужна нотификатору.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQNotifier публикует NotificationPayload в durable очередь.
type RabbitMQNotifier struct {
	channel   AMQPChannel
	queueName string
	appID     string
	logger    *zap.Logger
}

var _ Notifier = (*RabbitMQNotifier)(nil)

// NewRabbitMQNotifier объявляет очередь и возвращает нотификатор.
// Канал открывается и закрывается вызывающим кодом.
func NewRabbitMQNotifier(ch AMQPChannel, queueName, appID string, logger *zap.Logger) (*RabbitMQNotifier, error) {
	_, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp.Table{"x-queue-mode": "lazy"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare notification queue '%s': %w", queueName, err)
	}
	return &RabbitMQNotifier{
		channel:   ch,
		queueName: queueName,
		appID:     appID,
		logger:    logger.Named("RabbitMQNotifier"),
	}, nil
}

// NotifyTerminal публикует уведомление (persistent).
func (n *RabbitMQNotifier) NotifyTerminal(ctx context.Context, payload NotificationPayload) error {
	log := n.logger.With(zap.String("generation_id", payload.GenerationID), zap.String("trace_id", payload.TraceID))

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification for %s: %w", payload.GenerationID, err)
	}

	err = n.channel.PublishWithContext(ctx,
		"",
		n.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Body:          body,
			Timestamp:     time.Now(),
			AppId:         n.appID,
			MessageId:     payload.GenerationID + "-" + string(payload.Status),
			CorrelationId: payload.TraceID,
		},
	)
	if err != nil {
		log.Error("Failed to publish notification", zap.Error(err))
		return fmt.Errorf("failed to publish notification for %s: %w", payload.GenerationID, err)
	}

	log.Info("Notification published", zap.String("queue", n.queueName), zap.String("status", string(payload.Status)))
	return nil
}

// NoopNotifier используется, когда RabbitMQ не настроен.
type NoopNotifier struct{}

// NotifyTerminal ничего не делает.
func (NoopNotifier) NotifyTerminal(context.Context, NotificationPayload) error { return nil }
