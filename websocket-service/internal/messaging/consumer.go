package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sharedMessaging "videogen-server/shared/messaging"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// EventNotification - имя кадра с уведомлением о завершении генерации.
const EventNotification = "notification"

// UserSender доставляет сообщение во все соединения пользователя.
type UserSender interface {
	SendToUser(userID uuid.UUID, message []byte) int
}

// notificationFrame - кадр, который получает клиент.
type notificationFrame struct {
	Event   string                              `json:"event"`
	Payload sharedMessaging.NotificationPayload `json:"payload"`
}

// Consumer читает уведомления о завершении генераций и отправляет их пользователям онлайн.
type Consumer struct {
	conn      *amqp.Connection
	sender    UserSender
	queueName string
	logger    zerolog.Logger
}

// NewConsumer создает нового консьюмера RabbitMQ.
func NewConsumer(conn *amqp.Connection, sender UserSender, queueName string, logger zerolog.Logger) *Consumer {
	return &Consumer{
		conn:      conn,
		sender:    sender,
		queueName: queueName,
		logger:    logger.With().Str("component", "NotificationConsumer").Str("queue", queueName).Logger(),
	}
}

// StartConsuming блокируется до отмены ctx или закрытия канала RabbitMQ.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("не удалось открыть канал RabbitMQ: %w", err)
	}
	defer ch.Close()

	// параметры должны совпадать с объявлением в RabbitMQNotifier
	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, amqp.Table{"x-queue-mode": "lazy"}); err != nil {
		return fmt.Errorf("не удалось объявить очередь '%s': %w", c.queueName, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("не удалось установить QoS: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queueName, "websocket-service-consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("не удалось зарегистрировать консьюмера: %w", err)
	}
	c.logger.Info().Msg("Waiting for notifications")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("канал сообщений RabbitMQ закрыт")
			}
			if err := c.handle(d.Body); err != nil {
				c.logger.Warn().Err(err).Uint64("deliveryTag", d.DeliveryTag).Msg("Notification not delivered")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

var errUserOffline = errors.New("user is offline")

// handle разбирает уведомление и отправляет его в соединения пользователя.
func (c *Consumer) handle(body []byte) error {
	var payload sharedMessaging.NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("malformed notification: %w", err)
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		return fmt.Errorf("invalid userId %q: %w", payload.UserID, err)
	}
	frame, err := json.Marshal(notificationFrame{Event: EventNotification, Payload: payload})
	if err != nil {
		return err
	}
	if c.sender.SendToUser(userID, frame) == 0 {
		return errUserOffline
	}
	c.logger.Debug().Str("userID", payload.UserID).Str("generationId", payload.GenerationID).Msg("Notification delivered")
	return nil
}
