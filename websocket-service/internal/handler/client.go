package handler

import (
	"encoding/json"
	"sync"
	"time"

	"videogen-server/shared/models"
	"videogen-server/shared/progress"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения, разрешенный от клиента.
	maxMessageSize = 512
	sendBuffer     = 256
)

// Client - одно WebSocket соединение пользователя и его подписки на задачи.
type Client struct {
	UserID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	mu        sync.Mutex
	subs      map[uuid.UUID]*progress.Subscription
	closeOnce sync.Once
}

func newClient(userID uuid.UUID, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[uuid.UUID]*progress.Subscription),
		logger: logger,
	}
}

// enqueue не блокируется: false, если очередь полна или соединение закрывается.
func (c *Client) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) sendEnvelope(env models.EventEnvelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal event")
		return false
	}
	return c.enqueue(data)
}

// sendError отправляет кадр события "error".
func (c *Client) sendError(jobID uuid.UUID, message string, code int) {
	env, err := models.NewEnvelope(jobID, models.SubscriptionError{Error: message, Code: code})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build error frame")
		return
	}
	c.sendEnvelope(env)
}

// addSubscription регистрирует подписку. false, если на задачу уже есть подписка или достигнут лимит.
func (c *Client) addSubscription(sub *progress.Subscription, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub.JobID()]; ok || len(c.subs) >= limit {
		return false
	}
	c.subs[sub.JobID()] = sub
	return true
}

func (c *Client) subscribed(jobID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[jobID]
	return ok
}

func (c *Client) unsubscribe(jobID uuid.UUID) bool {
	c.mu.Lock()
	sub, ok := c.subs[jobID]
	delete(c.subs, jobID)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

// forward переносит события подписки в очередь отправки до закрытия подписки.
func (c *Client) forward(sub *progress.Subscription) {
	for env := range sub.C() {
		if !c.sendEnvelope(env) {
			c.logger.Warn().Str("generationId", env.GenerationID.String()).Str("event", string(env.Event)).Msg("Event dropped for slow client")
		}
	}
}

// close закрывает подписки и соединение. Повторный вызов безопасен.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[uuid.UUID]*progress.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		_ = c.conn.Close()
	})
}

// writePump откачивает сообщения из канала send в WebSocket соединение.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.logger.Debug().Msg("writePump finished")
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// каждое событие отдельным кадром: клиент разбирает кадр как один JSON
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send ping")
				return
			}
		}
	}
}
