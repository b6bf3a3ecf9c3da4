package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"videogen-server/shared/models"
	"videogen-server/shared/progress"
	"videogen-server/websocket-service/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Действия клиента.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// clientMessage - команда от клиента.
type clientMessage struct {
	Action       string `json:"action"`
	GenerationID string `json:"generationId"`
}

// ProgressSubscriber - сторона подписки на события прогресса.
type ProgressSubscriber interface {
	Subscribe(ctx context.Context, userID, jobID uuid.UUID, checker progress.OwnershipChecker) (*progress.Subscription, error)
}

// WebSocketHandler обрабатывает запросы на установку WebSocket соединения.
type WebSocketHandler struct {
	manager          *ConnectionManager
	authService      *service.AuthService
	subscriber       ProgressSubscriber
	ownership        progress.OwnershipChecker
	upgrader         websocket.Upgrader
	maxSubscriptions int
	logger           zerolog.Logger
}

// NewWebSocketHandler создает новый обработчик WebSocket.
// Пустой allowedOrigins разрешает любой Origin.
func NewWebSocketHandler(
	manager *ConnectionManager,
	authService *service.AuthService,
	subscriber ProgressSubscriber,
	ownership progress.OwnershipChecker,
	allowedOrigins []string,
	maxSubscriptions int,
	logger zerolog.Logger,
) *WebSocketHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &WebSocketHandler{
		manager:     manager,
		authService: authService,
		subscriber:  subscriber,
		ownership:   ownership,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(origins) == 0 || origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		maxSubscriptions: maxSubscriptions,
		logger:           logger.With().Str("component", "WebSocketHandler").Logger(),
	}
}

// Handle аутентифицирует по query-параметру token и обслуживает соединение до его закрытия.
func (h *WebSocketHandler) Handle(c echo.Context) error {
	req := c.Request()
	traceID := req.Header.Get(echo.HeaderXRequestID)

	userID, err := h.authService.Authenticate(req.Context(), c.QueryParam("token"))
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("WebSocket authentication failed")
		return c.JSON(http.StatusUnauthorized, models.NewErrorResponse("Unauthorized", err, traceID))
	}

	conn, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// upgrader уже записал ответ
		h.logger.Warn().Err(err).Str("userID", userID.String()).Msg("Failed to upgrade connection")
		return nil
	}

	log := h.logger.With().Str("userID", userID.String()).Logger()
	client := newClient(userID, conn, log)
	h.manager.Register(client)
	log.Info().Int("connections", h.manager.Count()).Msg("WebSocket connection established")

	go client.writePump()
	h.readPump(req.Context(), client)

	h.manager.Unregister(client)
	client.close()
	log.Info().Msg("WebSocket connection closed")
	return nil
}

// readPump читает команды клиента до ошибки чтения.
func (h *WebSocketHandler) readPump(ctx context.Context, client *Client) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				client.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.sendError(uuid.Nil, "malformed message", http.StatusBadRequest)
			continue
		}
		jobID, err := uuid.Parse(msg.GenerationID)
		if err != nil {
			client.sendError(uuid.Nil, "invalid generationId", http.StatusBadRequest)
			continue
		}

		switch msg.Action {
		case actionSubscribe:
			h.subscribe(ctx, client, jobID)
		case actionUnsubscribe:
			client.unsubscribe(jobID)
		default:
			client.sendError(jobID, "unknown action", http.StatusBadRequest)
		}
	}
}

func (h *WebSocketHandler) subscribe(ctx context.Context, client *Client, jobID uuid.UUID) {
	if client.subscribed(jobID) {
		return
	}

	sub, err := h.subscriber.Subscribe(ctx, client.UserID, jobID, h.ownership)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrForbidden):
			client.sendError(jobID, "forbidden", http.StatusForbidden)
		case errors.Is(err, models.ErrJobNotFound):
			client.sendError(jobID, "generation not found", http.StatusNotFound)
		default:
			client.logger.Error().Err(err).Str("generationId", jobID.String()).Msg("Subscription failed")
			client.sendError(jobID, "subscription failed", http.StatusInternalServerError)
		}
		return
	}

	if !client.addSubscription(sub, h.maxSubscriptions) {
		sub.Close()
		if !client.subscribed(jobID) {
			client.sendError(jobID, "too many subscriptions", http.StatusTooManyRequests)
		}
		return
	}
	client.logger.Debug().Str("generationId", jobID.String()).Msg("Subscribed")
	go client.forward(sub)
}
