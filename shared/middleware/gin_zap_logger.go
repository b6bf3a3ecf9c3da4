package middleware

import (
	"net/http"
	"time"

	"videogen-server/shared/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID - заголовок, в котором клиент может передать свой trace id.
const HeaderRequestID = "X-Request-ID"

// TraceMiddleware берет X-Request-ID (или создает новый) и кладет его в контекст
// запроса как trace id. Тот же id уходит в ответ и в задачу.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderRequestID)
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}
		c.Header(HeaderRequestID, traceID)
		c.Request = c.Request.WithContext(models.WithTraceID(c.Request.Context(), traceID))
		c.Next()
	}
}

// ZapLoggingMiddlewareForGin возвращает middleware для Gin, которое логирует запросы с помощью zap.
// /health и /metrics не логируются.
func ZapLoggingMiddlewareForGin(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		c.Next()

		if rawQuery := c.Request.URL.RawQuery; rawQuery != "" {
			path = path + "?" + rawQuery
		}
		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if traceID := models.TraceIDFromContext(c.Request.Context()); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		if userID, ok := models.GetUserIDFromContext(c.Request.Context()); ok {
			fields = append(fields, zap.String("user_id", userID.String()))
		}

		if len(c.Errors) > 0 {
			for _, ginErr := range c.Errors.ByType(gin.ErrorTypeAny) {
				log.Error("Request error", append(fields, zap.Error(ginErr.Err))...)
			}
			return
		}
		status := c.Writer.Status()
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("Server error", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request completed", fields...)
		}
	}
}
