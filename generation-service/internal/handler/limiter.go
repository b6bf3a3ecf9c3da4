package handler

import (
	"net/http"
	"strconv"
	"time"

	"videogen-server/shared/models"

	rateli "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewSubmitLimiter ограничивает отправку генераций: limit запросов за window на пользователя.
// Счетчики лежат в Redis и общие для всех реплик API.
func NewSubmitLimiter(client *redis.Client, limit uint, window time.Duration) gin.HandlerFunc {
	store := rateli.RedisStore(&rateli.RedisOptions{
		RedisClient: client,
		Rate:        window,
		Limit:       limit,
	})
	return rateli.RateLimiter(store, &rateli.Options{
		ErrorHandler: func(c *gin.Context, info rateli.Info) {
			traceID := models.TraceIDFromContext(c.Request.Context())
			zap.L().Warn("Submit rate limit exceeded",
				zap.String("key", submitLimitKey(c)),
				zap.Time("resetTime", info.ResetTime),
				zap.String("trace_id", traceID),
			)
			submissionsTotal.WithLabelValues("throttled").Inc()
			c.Header("Retry-After", retryAfter(info.ResetTime))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				models.ErrorResponse{Error: "Too many requests", Details: "Try again in " + time.Until(info.ResetTime).Round(time.Second).String(), TraceID: traceID})
		},
		KeyFunc: submitLimitKey,
	})
}

// submitLimitKey - пользователь из JWT, без него IP.
func submitLimitKey(c *gin.Context) string {
	if userID, ok := models.GetUserIDFromContext(c.Request.Context()); ok {
		return "submit:" + userID.String()
	}
	return "submit:ip:" + c.ClientIP()
}

func retryAfter(reset time.Time) string {
	secs := int(time.Until(reset).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
