package handler

import (
	"errors"
	"net/http"

	"videogen-server/shared/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError переводит доменную ошибку в HTTP статус и ответ {error, details, trace_id}.
func respondError(c *gin.Context, err error) {
	traceID := models.TraceIDFromContext(c.Request.Context())
	var statusCode int
	var errResp models.ErrorResponse

	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrBadRequest):
		statusCode = http.StatusBadRequest
		errResp = models.NewErrorResponse("Invalid request", err, traceID)
	case errors.Is(err, models.ErrInsufficientCredits):
		statusCode = http.StatusPaymentRequired
		errResp = models.NewErrorResponse("Insufficient credits", err, traceID)
	case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrWebhookSignature):
		statusCode = http.StatusUnauthorized
		errResp = models.NewErrorResponse("Unauthorized", err, traceID)
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrTierNotAllowed):
		statusCode = http.StatusForbidden
		errResp = models.NewErrorResponse("Forbidden", err, traceID)
	case errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
		errResp = models.NewErrorResponse("Generation not found", nil, traceID)
	case errors.Is(err, models.ErrJobTerminal):
		statusCode = http.StatusConflict
		errResp = models.NewErrorResponse("Generation already finished", err, traceID)
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, models.ErrProviderUnavailable),
		errors.Is(err, models.ErrQueuePaused):
		zap.L().Warn("Dependency unavailable", zap.String("trace_id", traceID), zap.Error(err))
		statusCode = http.StatusServiceUnavailable
		errResp = models.NewErrorResponse("Service temporarily unavailable, try again later", nil, traceID)
	default:
		zap.L().Error("Unhandled internal error in respondError", zap.String("trace_id", traceID), zap.Error(err))
		statusCode = http.StatusInternalServerError
		errResp = models.NewErrorResponse("An unexpected internal error occurred", nil, traceID)
	}

	c.AbortWithStatusJSON(statusCode, errResp)
}

func respondBadRequest(c *gin.Context, message string, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.NewErrorResponse(message, err, models.TraceIDFromContext(c.Request.Context())))
}
