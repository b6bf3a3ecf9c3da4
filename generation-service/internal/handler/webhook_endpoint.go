package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"videogen-server/generation-service/internal/service"
	"videogen-server/shared/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// providerWebhook принимает терминальные статусы провайдера: POST /webhooks/provider?job_id=<uuid>.
// Повторная доставка отвечает 200, чтобы провайдер не повторял запрос.
func (h *GenerationHandler) providerWebhook(c *gin.Context) {
	jobID, err := uuid.Parse(c.Query("job_id"))
	if err != nil {
		webhooksTotal.WithLabelValues("", "bad_request").Inc()
		respondBadRequest(c, "job_id query parameter is required", err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		respondBadRequest(c, "Failed to read body", err)
		return
	}
	if err := h.verifier.Verify(
		c.GetHeader(service.HeaderWebhookID),
		c.GetHeader(service.HeaderWebhookTimestamp),
		c.GetHeader(service.HeaderWebhookSignature),
		body,
	); err != nil {
		h.logger.Warn("Webhook signature rejected", zap.String("job_id", jobID.String()), zap.Error(err))
		webhooksTotal.WithLabelValues("", "unauthorized").Inc()
		respondError(c, err)
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		webhooksTotal.WithLabelValues("", "bad_request").Inc()
		respondBadRequest(c, "Invalid webhook payload", err)
		return
	}

	applied, err := h.svc.HandleWebhook(c.Request.Context(), jobID, payload)
	if err != nil {
		webhooksTotal.WithLabelValues(string(payload.Status), "error").Inc()
		respondError(c, err)
		return
	}
	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	webhooksTotal.WithLabelValues(string(payload.Status), outcome).Inc()
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}
