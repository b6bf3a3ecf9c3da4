package handler

import (
	"videogen-server/generation-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody ограничивает тело вебхука.
const maxWebhookBody = 1 << 20

type GenerationHandler struct {
	svc      service.GenerationService
	verifier *service.WebhookVerifier
	logger   *zap.Logger
}

func NewGenerationHandler(svc service.GenerationService, verifier *service.WebhookVerifier, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		svc:      svc,
		verifier: verifier,
		logger:   logger.Named("GenerationHandler"),
	}
}

// RegisterRoutes регистрирует маршруты. userAuth и adminAuth проверяют JWT,
// submitLimiter ограничивает частоту отправки генераций.
func (h *GenerationHandler) RegisterRoutes(router *gin.Engine, userAuth, adminAuth, submitLimiter gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(userAuth)
	{
		api.POST("/generations", submitLimiter, h.submit)
		api.GET("/generations", h.list)
		api.GET("/generations/:id", h.get)
		api.POST("/generations/:id/cancel", h.cancel)
		api.GET("/credits", h.balance)
	}

	admin := router.Group("/api/v1/admin")
	admin.Use(adminAuth)
	{
		admin.GET("/queue/stats", h.queueStats)
		admin.POST("/queue/pause", h.pauseQueue)
		admin.POST("/queue/resume", h.resumeQueue)
		admin.PUT("/users/:user_id/credits", h.setBalance)
	}

	// вебхук вызывает провайдер, JWT у него нет
	router.POST("/webhooks/provider", h.providerWebhook)
}
