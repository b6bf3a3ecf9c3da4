package handler

import (
	"net/http"

	"videogen-server/shared/credits"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *GenerationHandler) queueStats(c *gin.Context) {
	stats, err := h.svc.QueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *GenerationHandler) pauseQueue(c *gin.Context) {
	if err := h.svc.PauseQueue(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	h.logger.Warn("Queue paused via admin API", zap.String("ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *GenerationHandler) resumeQueue(c *gin.Context) {
	if err := h.svc.ResumeQueue(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("Queue resumed via admin API", zap.String("ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (h *GenerationHandler) setBalance(c *gin.Context) {
	userID, ok := parseIDParam(c, "user_id")
	if !ok {
		return
	}
	var req setBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Balance == nil {
		respondBadRequest(c, "balance is required", err)
		return
	}
	if err := h.svc.SetBalance(c.Request.Context(), userID, *req.Balance); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Balance: *req.Balance, Unlimited: *req.Balance == credits.Unlimited})
}
