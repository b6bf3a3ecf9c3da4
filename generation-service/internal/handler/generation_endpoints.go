package handler

import (
	"errors"
	"net/http"
	"strconv"

	"videogen-server/shared/credits"
	"videogen-server/shared/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// currentUser достает UserID, положенный AuthMiddleware.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := models.GetUserIDFromContext(c.Request.Context())
	if !ok || userID == uuid.Nil {
		respondError(c, models.ErrUnauthorized)
		return uuid.Nil, false
	}
	return userID, true
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondBadRequest(c, "Invalid "+name, err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *GenerationHandler) submit(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		respondBadRequest(c, "Invalid request body", err)
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Submit(ctx, userID, models.GetTierFromContext(ctx), req.toModel())
	if err != nil {
		switch models.ClassifyError(err) {
		case models.ErrorKindValidation:
			submissionsTotal.WithLabelValues("invalid").Inc()
		case models.ErrorKindAdmission:
			submissionsTotal.WithLabelValues("rejected").Inc()
		default:
			submissionsTotal.WithLabelValues("error").Inc()
		}
		respondError(c, err)
		return
	}
	submissionsTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusAccepted, res)
}

func (h *GenerationHandler) get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	gen, err := h.svc.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toGenerationResponse(gen))
}

func (h *GenerationHandler) list(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			respondBadRequest(c, "limit must be between 1 and 100", err)
			return
		}
		limit = n
	}
	gens, err := h.svc.List(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]generationResponse, 0, len(gens))
	for _, g := range gens {
		out = append(out, toGenerationResponse(g))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *GenerationHandler) cancel(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	gen, err := h.svc.Cancel(c.Request.Context(), userID, id)
	if err != nil {
		if !errors.Is(err, models.ErrJobTerminal) {
			h.logger.Warn("Cancel failed", zap.String("job_id", id.String()), zap.Error(err))
		}
		respondError(c, err)
		return
	}
	cancellationsTotal.Inc()
	c.JSON(http.StatusOK, toGenerationResponse(gen))
}

func (h *GenerationHandler) balance(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	balance, err := h.svc.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Balance: balance, Unlimited: balance == credits.Unlimited})
}
