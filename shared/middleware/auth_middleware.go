package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"videogen-server/shared/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TokenVerifier определяет функцию, которая проверяет строку токена и возвращает claims.
// Ошибки могут быть models.ErrTokenInvalid, models.ErrTokenExpired, models.ErrTokenMalformed.
type TokenVerifier func(ctx context.Context, tokenString string) (*models.Claims, error)

// Ключи gin.Context, дублирующие значения request context.
const (
	GinUserIDKey = "user_id"
	GinRolesKey  = "user_roles"
	GinTierKey   = "user_tier"
)

// AuthMiddleware проверяет Bearer токен и роли, кладет UserID, роли и тариф
// в контекст запроса и в gin.Context.
func AuthMiddleware(verifier TokenVerifier, logger *zap.Logger, requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.With(zap.String("path", c.Request.URL.Path))
		traceID := models.TraceIDFromContext(ctx)

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Warn("Authorization header missing")
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewErrorResponse("Unauthorized: Missing token", nil, traceID))
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			log.Warn("Malformed Authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewErrorResponse("Unauthorized: Malformed token header", nil, traceID))
			return
		}

		claims, err := verifier(ctx, parts[1])
		if err != nil {
			status := http.StatusUnauthorized
			msg := "Unauthorized: Invalid token"
			switch {
			case errors.Is(err, models.ErrTokenExpired):
				msg = "Unauthorized: Token expired"
			case errors.Is(err, models.ErrTokenMalformed), errors.Is(err, models.ErrTokenInvalid):
			default:
				log.Error("Unexpected token verification error", zap.Error(err))
				status = http.StatusInternalServerError
				msg = "Internal server error during token verification"
			}
			log.Warn("Token verification failed", zap.Error(err))
			c.AbortWithStatusJSON(status, models.NewErrorResponse(msg, nil, traceID))
			return
		}

		if len(requiredRoles) > 0 {
			allowed := false
			for _, role := range requiredRoles {
				if models.HasRole(claims.Roles, role) {
					allowed = true
					break
				}
			}
			if !allowed {
				log.Warn("User does not have required role",
					zap.String("userID", claims.UserID.String()),
					zap.Strings("userRoles", claims.Roles),
					zap.Strings("requiredRoles", requiredRoles),
				)
				c.AbortWithStatusJSON(http.StatusForbidden, models.NewErrorResponse("Forbidden: Insufficient permissions", nil, traceID))
				return
			}
		}

		ctx = context.WithValue(ctx, models.UserContextKey, claims.UserID)
		ctx = context.WithValue(ctx, models.RolesContextKey, claims.Roles)
		ctx = context.WithValue(ctx, models.TierContextKey, claims.Tier)
		c.Request = c.Request.WithContext(ctx)
		c.Set(GinUserIDKey, claims.UserID)
		c.Set(GinRolesKey, claims.Roles)
		c.Set(GinTierKey, claims.Tier)

		log.Debug("User authorized", zap.String("userID", claims.UserID.String()), zap.Strings("roles", claims.Roles))
		c.Next()
	}
}
