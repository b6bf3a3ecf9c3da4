package authutils

import (
	"context"
	"errors"
	"fmt"

	"videogen-server/shared/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JWTVerifier проверяет JWT токены, выпущенные сервисом авторизации.
type JWTVerifier struct {
	jwtSecret []byte
	logger    *zap.Logger
}

// NewJWTVerifier создает новый экземпляр JWTVerifier.
// Если логгер nil, используется Noop.
func NewJWTVerifier(jwtSecret string, logger *zap.Logger) (*JWTVerifier, error) {
	if jwtSecret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTVerifier{
		jwtSecret: []byte(jwtSecret),
		logger:    logger.Named("JWTVerifier"),
	}, nil
}

// VerifyToken проверяет подпись JWT, его валидность и извлекает claims.
// Сигнатура совместима с middleware.TokenVerifier.
func (v *JWTVerifier) VerifyToken(ctx context.Context, tokenString string) (*models.Claims, error) {
	log := v.logger.With(zap.String("tokenSnippet", tokenSnippet(tokenString)))
	claims := &models.Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			log.Warn("Unexpected signing method", zap.Any("alg", token.Header["alg"]))
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		log.Warn("Failed to parse or verify token", zap.Error(err))
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, models.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, models.ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, models.ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, models.ErrTokenInvalid
	}
	if claims.UserID == uuid.Nil {
		log.Warn("Token missing UserID")
		return nil, fmt.Errorf("%w: user_id missing", models.ErrTokenInvalid)
	}
	if claims.Tier == "" {
		claims.Tier = models.TierFree
	}

	log.Debug("Token verified", zap.String("userID", claims.UserID.String()), zap.Strings("roles", claims.Roles))
	return claims, nil
}

// Sign выпускает токен с теми же claims. Используется в тестах и служебных утилитах.
func (v *JWTVerifier) Sign(claims *models.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.jwtSecret)
}

// tokenSnippet возвращает безопасную для логгирования часть токена.
func tokenSnippet(tokenString string) string {
	limit := 15
	if len(tokenString) > limit {
		return tokenString[:limit] + "..."
	}
	return tokenString
}
