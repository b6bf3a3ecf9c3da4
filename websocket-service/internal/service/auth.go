package service

import (
	"context"
	"fmt"

	"videogen-server/shared/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenVerifier проверяет JWT и возвращает claims.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*models.Claims, error)
}

// AuthService определяет пользователя по токену из query-параметра соединения.
type AuthService struct {
	verifier TokenVerifier
	logger   zerolog.Logger
}

// NewAuthService создает новый экземпляр AuthService.
func NewAuthService(verifier TokenVerifier, logger zerolog.Logger) *AuthService {
	return &AuthService{
		verifier: verifier,
		logger:   logger.With().Str("component", "AuthService").Logger(),
	}
}

// Authenticate возвращает UserID владельца токена. Ошибки оборачивают models.ErrUnauthorized.
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (uuid.UUID, error) {
	if tokenString == "" {
		return uuid.Nil, fmt.Errorf("%w: missing token", models.ErrUnauthorized)
	}
	claims, err := s.verifier.VerifyToken(ctx, tokenString)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Token rejected")
		return uuid.Nil, fmt.Errorf("%w: %w", models.ErrUnauthorized, err)
	}
	if claims.UserID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: token has no user id", models.ErrUnauthorized)
	}
	return claims.UserID, nil
}
