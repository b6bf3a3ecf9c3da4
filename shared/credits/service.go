package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"videogen-server/shared/cache"
	"videogen-server/shared/interfaces"
	"videogen-server/shared/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Unlimited - баланс, который не уменьшается.
const Unlimited = -1

const balanceCacheTTL = 30 * time.Second

// Service - резервирование, возврат и фиксация кредитов по задаче.
//
// Кредиты снимаются при постановке задачи (Reserve). Успешная генерация только
// фиксирует списание (Commit); ошибка создания, терминальный сбой и отмена
// возвращают его (Refund). Журнал гарантирует, что каждая операция по задаче
// выполняется не больше одного раза.
type Service struct {
	repo   interfaces.CreditRepository
	cache  *cache.Manager
	logger *zap.Logger
}

// NewService создает сервис. cacheManager может быть nil.
func NewService(repo interfaces.CreditRepository, cacheManager *cache.Manager, logger *zap.Logger) *Service {
	return &Service{repo: repo, cache: cacheManager, logger: logger.Named("CreditService")}
}

func balanceKey(userID uuid.UUID) string {
	return "credits:balance:" + userID.String()
}

// Reserve атомарно снимает amount с баланса. При нехватке возвращает
// models.ErrInsufficientCredits, баланс не меняется.
func (s *Service) Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", models.ErrValidation)
	}
	balance, err := s.repo.Reserve(ctx, userID, jobID, amount)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientCredits) {
			return 0, fmt.Errorf("%w: %d credits required", models.ErrInsufficientCredits, amount)
		}
		return 0, fmt.Errorf("failed to reserve credits: %w", err)
	}
	s.invalidate(ctx, userID)
	return balance, nil
}

// Refund возвращает списание задачи. Повторные вызовы ничего не делают.
func (s *Service) Refund(ctx context.Context, userID, jobID uuid.UUID) error {
	refunded, err := s.repo.Refund(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to refund credits for job %s: %w", jobID, err)
	}
	if refunded {
		s.invalidate(ctx, userID)
	} else {
		s.logger.Debug("Nothing to refund", zap.String("job_id", jobID.String()))
	}
	return nil
}

// Commit фиксирует списание после успешной генерации. Повторного списания нет.
func (s *Service) Commit(ctx context.Context, jobID uuid.UUID) error {
	committed, err := s.repo.Commit(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to commit credits for job %s: %w", jobID, err)
	}
	if !committed {
		s.logger.Debug("Credits already settled", zap.String("job_id", jobID.String()))
	}
	return nil
}

// Balance возвращает баланс (-1 - безлимит). Кэшируется на короткое время.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	if s.cache == nil {
		return s.repo.Balance(ctx, userID)
	}
	return cache.GetOrSetJSON(ctx, s.cache, balanceKey(userID), balanceCacheTTL, func(ctx context.Context) (int, error) {
		return s.repo.Balance(ctx, userID)
	})
}

// SetBalance задает баланс пользователя.
func (s *Service) SetBalance(ctx context.Context, userID uuid.UUID, balance int) error {
	if balance < Unlimited {
		return fmt.Errorf("%w: balance must be >= -1", models.ErrValidation)
	}
	if err := s.repo.SetBalance(ctx, userID, balance); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache != nil {
		s.cache.Delete(ctx, balanceKey(userID))
	}
}
