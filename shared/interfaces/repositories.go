package interfaces

import (
	"context"
	"time"

	"videogen-server/shared/models"

	"github.com/google/uuid"
)

// GenerationRepository хранит записи о генерациях.
type GenerationRepository interface {
	// Create сохраняет новую запись.
	Create(ctx context.Context, gen *models.Generation) error
	// GetByID возвращает запись или models.ErrJobNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	// ListByUser возвращает последние генерации пользователя.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error)
	// UpdateProgress сохраняет шаг и процент нетерминальной записи.
	UpdateProgress(ctx context.Context, id uuid.UUID, status models.JobStatus, stage models.Stage, progress int) error
	// SetPrediction запоминает id предсказания провайдера.
	SetPrediction(ctx context.Context, id uuid.UUID, predictionID string) error
	// IncrementRetry увеличивает счетчик повторов.
	IncrementRetry(ctx context.Context, id uuid.UUID) error
	// ApplyTerminal применяет терминальный статус ровно один раз для пары (id, status).
	// Повторное применение возвращает models.ErrAlreadyApplied.
	ApplyTerminal(ctx context.Context, update TerminalUpdate) error
}

// TerminalUpdate - результат генерации.
type TerminalUpdate struct {
	ID       uuid.UUID
	Status   models.JobStatus
	VideoURL string
	Error    string
	Source   string
	At       time.Time
}

// CreditRepository - баланс и журнал операций с кредитами.
type CreditRepository interface {
	// Reserve атомарно списывает amount, если хватает баланса. Баланс -1 не изменяется.
	Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int) (int, error)
	// Refund возвращает списание задачи. false, если возвращать нечего или уже возвращено.
	Refund(ctx context.Context, jobID uuid.UUID) (bool, error)
	// Commit фиксирует списание после успеха.
	Commit(ctx context.Context, jobID uuid.UUID) (bool, error)
	// Balance возвращает текущий баланс (-1 - безлимит).
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	// SetBalance устанавливает баланс (администрирование).
	SetBalance(ctx context.Context, userID uuid.UUID, balance int) error
}
