package service

import (
	"context"
	"time"

	"videogen-server/shared/models"
	"videogen-server/shared/provider"
	"videogen-server/shared/queue"

	"github.com/google/uuid"
)

// GenerationService defines the client-facing generation use cases.
type GenerationService interface {
	Submit(ctx context.Context, userID uuid.UUID, tier models.SubscriptionTier, req models.GenerationRequest) (*SubmitResult, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error)
	List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error)
	Cancel(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error)
	HandleWebhook(ctx context.Context, jobID uuid.UUID, payload models.WebhookPayload) (bool, error)

	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance int) error // Админка

	QueueStats(ctx context.Context) (queue.Stats, error)
	PauseQueue(ctx context.Context) error
	ResumeQueue(ctx context.Context) error
}

// SubmitResult - ответ на постановку генерации.
type SubmitResult struct {
	ID               uuid.UUID        `json:"id"`
	Status           models.JobStatus `json:"status"`
	Position         int64            `json:"position"`
	Credits          int              `json:"credits"`
	Balance          int              `json:"balance"`
	EstimatedSeconds int              `json:"estimated_seconds"`
	TraceID          string           `json:"trace_id"`
}

// JobQueue - операции очереди, нужные API. Реализуется queue.RedisQueue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job, priority int) (queue.Handle, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (models.JobStatus, error)
	Position(ctx context.Context, id uuid.UUID) (int64, error)
	Cancel(ctx context.Context, id uuid.UUID) (queue.CancelResult, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stats(ctx context.Context) (queue.Stats, error)
}

var _ JobQueue = (*queue.RedisQueue)(nil)

// Provider - часть клиента провайдера, нужная API. Реализуется provider.Client.
type Provider interface {
	CalculateCredits(model string, duration int, quality models.Quality) (int, error)
	EstimateTime(model string, duration int) (time.Duration, error)
	Catalog() models.ModelCatalog
	GetPrediction(ctx context.Context, id string) (*models.Prediction, error)
	CancelPrediction(ctx context.Context, id string) error
	ForgetPrediction(ctx context.Context, predictionID string)
	ReleasePrediction(ctx context.Context, predictionID string) int64
}

var _ Provider = (*provider.Client)(nil)

// Credits - операции с кредитами. Реализуется credits.Service.
type Credits interface {
	Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int) (int, error)
	Refund(ctx context.Context, userID, jobID uuid.UUID) error
	Commit(ctx context.Context, jobID uuid.UUID) error
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance int) error
}
