package worker

import (
	"context"
	"io"
	"time"

	"videogen-server/shared/models"
	"videogen-server/shared/provider"
	"videogen-server/shared/queue"

	"github.com/google/uuid"
)

// JobQueue - операции очереди, которые нужны воркеру. Реализуется queue.RedisQueue.
type JobQueue interface {
	Dequeue(ctx context.Context, lease time.Duration) (*models.Job, error)
	Touch(ctx context.Context, job *models.Job, lease time.Duration) (models.JobStatus, error)
	Complete(ctx context.Context, job *models.Job) (bool, error)
	Fail(ctx context.Context, job *models.Job) (bool, error)
	Retry(ctx context.Context, job *models.Job, delay time.Duration) (bool, error)
	RequeueStalled(ctx context.Context) (queue.StallSweep, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Position(ctx context.Context, id uuid.UUID) (int64, error)
}

var _ JobQueue = (*queue.RedisQueue)(nil)

// Provider - API провайдера генерации. Реализуется provider.Client.
type Provider interface {
	CreatePrediction(ctx context.Context, req models.GenerationRequest, opts provider.CreateOptions) (*models.Prediction, error)
	GetPrediction(ctx context.Context, id string) (*models.Prediction, error)
	CancelPrediction(ctx context.Context, id string) error
	ForgetPrediction(ctx context.Context, predictionID string)
	ReleasePrediction(ctx context.Context, predictionID string) int64
	Catalog() models.ModelCatalog
}

var _ Provider = (*provider.Client)(nil)

// Credits - возврат и фиксация кредитов. Реализуется credits.Service.
type Credits interface {
	Refund(ctx context.Context, userID, jobID uuid.UUID) error
	Commit(ctx context.Context, jobID uuid.UUID) error
}

// Fetcher скачивает результат генерации. Реализуется storage.Downloader.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, string, error)
}
