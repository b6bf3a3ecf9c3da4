package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus - статус задачи в очереди.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal - completed, failed и cancelled больше не меняются.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanCancel - отмена возможна только из queued или processing.
func (s JobStatus) CanCancel() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// Stage - шаг конвейера генерации, используется для отчета о прогрессе.
type Stage string

const (
	StageQueued             Stage = "queued"
	StageProcessing         Stage = "processing"
	StageValidating         Stage = "validating"
	StageEnhancing          Stage = "enhancing"
	StageCreatingPrediction Stage = "creating-prediction"
	StageGenerating         Stage = "generating"
	StageUploading          Stage = "uploading"
	StageFinalizing         Stage = "finalizing"
	StageCompleted          Stage = "completed"
)

// stageOrder фиксирует последовательность шагов и нижнюю границу процента для каждого.
var stageOrder = []struct {
	stage   Stage
	percent int
}{
	{StageQueued, 0},
	{StageProcessing, 5},
	{StageValidating, 10},
	{StageEnhancing, 15},
	{StageCreatingPrediction, 20},
	{StageGenerating, 25},
	{StageUploading, 90},
	{StageFinalizing, 95},
	{StageCompleted, 100},
}

// GeneratingMaxPercent - верхняя граница процента во время опроса провайдера.
const GeneratingMaxPercent = 85

// Percent возвращает процент, соответствующий началу шага.
func (s Stage) Percent() int {
	for _, st := range stageOrder {
		if st.stage == s {
			return st.percent
		}
	}
	return 0
}

// Index возвращает порядковый номер шага или -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st.stage == s {
			return i
		}
	}
	return -1
}

// Job - единица работы в очереди.
type Job struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"user_id"`
	Request      GenerationRequest `json:"request"`
	Tier         SubscriptionTier  `json:"tier"`
	Priority     int               `json:"priority"`
	TraceID      string            `json:"trace_id"`
	Credits      int               `json:"credits"`
	RetryCount   int               `json:"retry_count"`
	StallCount   int               `json:"stall_count,omitempty"`
	Status       JobStatus         `json:"status"`
	Stage        Stage             `json:"stage"`
	Progress     int               `json:"progress"`
	PredictionID string            `json:"prediction_id,omitempty"`
	VideoURL     string            `json:"video_url,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// NewJob создает задачу в статусе queued с приоритетом тарифа.
func NewJob(userID uuid.UUID, req GenerationRequest, tier SubscriptionTier, credits int, traceID string) *Job {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Job{
		ID:        uuid.New(),
		UserID:    userID,
		Request:   req,
		Tier:      tier,
		Priority:  tier.Priority(),
		TraceID:   traceID,
		Credits:   credits,
		Status:    JobStatusQueued,
		Stage:     StageQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Generation - сохраненная в БД запись о генерации; источник истины для клиента.
type Generation struct {
	ID           uuid.UUID         `json:"id" db:"id"`
	UserID       uuid.UUID         `json:"user_id" db:"user_id"`
	Request      GenerationRequest `json:"request" db:"request"`
	Status       JobStatus         `json:"status" db:"status"`
	Stage        Stage             `json:"stage" db:"stage"`
	Progress     int               `json:"progress" db:"progress"`
	Credits      int               `json:"credits" db:"credits"`
	PredictionID *string           `json:"prediction_id,omitempty" db:"prediction_id"`
	VideoURL     *string           `json:"video_url,omitempty" db:"video_url"`
	Error        *string           `json:"error,omitempty" db:"error"`
	TraceID      string            `json:"trace_id" db:"trace_id"`
	RetryCount   int               `json:"retry_count" db:"retry_count"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// GenerationFromJob строит запись для сохранения из задачи.
func GenerationFromJob(job *Job) *Generation {
	now := time.Now().UTC()
	g := &Generation{
		ID:         job.ID,
		UserID:     job.UserID,
		Request:    job.Request,
		Status:     job.Status,
		Stage:      job.Stage,
		Progress:   job.Progress,
		Credits:    job.Credits,
		TraceID:    job.TraceID,
		RetryCount: job.RetryCount,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  now,
	}
	if job.PredictionID != "" {
		g.PredictionID = &job.PredictionID
	}
	return g
}
