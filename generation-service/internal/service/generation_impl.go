package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"videogen-server/shared/interfaces"
	"videogen-server/shared/messaging"
	"videogen-server/shared/models"
	"videogen-server/shared/progress"
	"videogen-server/shared/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Источник терминального статуса в журнале генераций.
const (
	sourceAPI     = "api"
	sourceWebhook = "webhook"
	sourcePoll    = "poll"
)

// Deps - зависимости сервиса. Все обязательны, кроме Notifier.
type Deps struct {
	Queue       JobQueue
	Provider    Provider
	Credits     Credits
	Generations interfaces.GenerationRepository
	Emitter     progress.Emitter
	Notifier    messaging.Notifier
}

// Options - поведение сервиса.
type Options struct {
	// ReconcileOnPoll включает сверку с провайдером при запросе статуса.
	ReconcileOnPoll bool
}

var _ GenerationService = (*generationServiceImpl)(nil)

type generationServiceImpl struct {
	Deps
	opts   Options
	logger *zap.Logger
}

// NewGenerationService creates a new instance of generationServiceImpl.
func NewGenerationService(deps Deps, opts Options, logger *zap.Logger) GenerationService {
	if deps.Notifier == nil {
		deps.Notifier = messaging.NoopNotifier{}
	}
	return &generationServiceImpl{Deps: deps, opts: opts, logger: logger.Named("GenerationService")}
}

// Submit проверяет запрос, резервирует кредиты, сохраняет запись и ставит задачу в очередь.
// При нехватке кредитов ничего не меняется. Если очередь недоступна, кредиты возвращаются,
// а запись помечается failed.
func (s *generationServiceImpl) Submit(ctx context.Context, userID uuid.UUID, tier models.SubscriptionTier, req models.GenerationRequest) (*SubmitResult, error) {
	req.Normalize()
	if err := req.Validate(s.Provider.Catalog()); err != nil {
		return nil, err
	}
	amount, err := s.Provider.CalculateCredits(req.Model, req.Duration, req.Quality)
	if err != nil {
		return nil, err
	}
	estimate, err := s.Provider.EstimateTime(req.Model, req.Duration)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(userID, req, tier, amount, models.TraceIDFromContext(ctx))
	log := s.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("trace_id", job.TraceID),
		zap.String("user_id", userID.String()),
	)

	balance, err := s.Credits.Reserve(ctx, userID, job.ID, amount)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientCredits) {
			log.Info("Generation rejected: insufficient credits", zap.Int("required", amount))
		}
		return nil, err
	}

	if err := s.Generations.Create(ctx, models.GenerationFromJob(job)); err != nil {
		log.Error("Failed to persist generation, refunding credits", zap.Error(err))
		s.refund(ctx, log, userID, job.ID)
		return nil, err
	}

	handle, err := s.Queue.Enqueue(ctx, job, job.Priority)
	if err != nil {
		log.Error("Failed to enqueue generation, refunding credits", zap.Error(err))
		s.refund(ctx, log, userID, job.ID)
		terr := s.Generations.ApplyTerminal(ctx, interfaces.TerminalUpdate{
			ID: job.ID, Status: models.JobStatusFailed, Error: "failed to enqueue job", Source: sourceAPI, At: time.Now().UTC(),
		})
		if terr != nil {
			log.Error("Failed to mark generation as failed", zap.Error(terr))
		}
		return nil, fmt.Errorf("failed to enqueue generation: %w", err)
	}

	s.Emitter.EmitJobQueued(ctx, job.ID, handle.Position)
	log.Info("Generation submitted",
		zap.String("model", req.Model),
		zap.Int("duration", req.Duration),
		zap.String("tier", string(tier)),
		zap.Int("credits", amount),
		zap.Int64("position", handle.Position),
	)

	return &SubmitResult{
		ID:               job.ID,
		Status:           models.JobStatusQueued,
		Position:         handle.Position,
		Credits:          amount,
		Balance:          balance,
		EstimatedSeconds: int(estimate / time.Second),
		TraceID:          job.TraceID,
	}, nil
}

// Get возвращает генерацию владельцу. Для выполняющейся задачи статус сверяется с провайдером.
func (s *generationServiceImpl) Get(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	gen, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if s.opts.ReconcileOnPoll && gen.Status == models.JobStatusProcessing && gen.PredictionID != nil {
		return s.reconcile(ctx, gen), nil
	}
	return gen, nil
}

// List возвращает последние генерации пользователя.
func (s *generationServiceImpl) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	return s.Generations.ListByUser(ctx, userID, limit)
}

// Cancel отменяет задачу в статусе queued или processing и возвращает кредиты.
func (s *generationServiceImpl) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	gen, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("job_id", id.String()), zap.String("trace_id", gen.TraceID))
	if gen.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: generation %s is %s", models.ErrJobTerminal, id, gen.Status)
	}

	res, err := s.Queue.Cancel(ctx, id)
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		// запись очереди уже удалена по сроку хранения, отменяем только в БД
		log.Warn("Queue entry missing, cancelling stored generation only")
	case err != nil:
		return nil, err
	}

	if _, err := s.finalize(ctx, gen, models.JobStatusCancelled, "", "cancelled by user", sourceAPI); err != nil {
		return nil, err
	}
	// выполняющуюся задачу освобождает воркер, когда увидит отмену в очереди
	if gen.PredictionID != nil && res.PreviousStatus != models.JobStatusProcessing {
		s.dropPrediction(ctx, *gen.PredictionID, log)
	}
	log.Info("Generation cancelled", zap.String("previous_status", string(res.PreviousStatus)))

	return s.reload(ctx, gen), nil
}

// dropPrediction убирает запуск из кэша и отменяет его, если другие задачи им не пользуются.
func (s *generationServiceImpl) dropPrediction(ctx context.Context, predictionID string, log *zap.Logger) {
	log = log.With(zap.String("prediction_id", predictionID))
	s.Provider.ForgetPrediction(ctx, predictionID)
	if left := s.Provider.ReleasePrediction(ctx, predictionID); left > 0 {
		log.Info("Prediction shared with other jobs, left running", zap.Int64("refs", left))
		return
	}
	if err := s.Provider.CancelPrediction(ctx, predictionID); err != nil {
		log.Warn("Failed to cancel provider prediction", zap.Error(err))
	}
}

// Balance возвращает баланс пользователя (-1 - безлимит).
func (s *generationServiceImpl) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.Credits.Balance(ctx, userID)
}

func (s *generationServiceImpl) SetBalance(ctx context.Context, userID uuid.UUID, balance int) error {
	if err := s.Credits.SetBalance(ctx, userID, balance); err != nil {
		return err
	}
	s.logger.Info("Balance updated by admin", zap.String("user_id", userID.String()), zap.Int("balance", balance))
	return nil
}

func (s *generationServiceImpl) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.Queue.Stats(ctx)
}

func (s *generationServiceImpl) PauseQueue(ctx context.Context) error {
	return s.Queue.Pause(ctx)
}

func (s *generationServiceImpl) ResumeQueue(ctx context.Context) error {
	return s.Queue.Resume(ctx)
}

// owned загружает генерацию и проверяет владельца.
func (s *generationServiceImpl) owned(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	gen, err := s.Generations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if gen.UserID != userID {
		s.logger.Warn("Access to foreign generation denied", zap.String("job_id", id.String()), zap.String("user_id", userID.String()))
		return nil, fmt.Errorf("%w: generation %s belongs to another user", models.ErrForbidden, id)
	}
	return gen, nil
}

// reload перечитывает запись; при ошибке возвращает прежнюю.
func (s *generationServiceImpl) reload(ctx context.Context, gen *models.Generation) *models.Generation {
	fresh, err := s.Generations.GetByID(ctx, gen.ID)
	if err != nil {
		s.logger.Warn("Failed to reload generation", zap.String("job_id", gen.ID.String()), zap.Error(err))
		return gen
	}
	return fresh
}

func (s *generationServiceImpl) refund(ctx context.Context, log *zap.Logger, userID, jobID uuid.UUID) {
	if err := s.Credits.Refund(ctx, userID, jobID); err != nil {
		log.Error("Failed to refund credits", zap.Error(err))
	}
}

// finalize применяет терминальный статус один раз. Побочные эффекты (кредиты, событие,
// уведомление) выполняются только тем, кто применил статус первым.
func (s *generationServiceImpl) finalize(ctx context.Context, gen *models.Generation, status models.JobStatus, videoURL, reason, source string) (bool, error) {
	log := s.logger.With(zap.String("job_id", gen.ID.String()), zap.String("trace_id", gen.TraceID), zap.String("source", source))

	err := s.Generations.ApplyTerminal(ctx, interfaces.TerminalUpdate{
		ID: gen.ID, Status: status, VideoURL: videoURL, Error: reason, Source: source, At: time.Now().UTC(),
	})
	if errors.Is(err, models.ErrAlreadyApplied) {
		log.Info("Terminal status already applied", zap.String("status", string(status)))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to apply %s status: %w", status, err)
	}

	payload := messaging.NotificationPayload{
		GenerationID: gen.ID.String(),
		UserID:       gen.UserID.String(),
		Model:        gen.Request.Model,
		TraceID:      gen.TraceID,
	}
	switch status {
	case models.JobStatusCompleted:
		if err := s.Credits.Commit(ctx, gen.ID); err != nil {
			log.Error("Failed to commit credits", zap.Error(err))
		}
		s.Emitter.EmitJobCompleted(ctx, gen.ID, videoURL)
		payload.Status = messaging.NotificationStatusSuccess
		payload.VideoURL = videoURL
	case models.JobStatusFailed:
		s.refund(ctx, log, gen.UserID, gen.ID)
		s.Emitter.EmitJobFailed(ctx, gen.ID, errors.New(reason), nil)
		payload.Status = messaging.NotificationStatusError
		payload.ErrorDetails = reason
	case models.JobStatusCancelled:
		s.refund(ctx, log, gen.UserID, gen.ID)
		s.Emitter.EmitJobCancelled(ctx, gen.ID)
		payload.Status = messaging.NotificationStatusCancelled
	}

	if err := s.Notifier.NotifyTerminal(ctx, payload); err != nil {
		log.Warn("Failed to send terminal notification", zap.Error(err))
	}
	log.Info("Terminal status applied", zap.String("status", string(status)))
	return true, nil
}
