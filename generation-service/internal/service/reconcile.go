package service

import (
	"context"
	"errors"

	"videogen-server/shared/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// providerResult - терминальный результат провайдера из вебхука или из опроса.
type providerResult struct {
	predictionID string
	status       models.PredictionStatus
	output       string
	errMsg       string
}

// HandleWebhook применяет терминальный статус из вебхука провайдера.
// Повторная доставка того же статуса ничего не меняет. true - статус применен этим вызовом.
func (s *generationServiceImpl) HandleWebhook(ctx context.Context, jobID uuid.UUID, payload models.WebhookPayload) (bool, error) {
	gen, err := s.Generations.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	log := s.logger.With(
		zap.String("job_id", jobID.String()),
		zap.String("trace_id", gen.TraceID),
		zap.String("prediction_id", payload.ID),
		zap.String("prediction_status", string(payload.Status)),
	)

	if !payload.Status.IsTerminal() {
		log.Debug("Non-terminal webhook ignored")
		return false, nil
	}
	if gen.Status.IsTerminal() {
		log.Info("Webhook for finished generation ignored", zap.String("status", string(gen.Status)))
		return false, nil
	}
	// предсказание прошлой попытки, отмененное после таймаута опроса
	if gen.PredictionID != nil && payload.ID != "" && *gen.PredictionID != payload.ID {
		log.Warn("Webhook for stale prediction ignored", zap.String("current_prediction_id", *gen.PredictionID))
		return false, nil
	}
	// задача снова в очереди после таймаута опроса: новая попытка создаст свое предсказание
	if job, err := s.Queue.Get(ctx, jobID); err == nil && job.Status == models.JobStatusQueued &&
		payload.ID != "" && job.PredictionID != payload.ID {
		log.Warn("Webhook for prediction of a previous attempt ignored", zap.String("queued_prediction_id", job.PredictionID))
		return false, nil
	}

	res := providerResult{predictionID: payload.ID, status: payload.Status, output: string(payload.Output)}
	if payload.Error != nil {
		res.errMsg = *payload.Error
	}
	return s.applyProviderResult(ctx, gen, res, sourceWebhook)
}

// reconcile сверяет выполняющуюся генерацию с провайдером. Ошибки провайдера не мешают ответу.
func (s *generationServiceImpl) reconcile(ctx context.Context, gen *models.Generation) *models.Generation {
	log := s.logger.With(zap.String("job_id", gen.ID.String()), zap.String("prediction_id", *gen.PredictionID))

	pred, err := s.Provider.GetPrediction(ctx, *gen.PredictionID)
	if err != nil {
		log.Warn("Live status check failed", zap.Error(err))
		return gen
	}
	if !pred.Status.IsTerminal() {
		return gen
	}

	applied, err := s.applyProviderResult(ctx, gen, providerResult{
		predictionID: pred.ID,
		status:       pred.Status,
		output:       string(pred.Output),
		errMsg:       pred.ErrorMessage(),
	}, sourcePoll)
	if err != nil {
		log.Warn("Failed to apply live status", zap.Error(err))
		return gen
	}
	if !applied {
		return gen
	}
	return s.reload(ctx, gen)
}

// applyProviderResult переводит результат провайдера в терминальный статус генерации.
// Успех, пока задача в очереди не завершена, оставляется воркеру: он загружает видео
// в хранилище и завершает задачу сам.
func (s *generationServiceImpl) applyProviderResult(ctx context.Context, gen *models.Generation, res providerResult, source string) (bool, error) {
	log := s.logger.With(zap.String("job_id", gen.ID.String()), zap.String("source", source))

	switch res.status {
	case models.PredictionSucceeded:
		if res.output == "" {
			return s.finalize(ctx, gen, models.JobStatusFailed, "", "provider returned no output", source)
		}
		if s.workerOwns(ctx, gen.ID) {
			log.Info("Prediction succeeded, completion left to worker")
			return false, nil
		}
		return s.finalize(ctx, gen, models.JobStatusCompleted, res.output, "", source)

	case models.PredictionCanceled:
		s.forgetPrediction(ctx, res.predictionID)
		// останавливаем воркер, чтобы он не ждал предсказание
		if _, err := s.Queue.Cancel(ctx, gen.ID); err != nil &&
			!errors.Is(err, models.ErrJobTerminal) && !errors.Is(err, models.ErrJobNotFound) {
			log.Warn("Failed to cancel queued job", zap.Error(err))
		}
		return s.finalize(ctx, gen, models.JobStatusCancelled, "", "prediction was canceled by provider", source)

	default:
		s.forgetPrediction(ctx, res.predictionID)
		reason := res.errMsg
		if reason == "" {
			reason = "provider reported failure"
		}
		return s.finalize(ctx, gen, models.JobStatusFailed, "", reason, source)
	}
}

// forgetPrediction не дает одинаковому запросу получить упавший запуск из кэша.
func (s *generationServiceImpl) forgetPrediction(ctx context.Context, predictionID string) {
	if predictionID != "" {
		s.Provider.ForgetPrediction(ctx, predictionID)
	}
}

// workerOwns - задача еще в очереди или выполняется, воркер доведет ее до конца.
func (s *generationServiceImpl) workerOwns(ctx context.Context, id uuid.UUID) bool {
	status, err := s.Queue.Status(ctx, id)
	if errors.Is(err, models.ErrJobNotFound) {
		return false
	}
	if err != nil {
		// состояние очереди неизвестно, решение откладывается до следующего вебхука или опроса
		return true
	}
	return status == models.JobStatusQueued || status == models.JobStatusProcessing
}
