package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"videogen-server/shared/interfaces"
	"videogen-server/shared/messaging"
	"videogen-server/shared/models"
	"videogen-server/shared/progress"
	"videogen-server/shared/provider"
	"videogen-server/video-worker/internal/enhancer"
	"videogen-server/video-worker/internal/storage"

	"go.uber.org/zap"
)

var (
	errJobCancelled = errors.New("job cancelled")
	errLeaseLost    = errors.New("job lease lost")
)

// Outcome - итог одной попытки обработки задачи.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeAbandoned - задача возвращена в очередь при остановке или ее аренду забрали.
	OutcomeAbandoned Outcome = "abandoned"
)

// ProcessorConfig - тайминги конвейера.
type ProcessorConfig struct {
	PollInterval  time.Duration
	PollTimeout   time.Duration
	LeaseDuration time.Duration
	Retry         RetryPolicy
}

// Deps - зависимости конвейера. Storage, Fetcher, Enhancer, Notifier и Metrics могут быть nil.
type Deps struct {
	Queue       JobQueue
	Provider    Provider
	Credits     Credits
	Generations interfaces.GenerationRepository
	Emitter     progress.Emitter
	Enhancer    enhancer.Enhancer
	Storage     storage.Storage
	Fetcher     Fetcher
	Notifier    messaging.Notifier
	Metrics     *Metrics
}

// Processor проводит задачу через все шаги генерации.
type Processor struct {
	Deps
	cfg    ProcessorConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewProcessor создает конвейер.
func NewProcessor(deps Deps, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Minute
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.Retry.MaxRetries <= 0 && cfg.Retry.Base <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Processor{Deps: deps, cfg: cfg, logger: logger.Named("Processor"), now: time.Now}
}

// jobState - копия задачи, общая для конвейера и продления аренды.
type jobState struct {
	mu  sync.Mutex
	job models.Job
}

func (s *jobState) snapshot() models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

func (s *jobState) update(fn func(j *models.Job)) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.job)
	return s.job
}

// Process выполняет одну попытку. Ошибки не возвращаются: итог записан в очередь, БД и события.
func (p *Processor) Process(ctx context.Context, job *models.Job) Outcome {
	started := p.now()
	st := &jobState{job: *job}
	log := p.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("trace_id", job.TraceID),
		zap.Int("attempt", job.RetryCount+1),
	)
	log.Info("Job picked up", zap.String("model", job.Request.Model), zap.String("tier", string(job.Tier)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Value // models.JobStatus, при котором аренда потеряна
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(runCtx, st, hbStop, func(status models.JobStatus) {
			lost.Store(status)
			cancel()
		})
	}()

	err := p.run(runCtx, st, log)
	close(hbStop)
	<-hbDone

	lostStatus, _ := lost.Load().(models.JobStatus)
	var out Outcome
	switch {
	case ctx.Err() != nil:
		out = p.abandon(ctx, st, log)
	case lostStatus == models.JobStatusCancelled || errors.Is(err, errJobCancelled):
		out = p.handleCancelled(ctx, st, log)
	case lostStatus != "" || errors.Is(err, errLeaseLost):
		log.Warn("Lease lost, stale attempt ignored", zap.String("queue_status", string(lostStatus)), zap.Error(err))
		out = OutcomeAbandoned
	case err == nil:
		out = OutcomeCompleted
	default:
		out = p.handleFailure(ctx, st, err, log)
	}

	if p.Metrics != nil {
		p.Metrics.ObserveJob(string(out), p.now().Sub(started))
	}
	log.Info("Job attempt finished", zap.String("outcome", string(out)), zap.Duration("duration", p.now().Sub(started)))
	return out
}

func (p *Processor) run(ctx context.Context, st *jobState, log *zap.Logger) error {
	job := st.update(func(j *models.Job) {
		now := p.now().UTC()
		j.Status = models.JobStatusProcessing
		j.StartedAt = &now
		j.Error = ""
	})

	// 1. processing
	p.Emitter.EmitJobStarted(ctx, job.ID, job.RetryCount+1)
	p.stage(ctx, st, models.StageProcessing, "Job started")

	// 2. validating: ошибка терминальна, повтора нет
	p.stage(ctx, st, models.StageValidating, "Validating request")
	req := job.Request
	req.Normalize()
	if err := req.Validate(p.Provider.Catalog()); err != nil {
		return err
	}

	// 3. enhancing: только для платных тарифов, ошибка не прерывает генерацию
	if p.Enhancer != nil && job.Tier.PromptEnhancement() {
		p.stage(ctx, st, models.StageEnhancing, "Enhancing prompt")
		enhanced, err := p.Enhancer.Enhance(ctx, req.Prompt)
		switch {
		case err != nil:
			log.Warn("Prompt enhancement failed, using original prompt", zap.Error(err))
		case enhanced != req.Prompt:
			log.Debug("Prompt enhanced", zap.Int("original_len", len(req.Prompt)), zap.Int("enhanced_len", len(enhanced)))
			req.Prompt = enhanced
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// 4. creating-prediction
	pred, err := p.prediction(ctx, st, req, log)
	if err != nil {
		return err
	}

	// 5. generating
	pred, err = p.poll(ctx, st, pred, log)
	if err != nil {
		return err
	}

	// 6. uploading
	videoURL, err := p.upload(ctx, st, string(pred.Output), log)
	if err != nil {
		return err
	}

	// 7. finalizing
	return p.finalize(ctx, st, videoURL, log)
}

// prediction продолжает запуск, сохраненный прошлой попыткой, или создает новый.
func (p *Processor) prediction(ctx context.Context, st *jobState, req models.GenerationRequest, log *zap.Logger) (*models.Prediction, error) {
	p.stage(ctx, st, models.StageCreatingPrediction, "Creating prediction")
	job := st.snapshot()

	if job.PredictionID != "" {
		pred, err := p.Provider.GetPrediction(ctx, job.PredictionID)
		if err == nil {
			log.Info("Resuming existing prediction", zap.String("prediction_id", pred.ID), zap.String("status", string(pred.Status)))
			return pred, nil
		}
		log.Warn("Previous prediction unavailable, creating a new one", zap.String("prediction_id", job.PredictionID), zap.Error(err))
		p.Provider.ForgetPrediction(ctx, job.PredictionID)
		p.Provider.ReleasePrediction(ctx, job.PredictionID)
	}

	pred, err := p.Provider.CreatePrediction(ctx, req, provider.CreateOptions{JobID: job.ID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction: %w", err)
	}

	job = st.update(func(j *models.Job) { j.PredictionID = pred.ID })
	if err := p.Generations.SetPrediction(ctx, job.ID, pred.ID); err != nil {
		log.Warn("Failed to persist prediction id", zap.String("prediction_id", pred.ID), zap.Error(err))
	}
	if _, err := p.touch(ctx, st); err != nil {
		log.Warn("Failed to save prediction id in queue", zap.Error(err))
	}
	log.Info("Prediction created", zap.String("prediction_id", pred.ID), zap.String("status", string(pred.Status)))
	return pred, nil
}

// poll опрашивает провайдера до терминального статуса или PollTimeout.
// Между опросами проверяет отмену через очередь.
func (p *Processor) poll(ctx context.Context, st *jobState, pred *models.Prediction, log *zap.Logger) (*models.Prediction, error) {
	p.stage(ctx, st, models.StageGenerating, "Generating video")

	started := p.now()
	deadline := started.Add(p.cfg.PollTimeout)
	expected := p.expectedDuration(st.snapshot().Request)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for !pred.Status.IsTerminal() {
		if !p.now().Before(deadline) {
			return nil, fmt.Errorf("%w: prediction %s still %s after %s", models.ErrPollTimeout, pred.ID, pred.Status, p.cfg.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, err := p.touch(ctx, st)
		if err == nil && status != models.JobStatusProcessing {
			if status == models.JobStatusCancelled {
				return nil, errJobCancelled
			}
			return nil, errLeaseLost
		}

		next, err := p.Provider.GetPrediction(ctx, pred.ID)
		if err != nil {
			if models.IsTransient(err) {
				log.Warn("Prediction poll failed, will retry", zap.String("prediction_id", pred.ID), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("failed to poll prediction %s: %w", pred.ID, err)
		}
		pred = next

		percent := generatingPercent(p.now().Sub(started), expected)
		p.progress(ctx, st, models.StageGenerating, percent, string(pred.Status))
	}

	switch pred.Status {
	case models.PredictionSucceeded:
		if pred.Output == "" {
			return nil, fmt.Errorf("%w: prediction %s succeeded without output", models.ErrProviderFailed, pred.ID)
		}
		log.Info("Prediction succeeded", zap.String("prediction_id", pred.ID), zap.Float64("predict_time", pred.Metrics.PredictTime))
		return pred, nil
	case models.PredictionCanceled:
		if status, err := p.touch(ctx, st); err == nil && status == models.JobStatusCancelled {
			return nil, errJobCancelled
		}
		return nil, fmt.Errorf("%w: prediction %s was canceled by provider", models.ErrProviderFailed, pred.ID)
	default:
		msg := pred.ErrorMessage()
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("%w: %s", models.ErrProviderFailed, msg)
	}
}

func (p *Processor) expectedDuration(req models.GenerationRequest) time.Duration {
	spec, ok := p.Provider.Catalog().Lookup(req.Model)
	if !ok {
		return p.cfg.PollTimeout
	}
	return time.Duration(spec.BaseSeconds+spec.SecondsPerVideoSecond*req.Duration) * time.Second
}

// generatingPercent раскладывает прошедшее время по диапазону 25..85.
func generatingPercent(elapsed, expected time.Duration) int {
	lo, hi := models.StageGenerating.Percent(), models.GeneratingMaxPercent
	if expected <= 0 {
		return lo
	}
	pct := lo + int(float64(hi-lo)*float64(elapsed)/float64(expected))
	if pct > hi {
		pct = hi
	}
	if pct < lo {
		pct = lo
	}
	return pct
}

// upload переносит результат в собственное хранилище. Без хранилища остается ссылка провайдера.
func (p *Processor) upload(ctx context.Context, st *jobState, outputURL string, log *zap.Logger) (string, error) {
	p.stage(ctx, st, models.StageUploading, "Uploading video")
	if p.Storage == nil || p.Fetcher == nil {
		return outputURL, nil
	}
	job := st.snapshot()

	body, contentType, err := p.Fetcher.Fetch(ctx, outputURL)
	if err != nil {
		return "", fmt.Errorf("failed to download artifact: %w", err)
	}
	defer body.Close()

	key := fmt.Sprintf("videos/%s/%s%s", job.UserID, job.ID, artifactExt(outputURL))
	url, err := p.Storage.Put(ctx, key, body, contentType)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidKey) {
			return "", err
		}
		return "", fmt.Errorf("%w: failed to store artifact: %w", models.ErrStoreUnavailable, err)
	}
	log.Info("Artifact stored", zap.String("url", url))
	return url, nil
}

func artifactExt(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	switch ext := strings.ToLower(path.Ext(rawURL)); ext {
	case ".mp4", ".webm", ".mov", ".gif":
		return ext
	}
	return ".mp4"
}

// finalize: сначала очередь (отмена имеет приоритет), затем кредиты и запись в БД.
func (p *Processor) finalize(ctx context.Context, st *jobState, videoURL string, log *zap.Logger) error {
	p.stage(ctx, st, models.StageFinalizing, "Finalizing")

	job := st.update(func(j *models.Job) {
		now := p.now().UTC()
		j.VideoURL = videoURL
		j.Stage = models.StageCompleted
		j.Progress = 100
		j.CompletedAt = &now
	})
	ok, err := p.Queue.Complete(ctx, &job)
	if err != nil {
		return err
	}
	if !ok {
		return p.queueConflict(ctx, job)
	}

	settleCtx := context.WithoutCancel(ctx)
	// успешный запуск остается в кэше для одинаковых запросов
	if job.PredictionID != "" {
		p.Provider.ReleasePrediction(settleCtx, job.PredictionID)
	}
	if err := p.Credits.Commit(settleCtx, job.ID); err != nil {
		log.Error("Failed to commit credits", zap.Error(err))
	}
	applied := p.applyTerminal(settleCtx, interfaces.TerminalUpdate{
		ID: job.ID, Status: models.JobStatusCompleted, VideoURL: videoURL, Source: "worker", At: *job.CompletedAt,
	}, log)
	if applied {
		p.Emitter.EmitJobCompleted(settleCtx, job.ID, videoURL)
		p.notify(settleCtx, job, messaging.NotificationStatusSuccess, "", log)
	}
	log.Info("Job completed", zap.String("video_url", videoURL))
	return nil
}

// queueConflict объясняет, почему очередь отказала в переходе.
func (p *Processor) queueConflict(ctx context.Context, job models.Job) error {
	current, err := p.Queue.Get(ctx, job.ID)
	if err == nil && current.Status == models.JobStatusCancelled {
		return errJobCancelled
	}
	return errLeaseLost
}

func (p *Processor) handleCancelled(ctx context.Context, st *jobState, log *zap.Logger) Outcome {
	ctx = context.WithoutCancel(ctx)
	job := st.snapshot()
	p.dropPrediction(ctx, job.PredictionID, log)
	applied := p.applyTerminal(ctx, interfaces.TerminalUpdate{ID: job.ID, Status: models.JobStatusCancelled, Source: "worker"}, log)
	if applied {
		if err := p.Credits.Refund(ctx, job.UserID, job.ID); err != nil {
			log.Error("Failed to refund cancelled job", zap.Error(err))
		}
		p.Emitter.EmitJobCancelled(ctx, job.ID)
		p.notify(ctx, job, messaging.NotificationStatusCancelled, "", log)
	}
	log.Info("Job cancelled")
	return OutcomeCancelled
}

func (p *Processor) handleFailure(ctx context.Context, st *jobState, cause error, log *zap.Logger) Outcome {
	ctx = context.WithoutCancel(ctx)
	job := st.snapshot()
	kind := models.ClassifyError(cause)

	if p.cfg.Retry.ShouldRetry(cause, job.RetryCount) {
		delay := p.cfg.Retry.Delay(job.RetryCount)
		if errors.Is(cause, models.ErrPollTimeout) && job.PredictionID != "" {
			// зависший запуск не продолжаем: следующая попытка создаст новый
			p.dropPrediction(ctx, job.PredictionID, log)
			// вебхук брошенного запуска не должен совпасть с записью генерации
			if err := p.Generations.SetPrediction(ctx, job.ID, ""); err != nil {
				log.Warn("Failed to clear prediction id", zap.Error(err))
			}
		}
		job = st.update(func(j *models.Job) {
			if errors.Is(cause, models.ErrPollTimeout) {
				j.PredictionID = ""
			}
			j.RetryCount++
			j.Error = cause.Error()
		})

		ok, err := p.Queue.Retry(ctx, &job, delay)
		if err != nil {
			// аренда истечет, задачу вернет проверка зависших
			log.Error("Failed to schedule retry", zap.Error(err))
			return OutcomeAbandoned
		}
		if !ok {
			if errors.Is(p.queueConflict(ctx, job), errJobCancelled) {
				return p.handleCancelled(ctx, st, log)
			}
			log.Warn("Lease lost before retry, stale attempt ignored")
			return OutcomeAbandoned
		}

		if err := p.Generations.IncrementRetry(ctx, job.ID); err != nil {
			log.Warn("Failed to persist retry count", zap.Error(err))
		}
		if err := p.Generations.UpdateProgress(ctx, job.ID, models.JobStatusQueued, models.StageQueued, job.Progress); err != nil {
			log.Warn("Failed to persist queued status", zap.Error(err))
		}
		p.Emitter.EmitJobFailed(ctx, job.ID, cause, &delay)
		if p.Metrics != nil {
			p.Metrics.retries.Inc()
		}
		log.Warn("Job attempt failed, retry scheduled",
			zap.String("kind", string(kind)),
			zap.Int("retry_count", job.RetryCount),
			zap.Duration("retry_in", delay),
			zap.Error(cause),
		)
		return OutcomeRetried
	}

	job = st.update(func(j *models.Job) {
		now := p.now().UTC()
		j.Status = models.JobStatusFailed
		j.Error = cause.Error()
		j.CompletedAt = &now
	})
	ok, err := p.Queue.Fail(ctx, &job)
	if err != nil {
		log.Error("Failed to mark job failed in queue", zap.Error(err))
	} else if !ok {
		if errors.Is(p.queueConflict(ctx, job), errJobCancelled) {
			return p.handleCancelled(ctx, st, log)
		}
		log.Warn("Lease lost before failure was recorded, stale attempt ignored")
		return OutcomeAbandoned
	}

	p.failTerminal(ctx, job, cause.Error(), "worker", log)
	log.Error("Job failed", zap.String("kind", string(kind)), zap.Int("retry_count", job.RetryCount), zap.Error(cause))
	return OutcomeFailed
}

// failTerminal записывает failed в БД и, если статус применен впервые, возвращает кредиты и уведомляет.
func (p *Processor) failTerminal(ctx context.Context, job models.Job, reason, source string, log *zap.Logger) {
	p.dropPrediction(ctx, job.PredictionID, log)
	applied := p.applyTerminal(ctx, interfaces.TerminalUpdate{ID: job.ID, Status: models.JobStatusFailed, Error: reason, Source: source}, log)
	if !applied {
		return
	}
	if err := p.Credits.Refund(ctx, job.UserID, job.ID); err != nil {
		log.Error("Failed to refund failed job", zap.Error(err))
	}
	p.Emitter.EmitJobFailed(ctx, job.ID, errors.New(reason), nil)
	p.notify(ctx, job, messaging.NotificationStatusError, reason, log)
}

// dropPrediction убирает запуск из кэша и снимает ссылку задачи на него.
// Отменяет у провайдера только запуск, которым не пользуются другие задачи.
func (p *Processor) dropPrediction(ctx context.Context, predictionID string, log *zap.Logger) {
	if predictionID == "" {
		return
	}
	log = log.With(zap.String("prediction_id", predictionID))
	p.Provider.ForgetPrediction(ctx, predictionID)
	if left := p.Provider.ReleasePrediction(ctx, predictionID); left > 0 {
		log.Info("Prediction shared with other jobs, left running", zap.Int64("refs", left))
		return
	}
	if err := p.Provider.CancelPrediction(ctx, predictionID); err != nil {
		log.Warn("Failed to cancel prediction", zap.Error(err))
	}
}

// applyTerminal возвращает true, если побочные эффекты терминального статуса нужно выполнить.
// Если статус уже применен (webhook, отмена через API), эффекты уже выполнены там.
func (p *Processor) applyTerminal(ctx context.Context, u interfaces.TerminalUpdate, log *zap.Logger) bool {
	err := p.Generations.ApplyTerminal(ctx, u)
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrAlreadyApplied):
		log.Info("Terminal status already applied elsewhere", zap.String("status", string(u.Status)))
		return false
	default:
		// БД недоступна: эффекты все равно выполняем, они идемпотентны
		log.Error("Failed to persist terminal status", zap.String("status", string(u.Status)), zap.Error(err))
		return true
	}
}

// abandon возвращает задачу в очередь без увеличения счетчика повторов (остановка воркера).
func (p *Processor) abandon(ctx context.Context, st *jobState, log *zap.Logger) Outcome {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	job := st.snapshot()
	ok, err := p.Queue.Retry(rctx, &job, 0)
	switch {
	case err != nil:
		log.Warn("Failed to requeue job on shutdown, lease will expire", zap.Error(err))
	case !ok:
		log.Info("Job left the processing state before shutdown requeue")
	default:
		log.Info("Job requeued on shutdown")
	}
	return OutcomeAbandoned
}

func (p *Processor) heartbeat(ctx context.Context, st *jobState, stop <-chan struct{}, onLost func(models.JobStatus)) {
	interval := p.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := p.touch(ctx, st)
			if err != nil {
				continue
			}
			if status != models.JobStatusProcessing {
				onLost(status)
				return
			}
		}
	}
}

// touch сохраняет состояние задачи в очереди и продлевает аренду.
func (p *Processor) touch(ctx context.Context, st *jobState) (models.JobStatus, error) {
	job := st.snapshot()
	status, err := p.Queue.Touch(ctx, &job, p.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Lease extension failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		return "", err
	}
	return status, nil
}

// stage переходит на шаг с его нижней границей процента.
func (p *Processor) stage(ctx context.Context, st *jobState, stage models.Stage, message string) {
	p.progress(ctx, st, stage, stage.Percent(), message)
}

// progress сохраняет и публикует прогресс. Процент никогда не уменьшается.
func (p *Processor) progress(ctx context.Context, st *jobState, stage models.Stage, percent int, message string) {
	job := st.update(func(j *models.Job) {
		if percent < j.Progress {
			percent = j.Progress
		}
		j.Stage = stage
		j.Progress = percent
	})
	if err := p.Generations.UpdateProgress(ctx, job.ID, models.JobStatusProcessing, stage, percent); err != nil {
		p.logger.Warn("Failed to persist progress", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	p.Emitter.EmitJobProgress(ctx, job.ID, percent, stage, message)
}

func (p *Processor) notify(ctx context.Context, job models.Job, status messaging.NotificationStatus, details string, log *zap.Logger) {
	if p.Notifier == nil {
		return
	}
	err := p.Notifier.NotifyTerminal(ctx, messaging.NotificationPayload{
		GenerationID: job.ID.String(),
		UserID:       job.UserID.String(),
		Status:       status,
		VideoURL:     job.VideoURL,
		ErrorDetails: details,
		Model:        job.Request.Model,
		TraceID:      job.TraceID,
	})
	if err != nil {
		log.Warn("Failed to send terminal notification", zap.Error(err))
	}
}
