package worker

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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reaper периодически возвращает в очередь задачи с истекшей арендой.
// Задачи, зависавшие слишком часто, завершаются с ошибкой и возвратом кредитов.
type Reaper struct {
	queue       JobQueue
	generations interfaces.GenerationRepository
	credits     Credits
	emitter     progress.Emitter
	notifier    messaging.Notifier
	metrics     *Metrics
	interval    time.Duration
	timeout     time.Duration
	cron        *cron.Cron
	logger      *zap.Logger
}

// NewReaper создает планировщик проверки. notifier и metrics могут быть nil.
func NewReaper(q JobQueue, generations interfaces.GenerationRepository, credits Credits, emitter progress.Emitter,
	notifier messaging.Notifier, metrics *Metrics, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger = logger.Named("Reaper")
	return &Reaper{
		queue:       q,
		generations: generations,
		credits:     credits,
		emitter:     emitter,
		notifier:    notifier,
		metrics:     metrics,
		interval:    interval,
		timeout:     interval,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()}))),
		logger:      logger,
	}
}

// Start регистрирует периодическую проверку и запускает планировщик.
func (r *Reaper) Start() error {
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return fmt.Errorf("failed to schedule stalled job check: %w", err)
	}
	r.cron.Start()
	r.logger.Info("Stalled job check scheduled", zap.Duration("interval", r.interval))
	return nil
}

// Stop останавливает планировщик. Контекст завершается, когда текущая проверка закончена.
func (r *Reaper) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Reaper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("Stalled job check failed", zap.Error(err))
	}
}

// Sweep выполняет одну проверку.
func (r *Reaper) Sweep(ctx context.Context) (queue.StallSweep, error) {
	sweep, err := r.queue.RequeueStalled(ctx)
	if err != nil {
		return sweep, err
	}

	for _, id := range sweep.Requeued {
		r.logger.Warn("Stalled job requeued", zap.String("job_id", id.String()))
		if err := r.generations.UpdateProgress(ctx, id, models.JobStatusQueued, models.StageQueued, 0); err != nil {
			r.logger.Warn("Failed to persist requeued status", zap.String("job_id", id.String()), zap.Error(err))
		}
		pos, err := r.queue.Position(ctx, id)
		if err != nil {
			pos = -1
		}
		r.emitter.EmitJobQueued(ctx, id, pos)
		if r.metrics != nil {
			r.metrics.stalled.WithLabelValues("requeued").Inc()
		}
	}

	for _, id := range sweep.Failed {
		r.failStalled(ctx, id)
		if r.metrics != nil {
			r.metrics.stalled.WithLabelValues("failed").Inc()
		}
	}

	if n := len(sweep.Requeued) + len(sweep.Failed); n > 0 {
		r.logger.Info("Stalled job check finished", zap.Int("requeued", len(sweep.Requeued)), zap.Int("failed", len(sweep.Failed)))
	}
	return sweep, nil
}

func (r *Reaper) failStalled(ctx context.Context, id uuid.UUID) {
	log := r.logger.With(zap.String("job_id", id.String()))
	const reason = "job stalled too many times"

	err := r.generations.ApplyTerminal(ctx, interfaces.TerminalUpdate{
		ID: id, Status: models.JobStatusFailed, Error: reason, Source: "reaper", At: time.Now().UTC(),
	})
	if errors.Is(err, models.ErrAlreadyApplied) {
		log.Info("Stalled job already finalized")
		return
	}
	if err != nil {
		log.Error("Failed to persist stalled failure", zap.Error(err))
	}

	job, err := r.queue.Get(ctx, id)
	if err != nil {
		log.Error("Stalled job vanished from queue, credits not refunded", zap.Error(err))
		r.emitter.EmitJobFailed(ctx, id, errors.New(reason), nil)
		return
	}
	if err := r.credits.Refund(ctx, job.UserID, id); err != nil {
		log.Error("Failed to refund stalled job", zap.Error(err))
	}
	r.emitter.EmitJobFailed(ctx, id, errors.New(reason), nil)
	if r.notifier != nil {
		err := r.notifier.NotifyTerminal(ctx, messaging.NotificationPayload{
			GenerationID: id.String(),
			UserID:       job.UserID.String(),
			Status:       messaging.NotificationStatusError,
			ErrorDetails: reason,
			Model:        job.Request.Model,
			TraceID:      job.TraceID,
		})
		if err != nil {
			log.Warn("Failed to send terminal notification", zap.Error(err))
		}
	}
	log.Error("Stalled job failed", zap.Int("stalls", job.StallCount))
}

// cronLogger передает сообщения планировщика в zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
