package worker

import (
	"context"
	"time"

	"videogen-server/shared/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// PoolConfig - настройки пула воркеров.
type PoolConfig struct {
	Concurrency   int
	LeaseDuration time.Duration
	// IdleWait - пауза, когда очередь пуста или на паузе
	IdleWait time.Duration
	// ErrorBackoff - пауза после ошибки хранилища очереди
	ErrorBackoff time.Duration
}

// JobRunner выполняет одну задачу. Реализуется Processor.
type JobRunner interface {
	Process(ctx context.Context, job *models.Job) Outcome
}

// Pool выбирает задачи из очереди и выполняет не больше Concurrency одновременно.
type Pool struct {
	queue   JobQueue
	runner  JobRunner
	rate    *RateWindow
	metrics *Metrics
	cfg     PoolConfig
	logger  *zap.Logger
}

// NewPool создает пул. rate и metrics могут быть nil.
func NewPool(q JobQueue, runner JobRunner, rate *RateWindow, metrics *Metrics, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Pool{queue: q, runner: runner, rate: rate, metrics: metrics, cfg: cfg, logger: logger.Named("Pool")}
}

// Run работает до отмены ctx и ждет завершения запущенных задач.
// Задачи получают тот же ctx: при остановке они возвращаются в очередь.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Worker pool started", zap.Int("concurrency", p.cfg.Concurrency))
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var g errgroup.Group

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		if ok, wait := p.rate.Admit(ctx); !ok {
			sem.Release(1)
			if p.metrics != nil {
				p.metrics.rateThrottled.Inc()
			}
			p.logger.Debug("Rate window exhausted", zap.Duration("wait", wait))
			if !sleep(ctx, wait) {
				break
			}
			continue
		}

		job, err := p.queue.Dequeue(ctx, p.cfg.LeaseDuration)
		if err != nil {
			sem.Release(1)
			p.rate.Undo(ctx)
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("Failed to dequeue job", zap.Error(err))
			if !sleep(ctx, p.cfg.ErrorBackoff) {
				break
			}
			continue
		}
		if job == nil {
			sem.Release(1)
			p.rate.Undo(ctx)
			if !sleep(ctx, p.cfg.IdleWait) {
				break
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.active.Inc()
		}
		g.Go(func() error {
			defer sem.Release(1)
			if p.metrics != nil {
				defer p.metrics.active.Dec()
			}
			p.runner.Process(ctx, job)
			return nil
		})
	}

	p.logger.Info("Worker pool stopping, waiting for running jobs")
	err := g.Wait()
	p.logger.Info("Worker pool stopped")
	return err
}

// sleep ждет d или отмены ctx. false - ctx отменен.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
