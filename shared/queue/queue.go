package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"videogen-server/shared/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// priorityStride разделяет уровни приоритета в score: score = priority*stride + seq.
// Внутри одного приоритета порядок задает seq, то есть порядок постановки.
const priorityStride = 1e13

// Config - настройки очереди.
type Config struct {
	Prefix          string        `envconfig:"QUEUE_PREFIX" default:"videogen:queue"`
	Retention       time.Duration `envconfig:"QUEUE_RETENTION" default:"168h"` // сколько хранить завершенные задачи
	MaxStalls       int           `envconfig:"QUEUE_MAX_STALLS" default:"2"`
	DefaultPriority int           `envconfig:"QUEUE_DEFAULT_PRIORITY" default:"10"`
}

// Handle возвращается при постановке в очередь.
type Handle struct {
	ID       uuid.UUID `json:"id"`
	Position int64     `json:"position"` // 0 - следующая на выдачу
}

// Stats - размеры корзин очереди.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Cancelled int64 `json:"cancelled"`
	Paused    bool  `json:"paused"`
}

// CancelResult сообщает, в каком статусе задача была отменена.
type CancelResult struct {
	PreviousStatus models.JobStatus
}

// StallSweep - итог прохода по просроченным арендам.
type StallSweep struct {
	Requeued []uuid.UUID
	Failed   []uuid.UUID
}

// RedisQueue - приоритетная очередь задач в Redis.
// Любая ошибка хранилища возвращается как models.ErrStoreUnavailable, задача при этом не теряется.
type RedisQueue struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisQueue создает очередь.
func NewRedisQueue(client redis.UniversalClient, cfg Config, logger *zap.Logger) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "videogen:queue"
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = models.TierFree.Priority()
	}
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		logger: logger.Named("JobQueue"),
		now:    time.Now,
	}
}

func (q *RedisQueue) key(parts ...string) string {
	return q.cfg.Prefix + ":" + strings.Join(parts, ":")
}

func (q *RedisQueue) jobKey(id uuid.UUID) string { return q.key("job", id.String()) }
func (q *RedisQueue) jobPrefix() string          { return q.key("job") + ":" }
func (q *RedisQueue) waitingKey() string         { return q.key("waiting") }
func (q *RedisQueue) activeKey() string          { return q.key("active") }
func (q *RedisQueue) delayedKey() string         { return q.key("delayed") }
func (q *RedisQueue) pausedKey() string          { return q.key("paused") }
func (q *RedisQueue) seqKey() string             { return q.key("seq") }
func (q *RedisQueue) counterKey(status models.JobStatus) string {
	return q.key("count", string(status))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStoreUnavailable, op, err)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func (q *RedisQueue) nextScore(ctx context.Context, priority int) (string, error) {
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", err
	}
	return formatScore(float64(priority)*priorityStride + float64(seq)), nil
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue сохраняет задачу и ставит ее в очередь с приоритетом (меньше - раньше).
func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job, priority int) (Handle, error) {
	if priority <= 0 {
		priority = q.cfg.DefaultPriority
	}
	job.Priority = priority
	job.Status = models.JobStatusQueued
	job.Stage = models.StageQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	score, err := q.nextScore(ctx, priority)
	if err != nil {
		return Handle{}, unavailable("enqueue", err)
	}

	pos, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.waitingKey()},
		data, priority, score, job.UserID.String(), job.ID.String(),
	).Int64()
	if err != nil {
		return Handle{}, unavailable("enqueue", err)
	}
	if pos < 0 {
		return Handle{}, fmt.Errorf("job %s already enqueued", job.ID)
	}

	q.logger.Info("Job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("trace_id", job.TraceID),
		zap.Int("priority", priority),
		zap.Int64("position", pos),
	)
	return Handle{ID: job.ID, Position: pos}, nil
}

// Get возвращает текущее состояние задачи или models.ErrJobNotFound.
func (q *RedisQueue) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return decodeJob(fields["data"], fields["status"], fields["stalls"])
}

func decodeJob(data, status, stalls string) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("corrupted job record: %w", err)
	}
	// статус в отдельном поле - источник истины, его меняют Lua-скрипты
	if status != "" {
		job.Status = models.JobStatus(status)
	}
	if n, err := strconv.Atoi(stalls); err == nil {
		job.StallCount = n
	}
	return &job, nil
}

// Position возвращает место задачи среди ожидающих (0 - первая). -1, если задача не ожидает.
func (q *RedisQueue) Position(ctx context.Context, id uuid.UUID) (int64, error) {
	pos, err := q.client.ZRank(ctx, q.waitingKey(), id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, unavailable("position", err)
	}
	return pos, nil
}

// Cancel отменяет задачу в статусе queued или processing.
// Для завершенной задачи возвращает models.ErrJobTerminal и ничего не меняет.
func (q *RedisQueue) Cancel(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	res, err := cancelScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.waitingKey(), q.activeKey(), q.delayedKey(), q.counterKey(models.JobStatusCancelled)},
		id.String(),
	).Text()
	if err != nil {
		return CancelResult{}, unavailable("cancel", err)
	}

	switch {
	case res == "missing":
		return CancelResult{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	case strings.HasPrefix(res, "terminal:"):
		return CancelResult{}, fmt.Errorf("%w: %s is %s", models.ErrJobTerminal, id, strings.TrimPrefix(res, "terminal:"))
	}

	prev := models.JobStatus(strings.TrimPrefix(res, "ok:"))
	q.logger.Info("Job cancelled", zap.String("job_id", id.String()), zap.String("previous_status", string(prev)))
	return CancelResult{PreviousStatus: prev}, nil
}

// Pause останавливает выдачу задач, очередь при этом сохраняется.
func (q *RedisQueue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.pausedKey(), "1", 0).Err(); err != nil {
		return unavailable("pause", err)
	}
	q.logger.Warn("Queue paused")
	return nil
}

// Resume возобновляет выдачу задач.
func (q *RedisQueue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.pausedKey()).Err(); err != nil {
		return unavailable("resume", err)
	}
	q.logger.Info("Queue resumed")
	return nil
}

// Stats возвращает размеры корзин и признак паузы.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey())
	active := pipe.ZCard(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.Get(ctx, q.counterKey(models.JobStatusCompleted))
	failed := pipe.Get(ctx, q.counterKey(models.JobStatusFailed))
	cancelled := pipe.Get(ctx, q.counterKey(models.JobStatusCancelled))
	paused := pipe.Exists(ctx, q.pausedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, unavailable("stats", err)
	}

	counter := func(cmd *redis.StringCmd) int64 {
		n, _ := cmd.Int64()
		return n
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: counter(completed),
		Failed:    counter(failed),
		Cancelled: counter(cancelled),
		Paused:    paused.Val() == 1,
	}, nil
}

// Dequeue выдает задачу с наименьшим score и берет ее в аренду до now+lease.
// Возвращает nil, nil, если очередь пуста или на паузе.
func (q *RedisQueue) Dequeue(ctx context.Context, lease time.Duration) (*models.Job, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.waitingKey(), q.activeKey(), q.delayedKey(), q.pausedKey()},
		ms(now), ms(now.Add(lease)), q.jobPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected dequeue reply of %d elements", len(res))
	}

	data, _ := res[1].(string)
	stalls, _ := res[2].(string)
	job, err := decodeJob(data, string(models.JobStatusProcessing), stalls)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatusProcessing
	return job, nil
}

// Touch сохраняет состояние задачи (прогресс, prediction id) и продлевает аренду.
// Возвращает текущий статус: по нему воркер узнает об отмене между опросами.
func (q *RedisQueue) Touch(ctx context.Context, job *models.Job, lease time.Duration) (models.JobStatus, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	st, err := touchScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey()},
		job.ID.String(), string(data), ms(q.now().Add(lease)),
	).Text()
	if err != nil {
		return "", unavailable("touch", err)
	}
	if st == "missing" {
		return "", fmt.Errorf("%w: %s", models.ErrJobNotFound, job.ID)
	}
	return models.JobStatus(st), nil
}

// Status возвращает только статус задачи.
func (q *RedisQueue) Status(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	st, err := q.client.HGet(ctx, q.jobKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return "", unavailable("status", err)
	}
	return models.JobStatus(st), nil
}

// Complete переводит задачу из processing в completed. false - задачу успели отменить.
func (q *RedisQueue) Complete(ctx context.Context, job *models.Job) (bool, error) {
	return q.finish(ctx, job, models.JobStatusCompleted)
}

// Fail переводит задачу из processing в failed. false - задачу успели отменить.
func (q *RedisQueue) Fail(ctx context.Context, job *models.Job) (bool, error) {
	return q.finish(ctx, job, models.JobStatusFailed)
}

func (q *RedisQueue) finish(ctx context.Context, job *models.Job, status models.JobStatus) (bool, error) {
	job.Status = status
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	ok, err := finishScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey(), q.counterKey(status)},
		job.ID.String(), string(status), data, q.cfg.Retention.Milliseconds(),
	).Int()
	if err != nil {
		return false, unavailable(string(status), err)
	}
	return ok == 1, nil
}

// Retry возвращает задачу в очередь через delay, сохраняя ее приоритет. Место в очереди
// выдается заново: повтор встает за задачами того же приоритета.
func (q *RedisQueue) Retry(ctx context.Context, job *models.Job, delay time.Duration) (bool, error) {
	job.Status = models.JobStatusQueued
	job.Stage = models.StageQueued
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	score, err := q.nextScore(ctx, job.Priority)
	if err != nil {
		return false, unavailable("retry", err)
	}
	ok, err := retryScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey(), q.delayedKey()},
		job.ID.String(), string(data), score, ms(q.now().Add(delay)),
	).Int()
	if err != nil {
		return false, unavailable("retry", err)
	}
	return ok == 1, nil
}

// RequeueStalled возвращает в очередь задачи с истекшей арендой. Задача, зависавшая
// больше MaxStalls раз, переводится в failed.
func (q *RedisQueue) RequeueStalled(ctx context.Context) (StallSweep, error) {
	res, err := requeueStalledScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitingKey(), q.counterKey(models.JobStatusFailed)},
		ms(q.now()), q.jobPrefix(), q.cfg.MaxStalls,
	).Slice()
	if err != nil {
		return StallSweep{}, unavailable("requeue_stalled", err)
	}

	var sweep StallSweep
	if len(res) == 2 {
		sweep.Requeued = parseIDs(res[0])
		sweep.Failed = parseIDs(res[1])
	}
	if len(sweep.Requeued)+len(sweep.Failed) > 0 {
		q.logger.Warn("Stalled jobs swept",
			zap.Int("requeued", len(sweep.Requeued)),
			zap.Int("failed", len(sweep.Failed)),
		)
	}
	return sweep, nil
}

func parseIDs(v interface{}) []uuid.UUID {
	items, _ := v.([]interface{})
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		s, _ := it.(string)
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
