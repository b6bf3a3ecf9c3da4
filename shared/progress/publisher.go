package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"videogen-server/shared/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config - настройки распространения прогресса.
type Config struct {
	ChannelPrefix  string        `envconfig:"PROGRESS_CHANNEL_PREFIX" default:"videogen:progress"`
	SnapshotTTL    time.Duration `envconfig:"PROGRESS_SNAPSHOT_TTL" default:"24h"`
	PublishTimeout time.Duration `envconfig:"PROGRESS_PUBLISH_TIMEOUT" default:"2s"`
}

func (c Config) withDefaults() Config {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "videogen:progress"
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 24 * time.Hour
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// ChannelName - канал pub/sub для событий задачи.
func (c Config) ChannelName(jobID uuid.UUID) string {
	return c.ChannelPrefix + ":job:" + jobID.String()
}

func (c Config) channelPattern() string {
	return c.ChannelPrefix + ":job:*"
}

func (c Config) snapshotKey(jobID uuid.UUID) string {
	return c.ChannelPrefix + ":snapshot:" + jobID.String()
}

func (c Config) seqKey(jobID uuid.UUID) string {
	return c.ChannelPrefix + ":seq:" + jobID.String()
}

// publishScript публикует событие и заменяет снимок, только если номер события больше сохраненного.
// KEYS[1] - снимок; ARGV: seq, событие, ttl снимка (мс), канал.
var publishScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  local ok, snap = pcall(cjson.decode, current)
  if ok and type(snap) == 'table' and tonumber(snap.seq or 0) >= tonumber(ARGV[1]) then
    return redis.call('PUBLISH', ARGV[4], ARGV[2])
  end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return redis.call('PUBLISH', ARGV[4], ARGV[2])
`)

// Emitter - сторона публикации. Ошибки публикации логируются и не возвращаются:
// прогресс - лучшая попытка, состояние задачи хранится в очереди и БД.
type Emitter interface {
	EmitJobQueued(ctx context.Context, jobID uuid.UUID, position int64)
	EmitJobStarted(ctx context.Context, jobID uuid.UUID, attempt int)
	EmitJobProgress(ctx context.Context, jobID uuid.UUID, percent int, stage models.Stage, message string)
	EmitJobCompleted(ctx context.Context, jobID uuid.UUID, videoURL string)
	EmitJobFailed(ctx context.Context, jobID uuid.UUID, cause error, retryIn *time.Duration)
	EmitJobCancelled(ctx context.Context, jobID uuid.UUID)
}

// Publisher пишет событие в канал задачи и сохраняет его как последний снимок.
type Publisher struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

var _ Emitter = (*Publisher)(nil)

// NewPublisher создает издателя.
func NewPublisher(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, cfg: cfg.withDefaults(), logger: logger.Named("ProgressPublisher")}
}

// Publish публикует произвольный вариант события.
func (p *Publisher) Publish(ctx context.Context, jobID uuid.UUID, ev models.Event) error {
	env, err := models.NewEnvelope(jobID, ev)
	if err != nil {
		return err
	}

	// публикация не должна зависеть от отмены контекста задачи: событие cancelled отправляется как раз после нее
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()

	seqKey := p.cfg.seqKey(jobID)
	pipe := p.client.TxPipeline()
	seq := pipe.Incr(pubCtx, seqKey)
	pipe.Expire(pubCtx, seqKey, p.cfg.SnapshotTTL)
	if _, err := pipe.Exec(pubCtx); err != nil {
		return fmt.Errorf("failed to number %s for job %s: %w", ev.Kind(), jobID, err)
	}
	env.Seq = seq.Val()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	err = publishScript.Run(pubCtx, p.client, []string{p.cfg.snapshotKey(jobID)},
		env.Seq, raw, p.cfg.SnapshotTTL.Milliseconds(), p.cfg.ChannelName(jobID)).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s for job %s: %w", ev.Kind(), jobID, err)
	}
	return nil
}

func (p *Publisher) emit(ctx context.Context, jobID uuid.UUID, ev models.Event) {
	if err := p.Publish(ctx, jobID, ev); err != nil {
		p.logger.Warn("Progress event dropped", zap.String("job_id", jobID.String()), zap.String("event", string(ev.Kind())), zap.Error(err))
		return
	}
	p.logger.Debug("Progress event published", zap.String("job_id", jobID.String()), zap.String("event", string(ev.Kind())))
}

func (p *Publisher) EmitJobQueued(ctx context.Context, jobID uuid.UUID, position int64) {
	p.emit(ctx, jobID, models.JobQueued{Position: int(position)})
}

func (p *Publisher) EmitJobStarted(ctx context.Context, jobID uuid.UUID, attempt int) {
	p.emit(ctx, jobID, models.JobStarted{Attempt: attempt})
}

func (p *Publisher) EmitJobProgress(ctx context.Context, jobID uuid.UUID, percent int, stage models.Stage, message string) {
	p.emit(ctx, jobID, models.JobProgress{Percent: percent, Stage: stage, Message: message})
}

func (p *Publisher) EmitJobCompleted(ctx context.Context, jobID uuid.UUID, videoURL string) {
	p.emit(ctx, jobID, models.JobCompleted{VideoURL: videoURL})
}

func (p *Publisher) EmitJobFailed(ctx context.Context, jobID uuid.UUID, cause error, retryIn *time.Duration) {
	ev := models.JobFailed{ErrKind: models.ClassifyError(cause)}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if retryIn != nil {
		msVal := retryIn.Milliseconds()
		ev.RetryIn = &msVal
	}
	p.emit(ctx, jobID, ev)
}

func (p *Publisher) EmitJobCancelled(ctx context.Context, jobID uuid.UUID) {
	p.emit(ctx, jobID, models.JobCancelled{})
}

// Snapshot возвращает последнее опубликованное событие задачи или nil.
func Snapshot(ctx context.Context, client redis.UniversalClient, cfg Config, jobID uuid.UUID) (*models.EventEnvelope, error) {
	cfg = cfg.withDefaults()
	raw, err := client.Get(ctx, cfg.snapshotKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %w", models.ErrStoreUnavailable, err)
	}
	var env models.EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("corrupted snapshot for job %s: %w", jobID, err)
	}
	return &env, nil
}
