package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"videogen-server/shared/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OwnershipChecker возвращает владельца задачи или models.ErrJobNotFound.
type OwnershipChecker interface {
	JobOwner(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error)
}

// Authorize проверяет, что userID владеет задачей jobID.
func Authorize(ctx context.Context, checker OwnershipChecker, userID, jobID uuid.UUID) error {
	owner, err := checker.JobOwner(ctx, jobID)
	if err != nil {
		return err
	}
	if owner != userID {
		return fmt.Errorf("%w: job %s belongs to another user", models.ErrForbidden, jobID)
	}
	return nil
}

// Listener получает события всех задач одной подпиской по шаблону.
// Доставка не более одного раза: пропущенные при разрыве события не повторяются,
// клиент при переподписке получает снимок.
type Listener struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

// NewListener создает слушателя.
func NewListener(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Listener {
	return &Listener{client: client, cfg: cfg.withDefaults(), logger: logger.Named("ProgressListener")}
}

// Snapshot возвращает последнее событие задачи или nil.
func (l *Listener) Snapshot(ctx context.Context, jobID uuid.UUID) (*models.EventEnvelope, error) {
	return Snapshot(ctx, l.client, l.cfg, jobID)
}

// Listen блокируется до отмены ctx, вызывая handler для каждого события.
// ready (если не nil) закрывается после подтверждения подписки.
func (l *Listener) Listen(ctx context.Context, ready chan<- struct{}, handler func(models.EventEnvelope)) error {
	pubsub := l.client.PSubscribe(ctx, l.cfg.channelPattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to progress channels: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	l.logger.Info("Listening for progress events", zap.String("pattern", l.cfg.channelPattern()))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("progress subscription channel closed")
			}
			var env models.EventEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				l.logger.Warn("Malformed progress event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handler(env)
		}
	}
}

// QueueOwnership проверяет владельца по записи задачи в очереди.
type QueueOwnership struct {
	Getter interface {
		Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	}
}

// JobOwner реализует OwnershipChecker.
func (q QueueOwnership) JobOwner(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	job, err := q.Getter.Get(ctx, jobID)
	if err != nil {
		return uuid.Nil, err
	}
	return job.UserID, nil
}
