package progress

import (
	"context"
	"sync"

	"videogen-server/shared/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriptionBuffer = 64

// Subscriber раздает события из одной подписки Listener'а локальным подписчикам по id задачи.
type Subscriber struct {
	listener *Listener
	logger   *zap.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*Subscription]struct{}
}

// NewSubscriber создает раздатчик поверх Listener.
func NewSubscriber(listener *Listener, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		listener: listener,
		logger:   logger.Named("ProgressSubscriber"),
		subs:     make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Run слушает канал событий до отмены ctx.
func (s *Subscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	return s.listener.Listen(ctx, ready, s.dispatch)
}

func (s *Subscriber) dispatch(env models.EventEnvelope) {
	s.mu.RLock()
	targets := make([]*Subscription, 0, len(s.subs[env.GenerationID]))
	for sub := range s.subs[env.GenerationID] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(env) {
			s.logger.Warn("Subscriber is too slow, event dropped",
				zap.String("job_id", env.GenerationID.String()), zap.String("event", string(env.Event)))
		}
	}
}

// Subscribe проверяет владельца и регистрирует подписку. Первым событием
// приходит снимок (если он есть), затем события в реальном времени.
func (s *Subscriber) Subscribe(ctx context.Context, userID, jobID uuid.UUID, checker OwnershipChecker) (*Subscription, error) {
	if err := Authorize(ctx, checker, userID, jobID); err != nil {
		return nil, err
	}

	sub := &Subscription{
		jobID:  jobID,
		ch:     make(chan models.EventEnvelope, subscriptionBuffer),
		parent: s,
	}
	// регистрация до чтения снимка: события, пришедшие во время чтения, копятся в pending
	s.mu.Lock()
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[*Subscription]struct{})
	}
	s.subs[jobID][sub] = struct{}{}
	s.mu.Unlock()

	snap, err := s.listener.Snapshot(ctx, jobID)
	if err != nil {
		s.logger.Warn("Failed to load progress snapshot", zap.String("job_id", jobID.String()), zap.Error(err))
	}
	sub.start(snap)
	return sub, nil
}

func (s *Subscriber) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subs[sub.jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, sub.jobID)
		}
	}
}

// Subscription - подписка одного клиента на одну задачу.
type Subscription struct {
	jobID  uuid.UUID
	ch     chan models.EventEnvelope
	parent *Subscriber

	mu      sync.Mutex
	started bool
	pending []models.EventEnvelope
	since   int64 // номер события из снимка
	closed  bool
}

// JobID возвращает id задачи подписки.
func (s *Subscription) JobID() uuid.UUID { return s.jobID }

// C - канал событий. Закрывается после Close.
func (s *Subscription) C() <-chan models.EventEnvelope { return s.ch }

// start отдает снимок и события, накопленные, пока он читался.
func (s *Subscription) start(snap *models.EventEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if snap != nil {
		s.since = snap.Seq
		s.ch <- *snap
	}
	for _, env := range s.pending {
		s.send(env)
	}
	s.pending = nil
	s.started = true
}

func (s *Subscription) deliver(env models.EventEnvelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if !s.started {
		if len(s.pending) >= subscriptionBuffer {
			return false
		}
		s.pending = append(s.pending, env)
		return true
	}
	return s.send(env)
}

// send вызывается под s.mu.
func (s *Subscription) send(env models.EventEnvelope) bool {
	// событие уже отдано снимком
	if env.Seq != 0 && env.Seq <= s.since {
		return true
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

// Close отписывает клиента. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.parent.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.pending = nil
		close(s.ch)
	}
}
