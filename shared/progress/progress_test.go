package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"videogen-server/shared/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type collector struct {
	mu     sync.Mutex
	events []models.EventEnvelope
}

func (c *collector) add(env models.EventEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, env)
}

func (c *collector) at(i int) models.EventEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[i]
}

func (c *collector) kinds() []models.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventKind, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Event)
	}
	return out
}

func startListener(t *testing.T, client *redis.Client, c *collector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	l := NewListener(client, Config{}, zap.NewNop())
	go func() { _ = l.Listen(ctx, ready, c.add) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not subscribe")
	}
	return cancel
}

func TestPublishFanOutToAllListeners(t *testing.T) {
	_, client := setup(t)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	jobID := uuid.New()

	var a, b collector
	defer startListener(t, client, &a)()
	defer startListener(t, client, &b)()

	ctx := context.Background()
	pub.EmitJobStarted(ctx, jobID, 1)
	pub.EmitJobProgress(ctx, jobID, 50, models.StageGenerating, "")
	pub.EmitJobCompleted(ctx, jobID, "https://cdn.example.com/v.mp4")

	want := []models.EventKind{models.EventJobStarted, models.EventJobProgress, models.EventJobCompleted}
	for _, c := range []*collector{&a, &b} {
		assert.Eventually(t, func() bool { return len(c.kinds()) == 3 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, want, c.kinds())
	}

	ev, err := a.at(2).Decode()
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted{VideoURL: "https://cdn.example.com/v.mp4"}, ev)
}

func TestSnapshotKeepsLatestEvent(t *testing.T) {
	mr, client := setup(t)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	jobID := uuid.New()
	ctx := context.Background()

	snap, err := Snapshot(ctx, client, Config{}, jobID)
	require.NoError(t, err)
	assert.Nil(t, snap)

	pub.EmitJobQueued(ctx, jobID, 3)
	retry := 2 * time.Second
	pub.EmitJobFailed(ctx, jobID, models.ErrPollTimeout, &retry)

	snap, err = Snapshot(ctx, client, Config{}, jobID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	ev, err := snap.Decode()
	require.NoError(t, err)
	failed, ok := ev.(models.JobFailed)
	require.True(t, ok)
	assert.Equal(t, models.ErrorKindTransient, failed.ErrKind)
	require.NotNil(t, failed.RetryIn)
	assert.EqualValues(t, 2000, *failed.RetryIn)

	mr.FastForward(25 * time.Hour)
	snap, err = Snapshot(ctx, client, Config{}, jobID)
	require.NoError(t, err)
	assert.Nil(t, snap, "snapshot expires after its TTL")
}

func TestPublishSurvivesCancelledContext(t *testing.T) {
	_, client := setup(t)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	jobID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.EmitJobCancelled(ctx, jobID)

	snap, err := Snapshot(context.Background(), client, Config{}, jobID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, models.EventJobCancelled, snap.Event)
}

func TestPublishErrorIsSwallowed(t *testing.T) {
	mr, client := setup(t)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	mr.Close()

	assert.NotPanics(t, func() { pub.EmitJobQueued(context.Background(), uuid.New(), 1) })
	assert.Error(t, pub.Publish(context.Background(), uuid.New(), models.JobQueued{}))
}

type ownerMap map[uuid.UUID]uuid.UUID

func (m ownerMap) JobOwner(_ context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	owner, ok := m[jobID]
	if !ok {
		return uuid.Nil, models.ErrJobNotFound
	}
	return owner, nil
}

func TestAuthorize(t *testing.T) {
	owner, stranger, jobID := uuid.New(), uuid.New(), uuid.New()
	checker := ownerMap{jobID: owner}
	ctx := context.Background()

	assert.NoError(t, Authorize(ctx, checker, owner, jobID))
	assert.True(t, errors.Is(Authorize(ctx, checker, stranger, jobID), models.ErrForbidden))
	assert.True(t, errors.Is(Authorize(ctx, checker, owner, uuid.New()), models.ErrJobNotFound))
}

func startSubscriber(t *testing.T, client *redis.Client) *Subscriber {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewSubscriber(NewListener(client, Config{}, zap.NewNop()), zap.NewNop())
	ready := make(chan struct{})
	go func() { _ = s.Run(ctx, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not start")
	}
	return s
}

func next(t *testing.T, sub *Subscription) models.EventEnvelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return models.EventEnvelope{}
}

func TestSubscribe_TwoClientsReceiveCompleted(t *testing.T) {
	_, client := setup(t)
	s := startSubscriber(t, client)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	owner, jobID := uuid.New(), uuid.New()
	checker := ownerMap{jobID: owner}
	ctx := context.Background()

	first, err := s.Subscribe(ctx, owner, jobID, checker)
	require.NoError(t, err)
	defer first.Close()
	second, err := s.Subscribe(ctx, owner, jobID, checker)
	require.NoError(t, err)
	defer second.Close()

	pub.EmitJobCompleted(ctx, jobID, "https://cdn.example.com/v.mp4")

	assert.Equal(t, models.EventJobCompleted, next(t, first).Event)
	assert.Equal(t, models.EventJobCompleted, next(t, second).Event)
}

func TestSubscribe_LateSubscriberGetsSnapshot(t *testing.T) {
	_, client := setup(t)
	s := startSubscriber(t, client)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	owner, jobID := uuid.New(), uuid.New()
	ctx := context.Background()

	pub.EmitJobProgress(ctx, jobID, 40, models.StageGenerating, "")
	pub.EmitJobCompleted(ctx, jobID, "https://cdn.example.com/v.mp4")

	sub, err := s.Subscribe(ctx, owner, jobID, ownerMap{jobID: owner})
	require.NoError(t, err)
	defer sub.Close()

	env := next(t, sub)
	assert.Equal(t, models.EventJobCompleted, env.Event)
	assert.Equal(t, jobID, env.GenerationID)
}

func TestSubscribe_RejectsForeignJob(t *testing.T) {
	_, client := setup(t)
	s := startSubscriber(t, client)
	owner, jobID := uuid.New(), uuid.New()

	_, err := s.Subscribe(context.Background(), uuid.New(), jobID, ownerMap{jobID: owner})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = s.Subscribe(context.Background(), owner, uuid.New(), ownerMap{jobID: owner})
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	_, client := setup(t)
	s := startSubscriber(t, client)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	owner, jobID := uuid.New(), uuid.New()

	sub, err := s.Subscribe(context.Background(), owner, jobID, ownerMap{jobID: owner})
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	pub.EmitJobCancelled(context.Background(), jobID)
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestPublishNumbersEventsPerJob(t *testing.T) {
	_, client := setup(t)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	jobID, other := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, jobID, models.JobStarted{Attempt: 1}))
	require.NoError(t, pub.Publish(ctx, other, models.JobStarted{Attempt: 1}))
	require.NoError(t, pub.Publish(ctx, jobID, models.JobProgress{Percent: 30, Stage: models.StageGenerating}))

	snap, err := Snapshot(ctx, client, Config{}, jobID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 2, snap.Seq)

	snap, err = Snapshot(ctx, client, Config{}, other)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 1, snap.Seq)
}

func TestSubscription_DedupesBySequenceNotClock(t *testing.T) {
	jobID := uuid.New()
	sub := &Subscription{
		jobID:  jobID,
		ch:     make(chan models.EventEnvelope, subscriptionBuffer),
		parent: &Subscriber{subs: make(map[uuid.UUID]map[*Subscription]struct{})},
	}
	now := time.Now().UTC()

	// события, пришедшие пока читается снимок
	assert.True(t, sub.deliver(models.EventEnvelope{GenerationID: jobID, Event: models.EventJobProgress, Seq: 4, Timestamp: now}))
	assert.True(t, sub.deliver(models.EventEnvelope{GenerationID: jobID, Event: models.EventJobProgress, Seq: 6, Timestamp: now}))
	assert.Empty(t, sub.C(), "nothing is sent before the snapshot")

	sub.start(&models.EventEnvelope{GenerationID: jobID, Event: models.EventJobProgress, Seq: 5, Timestamp: now})

	// часы другого издателя отстают, но номер события новее снимка
	skewed := now.Add(-time.Minute)
	assert.True(t, sub.deliver(models.EventEnvelope{GenerationID: jobID, Event: models.EventJobCompleted, Seq: 7, Timestamp: skewed}))
	assert.True(t, sub.deliver(models.EventEnvelope{GenerationID: jobID, Event: models.EventJobProgress, Seq: 5, Timestamp: now.Add(time.Minute)}))

	var got []int64
	for len(sub.C()) > 0 {
		got = append(got, (<-sub.C()).Seq)
	}
	assert.Equal(t, []int64{5, 6, 7}, got)
}

func TestSubscribe_SnapshotThenLiveEventsInOrder(t *testing.T) {
	_, client := setup(t)
	s := startSubscriber(t, client)
	pub := NewPublisher(client, Config{}, zap.NewNop())
	owner, jobID := uuid.New(), uuid.New()
	ctx := context.Background()

	pub.EmitJobProgress(ctx, jobID, 40, models.StageGenerating, "")

	sub, err := s.Subscribe(ctx, owner, jobID, ownerMap{jobID: owner})
	require.NoError(t, err)
	defer sub.Close()

	snap := next(t, sub)
	assert.EqualValues(t, 1, snap.Seq)

	pub.EmitJobCompleted(ctx, jobID, "https://cdn.example.com/v.mp4")
	live := next(t, sub)
	assert.Equal(t, models.EventJobCompleted, live.Event)
	assert.EqualValues(t, 2, live.Seq)
}
