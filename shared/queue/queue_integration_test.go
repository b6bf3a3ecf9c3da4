//go:build integration

package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"videogen-server/shared/models"
	"videogen-server/shared/queue"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// RedisQueueSuite гоняет Lua-скрипты очереди на настоящем Redis.
type RedisQueueSuite struct {
	suite.Suite
	ctx         context.Context
	rdContainer *tcredis.RedisContainer
	client      *redis.Client
	q           *queue.RedisQueue
}

func (s *RedisQueueSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error

	s.rdContainer, err = tcredis.Run(s.ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(1*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start redis container")

	host, err := s.rdContainer.Host(s.ctx)
	require.NoError(s.T(), err)
	port, err := s.rdContainer.MappedPort(s.ctx, "6379/tcp")
	require.NoError(s.T(), err)

	s.client = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(s.T(), s.client.Ping(s.ctx).Err())
	s.q = queue.NewRedisQueue(s.client, queue.Config{Prefix: "it", Retention: time.Hour, MaxStalls: 2}, zap.NewNop())
}

func (s *RedisQueueSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.rdContainer != nil {
		_ = s.rdContainer.Terminate(s.ctx)
	}
}

func (s *RedisQueueSuite) SetupTest() {
	require.NoError(s.T(), s.client.FlushDB(s.ctx).Err())
}

func TestRedisQueueSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(RedisQueueSuite))
}

func (s *RedisQueueSuite) enqueue(tier models.SubscriptionTier) *models.Job {
	req := models.GenerationRequest{Prompt: "a cat surfing", Duration: 5, Model: "wan2", Quality: models.QualityStandard}
	job := models.NewJob(uuid.New(), req, tier, 5, "")
	_, err := s.q.Enqueue(s.ctx, job, tier.Priority())
	require.NoError(s.T(), err)
	return job
}

func (s *RedisQueueSuite) TestPriorityThenFIFO() {
	free1 := s.enqueue(models.TierFree)
	free2 := s.enqueue(models.TierFree)
	enterprise := s.enqueue(models.TierEnterprise)

	var order []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := s.q.Dequeue(s.ctx, time.Minute)
		s.Require().NoError(err)
		s.Require().NotNil(job)
		order = append(order, job.ID)
	}
	s.Equal([]uuid.UUID{enterprise.ID, free1.ID, free2.ID}, order)

	empty, err := s.q.Dequeue(s.ctx, time.Minute)
	s.NoError(err)
	s.Nil(empty)
}

func (s *RedisQueueSuite) TestConcurrentDequeueDeliversOnce() {
	const jobs = 50
	for i := 0; i < jobs; i++ {
		s.enqueue(models.TierBasic)
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.q.Dequeue(s.ctx, time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(seen, jobs)
	for id, n := range seen {
		s.Equal(1, n, "job %s delivered more than once", id)
	}
}

func (s *RedisQueueSuite) TestCancelAndComplete() {
	queued := s.enqueue(models.TierPro)
	running := s.enqueue(models.TierPro)

	res, err := s.q.Cancel(s.ctx, queued.ID)
	s.Require().NoError(err)
	s.Equal(models.JobStatusQueued, res.PreviousStatus)

	job, err := s.q.Dequeue(s.ctx, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(job)
	s.Equal(running.ID, job.ID)

	done, err := s.q.Complete(s.ctx, job)
	s.Require().NoError(err)
	s.True(done)

	_, err = s.q.Cancel(s.ctx, running.ID)
	s.ErrorIs(err, models.ErrJobTerminal)

	stats, err := s.q.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Completed)
	s.Equal(int64(1), stats.Cancelled)
	s.Zero(stats.Waiting)
	s.Zero(stats.Active)
}
