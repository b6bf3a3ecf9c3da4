package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	local, err := NewLocalCache(16)
	require.NoError(t, err)
	logger := zap.NewNop()
	remote := NewRemoteCache(client, "test", logger)
	return NewManager(local, remote, Config{LocalTTL: time.Minute, DefaultTTL: time.Hour}, logger), mr
}

func TestLocalCache_TTLAndEviction(t *testing.T) {
	c, err := NewLocalCache(2)
	require.NoError(t, err)
	now := time.Now()
	c.clock = func() time.Time { return now }

	c.Set("a", []byte("1"), time.Second)
	c.Set("b", []byte("2"), 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	now = now.Add(2 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "expired entry must be a miss")

	ttl, ok := c.TTL("b")
	require.True(t, ok)
	assert.Equal(t, time.Duration(-1), ttl)

	c.Set("c", []byte("3"), 0)
	c.Set("d", []byte("4"), 0)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry must be evicted")
}

func TestLocalCache_DeletePatternAndIncr(t *testing.T) {
	c, err := NewLocalCache(10)
	require.NoError(t, err)

	c.Set("prediction:1", []byte("x"), 0)
	c.Set("prediction:2", []byte("y"), 0)
	c.Set("other", []byte("z"), 0)
	assert.Equal(t, 2, c.DeletePattern("prediction:*"))
	assert.Equal(t, 1, c.Len())

	assert.EqualValues(t, 1, c.Incr("counter", 1, time.Minute))
	assert.EqualValues(t, 5, c.Incr("counter", 4, time.Minute))
}

func TestManager_GetRepopulatesLocalFromRemote(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	require.NoError(t, mr.Set("test:key", "remote-value"))

	v, err := m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "remote-value", string(v))

	// второй раз значение приходит из локального уровня, даже если удаленный его потерял
	mr.Del("test:key")
	v, err = m.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "remote-value", string(v))

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.RemoteHits)
	assert.EqualValues(t, 1, stats.LocalHits)
}

func TestManager_SetSwallowsRemoteFailure(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	mr.SetError("LOADING redis is loading")
	m.Set(ctx, "key", []byte("value"), time.Minute)

	v, err := m.Get(ctx, "key")
	require.NoError(t, err, "local tier must still serve the value")
	assert.Equal(t, "value", string(v))
	assert.GreaterOrEqual(t, m.Stats().RemoteErrors, int64(1))

	mr.SetError("")
	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestManager_GetOrSet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("V"), nil
	}

	v, err := m.GetOrSet(ctx, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "V", string(v))

	v, err = m.GetOrSet(ctx, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "V", string(v))
	assert.EqualValues(t, 1, calls.Load(), "fetcher must not run on a cache hit")
}

func TestManager_GetOrSetDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	boom := errors.New("boom")
	_, err := m.GetOrSet(ctx, "k", time.Minute, func(context.Context) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	v, err := m.GetOrSet(ctx, "k", time.Minute, func(context.Context) ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", string(v))
}

func TestManager_GetOrSetConcurrentCallersConverge(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.GetOrSet(ctx, "shared", time.Minute, func(context.Context) ([]byte, error) {
				time.Sleep(10 * time.Millisecond)
				return []byte("same"), nil
			})
			if err == nil {
				results[i] = string(v)
			}
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, "same", r)
	}
}

func TestManager_IncrementAndTTL(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	assert.EqualValues(t, 1, m.Increment(ctx, "rl", 1, time.Minute))
	assert.EqualValues(t, 2, m.Increment(ctx, "rl", 1, time.Minute))

	ttl, err := m.GetTTL(ctx, "rl")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	mr.FastForward(2 * time.Minute)
	assert.EqualValues(t, 1, m.Increment(ctx, "rl", 1, time.Minute), "counter restarts after window expiry")

	_, err = m.GetTTL(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestManager_DeletePatternAndClear(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	m.Set(ctx, "prediction:a", []byte("1"), 0)
	m.Set(ctx, "prediction:b", []byte("2"), 0)
	m.Set(ctx, "user:1", []byte("3"), 0)

	assert.Equal(t, 2, m.DeletePattern(ctx, "prediction:*"))
	_, err := m.Get(ctx, "prediction:a")
	assert.ErrorIs(t, err, ErrMiss)
	assert.True(t, mr.Exists("test:user:1"))

	m.Clear(ctx)
	assert.False(t, mr.Exists("test:user:1"))
	assert.Equal(t, 0, m.Stats().LocalSize)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	type payload struct {
		ID string `json:"id"`
	}
	require.NoError(t, SetJSON(ctx, m, "p", payload{ID: "x"}, time.Minute))
	got, err := GetJSON[payload](ctx, m, "p")
	require.NoError(t, err)
	assert.Equal(t, "x", got.ID)

	calls := 0
	v, err := GetOrSetJSON(ctx, m, "q", time.Minute, func(context.Context) (payload, error) {
		calls++
		return payload{ID: "y"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "y", v.ID)
	_, err = GetOrSetJSON(ctx, m, "q", time.Minute, func(context.Context) (payload, error) {
		calls++
		return payload{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
