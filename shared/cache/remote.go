package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss - ключа нет ни в одном уровне (или он истек).
var ErrMiss = errors.New("cache miss")

const scanBatch = 500

// RemoteCache - тонкая обертка над Redis: get/set/delete/increment/TTL.
// Все ключи получают префикс, чтобы несколько окружений могли делить один Redis.
type RemoteCache struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRemoteCache создает удаленный уровень кэша.
func NewRemoteCache(client redis.UniversalClient, prefix string, logger *zap.Logger) *RemoteCache {
	return &RemoteCache{
		client: client,
		prefix: prefix,
		logger: logger.Named("RemoteCache"),
	}
}

func (r *RemoteCache) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Get возвращает значение или ErrMiss.
func (r *RemoteCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set сохраняет значение. ttl <= 0 - без срока жизни.
func (r *RemoteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete удаляет ключи.
func (r *RemoteCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeletePattern удаляет ключи по glob-шаблону через SCAN, пачками. Возвращает число удаленных.
func (r *RemoteCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.key(pattern), scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis del by pattern %s: %w", pattern, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// incrScript увеличивает счетчик и выставляет срок жизни, только если его еще нет.
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return v
`)

// IncrBy атомарно увеличивает счетчик. Если ttl > 0 и у ключа нет срока жизни, выставляет его.
func (r *RemoteCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, r.client, []string{r.key(key)}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return v, nil
}

// Expire меняет срок жизни ключа.
func (r *RemoteCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, r.key(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis expire %s: %w", key, err)
	}
	return ok, nil
}

// TTL возвращает оставшийся срок жизни. ErrMiss, если ключа нет; -1, если срок не задан.
func (r *RemoteCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	if d == -2 {
		return 0, ErrMiss
	}
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

// Clear удаляет все ключи с префиксом кэша.
func (r *RemoteCache) Clear(ctx context.Context) error {
	n, err := r.DeletePattern(ctx, "*")
	if err != nil {
		return err
	}
	r.logger.Info("Remote cache cleared", zap.Int("deleted", n))
	return nil
}

// Ping проверяет соединение.
func (r *RemoteCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
