package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Remote - операции удаленного уровня, которые использует Manager. Реализуется RemoteCache.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Clear(ctx context.Context) error
}

var _ Remote = (*RemoteCache)(nil)

// Config - настройки двухуровневого кэша.
type Config struct {
	LocalMaxEntries int           `envconfig:"CACHE_LOCAL_MAX_ENTRIES" default:"1000"`
	LocalTTL        time.Duration `envconfig:"CACHE_LOCAL_TTL" default:"1m"`
	DefaultTTL      time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"1h"`
	Prefix          string        `envconfig:"CACHE_PREFIX" default:"videogen:cache"`
	JanitorInterval time.Duration `envconfig:"CACHE_JANITOR_INTERVAL" default:"30s"`
}

// Stats - счетчики работы кэша.
type Stats struct {
	LocalHits    int64 `json:"local_hits"`
	RemoteHits   int64 `json:"remote_hits"`
	Misses       int64 `json:"misses"`
	Sets         int64 `json:"sets"`
	RemoteErrors int64 `json:"remote_errors"`
	LocalSize    int   `json:"local_size"`
}

// HitObserver получает уведомления о попаданиях (для метрик). tier: "local", "remote", "miss".
type HitObserver func(tier string)

// Manager объединяет локальный и удаленный уровни в один фасад.
// Удаленный уровень - источник истины между процессами, локальный только ускоряет чтение.
// Ошибки удаленного уровня логируются и превращаются в промах: кэш никогда не ломает основной путь.
type Manager struct {
	local    *LocalCache
	remote   Remote
	cfg      Config
	group    singleflight.Group
	logger   *zap.Logger
	observer HitObserver

	localHits    atomic.Int64
	remoteHits   atomic.Int64
	misses       atomic.Int64
	sets         atomic.Int64
	remoteErrors atomic.Int64
}

// NewManager создает менеджер. remote может быть nil - тогда работает только локальный уровень.
func NewManager(local *LocalCache, remote Remote, cfg Config, logger *zap.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = time.Minute
	}
	return &Manager{
		local:  local,
		remote: remote,
		cfg:    cfg,
		logger: logger.Named("CacheManager"),
	}
}

// SetHitObserver подключает наблюдателя за попаданиями.
func (m *Manager) SetHitObserver(o HitObserver) {
	m.observer = o
}

func (m *Manager) observe(tier string) {
	if m.observer != nil {
		m.observer(tier)
	}
}

func (m *Manager) remoteFailed(op, key string, err error) {
	m.remoteErrors.Add(1)
	m.logger.Warn("Remote cache operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
}

func (m *Manager) localTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > m.cfg.LocalTTL {
		return m.cfg.LocalTTL
	}
	return ttl
}

// Get ищет сначала в локальном уровне, затем в удаленном. Попадание в удаленном
// заполняет локальный уровень. Промах - ErrMiss.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := m.local.Get(key); ok {
		m.localHits.Add(1)
		m.observe("local")
		return v, nil
	}
	if m.remote == nil {
		m.misses.Add(1)
		m.observe("miss")
		return nil, ErrMiss
	}

	v, err := m.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			m.remoteFailed("get", key, err)
		}
		m.misses.Add(1)
		m.observe("miss")
		return nil, ErrMiss
	}

	ttl := m.cfg.LocalTTL
	if remaining, err := m.remote.TTL(ctx, key); err == nil && remaining > 0 {
		ttl = m.localTTL(remaining)
	}
	m.local.Set(key, v, ttl)
	m.remoteHits.Add(1)
	m.observe("remote")
	return v, nil
}

// Set пишет в оба уровня. ttl == 0 - TTL по умолчанию.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	m.SetWithTTL(ctx, key, value, ttl)
}

// SetWithTTL пишет в оба уровня с явным сроком жизни; ttl < 0 - без срока жизни.
func (m *Manager) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.sets.Add(1)
	if ttl < 0 {
		ttl = 0
	}
	m.local.Set(key, value, m.localTTL(ttl))
	if m.remote == nil {
		return
	}
	if err := m.remote.Set(ctx, key, value, ttl); err != nil {
		m.remoteFailed("set", key, err)
	}
}

// Delete удаляет ключи из обоих уровней.
func (m *Manager) Delete(ctx context.Context, keys ...string) {
	for _, k := range keys {
		m.local.Delete(k)
	}
	if m.remote == nil {
		return
	}
	if err := m.remote.Delete(ctx, keys...); err != nil {
		m.remoteFailed("delete", fmt.Sprint(keys), err)
	}
}

// DeletePattern удаляет ключи по glob-шаблону. Возвращает число удаленных в удаленном уровне
// (или в локальном, если удаленного нет).
func (m *Manager) DeletePattern(ctx context.Context, pattern string) int {
	n := m.local.DeletePattern(pattern)
	if m.remote == nil {
		return n
	}
	rn, err := m.remote.DeletePattern(ctx, pattern)
	if err != nil {
		m.remoteFailed("delete_pattern", pattern, err)
		return n
	}
	return rn
}

// Fetcher вычисляет значение при промахе.
type Fetcher func(ctx context.Context) ([]byte, error)

// GetOrSet возвращает закэшированное значение; fetcher вызывается только если оба уровня промахнулись.
// Конкурентные вызовы в одном процессе схлопываются; между процессами fetcher может выполниться
// несколько раз, значения при этом сходятся. Ошибка fetcher не кэшируется.
func (m *Manager) GetOrSet(ctx context.Context, key string, ttl time.Duration, fetch Fetcher) ([]byte, error) {
	if v, err := m.Get(ctx, key); err == nil {
		return v, nil
	}
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// повторная проверка: соседний вызов мог уже заполнить кэш
		if v, ok := m.local.Get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Increment атомарно увеличивает счетчик в удаленном уровне; первое увеличение выставляет ttl.
// Если удаленный уровень недоступен, счет идет локально.
func (m *Manager) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) int64 {
	if m.remote != nil {
		v, err := m.remote.IncrBy(ctx, key, delta, ttl)
		if err == nil {
			return v
		}
		m.remoteFailed("incr", key, err)
	}
	return m.local.Incr(key, delta, ttl)
}

// GetTTL возвращает оставшийся срок жизни ключа (-1 - без срока). ErrMiss, если ключа нет.
func (m *Manager) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	if m.remote != nil {
		d, err := m.remote.TTL(ctx, key)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrMiss) {
			m.remoteFailed("ttl", key, err)
		}
	}
	if d, ok := m.local.TTL(key); ok {
		return d, nil
	}
	return 0, ErrMiss
}

// Clear очищает оба уровня.
func (m *Manager) Clear(ctx context.Context) {
	m.local.Clear()
	if m.remote == nil {
		return
	}
	if err := m.remote.Clear(ctx); err != nil {
		m.remoteFailed("clear", "*", err)
	}
}

// Stats возвращает снимок счетчиков.
func (m *Manager) Stats() Stats {
	return Stats{
		LocalHits:    m.localHits.Load(),
		RemoteHits:   m.remoteHits.Load(),
		Misses:       m.misses.Load(),
		Sets:         m.sets.Load(),
		RemoteErrors: m.remoteErrors.Load(),
		LocalSize:    m.local.Len(),
	}
}

// RunJanitor периодически вычищает истекшие локальные записи до отмены ctx.
func (m *Manager) RunJanitor(ctx context.Context) {
	interval := m.cfg.JanitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.local.PurgeExpired(); n > 0 {
				m.logger.Debug("Purged expired local entries", zap.Int("count", n))
			}
		}
	}
}

// GetJSON читает и декодирует значение.
func GetJSON[T any](ctx context.Context, m *Manager, key string) (T, error) {
	var out T
	raw, err := m.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		m.Delete(ctx, key)
		return out, fmt.Errorf("corrupted cache entry %s: %w", key, err)
	}
	return out, nil
}

// SetJSON кодирует и сохраняет значение.
func SetJSON[T any](ctx context.Context, m *Manager, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value %s: %w", key, err)
	}
	m.Set(ctx, key, raw, ttl)
	return nil
}

// GetOrSetJSON - типизированный GetOrSet.
func GetOrSetJSON[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := m.GetOrSet(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("corrupted cache entry %s: %w", key, err)
	}
	return out, nil
}
