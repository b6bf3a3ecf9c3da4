package cache

import (
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time // zero - без срока жизни
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// LocalCache - ограниченный по размеру in-process кэш с TTL на запись.
// При переполнении вытесняется давно не использованная запись, истекшие записи считаются промахом.
type LocalCache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, localEntry]
	clock func() time.Time
}

// NewLocalCache создает локальный уровень на maxEntries записей.
func NewLocalCache(maxEntries int) (*LocalCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	l, err := simplelru.NewLRU[string, localEntry](maxEntries, nil)
	if err != nil {
		return nil, err
	}
	return &LocalCache{lru: l, clock: time.Now}, nil
}

// Get возвращает значение, если оно есть и не истекло.
func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.expired(c.clock()) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set сохраняет значение. ttl <= 0 - без срока жизни.
func (c *LocalCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, c.entry(value, ttl))
}

func (c *LocalCache) entry(value []byte, ttl time.Duration) localEntry {
	e := localEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.clock().Add(ttl)
	}
	return e
}

// Delete удаляет ключ.
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// DeletePattern удаляет ключи, подходящие под glob-шаблон (синтаксис path.Match).
func (c *LocalCache) DeletePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	deleted := 0
	for _, k := range c.lru.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			c.lru.Remove(k)
			deleted++
		}
	}
	return deleted
}

// Incr увеличивает числовое значение. Истекший или отсутствующий ключ начинается с нуля и получает ttl.
func (c *LocalCache) Incr(key string, delta int64, ttl time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	var current int64
	e, ok := c.lru.Get(key)
	if ok && !e.expired(now) {
		current, _ = strconv.ParseInt(string(e.value), 10, 64)
	} else {
		e = c.entry(nil, ttl)
	}
	current += delta
	e.value = []byte(strconv.FormatInt(current, 10))
	c.lru.Add(key, e)
	return current
}

// TTL возвращает оставшийся срок жизни; -1, если срок не задан; false, если ключа нет.
func (c *LocalCache) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	now := c.clock()
	if !ok || e.expired(now) {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return -1, true
	}
	return e.expiresAt.Sub(now), true
}

// PurgeExpired удаляет все истекшие записи.
func (c *LocalCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	purged := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.expired(now) {
			c.lru.Remove(k)
			purged++
		}
	}
	return purged
}

// Clear очищает кэш.
func (c *LocalCache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len - число записей, включая еще не вычищенные истекшие.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
