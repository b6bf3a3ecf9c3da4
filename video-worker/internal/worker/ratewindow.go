package worker

import (
	"context"
	"strconv"
	"time"

	"videogen-server/shared/cache"
)

// RateWindow - общий для всех воркеров счетчик запусков в фиксированном окне.
// Счетчик живет в удаленном кэше, ключ содержит номер окна.
type RateWindow struct {
	cache  *cache.Manager
	prefix string
	max    int64
	window time.Duration
	now    func() time.Time
}

// NewRateWindow создает ограничитель. max <= 0 отключает ограничение.
func NewRateWindow(cacheManager *cache.Manager, prefix string, max int, window time.Duration) *RateWindow {
	if window <= 0 {
		window = time.Minute
	}
	if prefix == "" {
		prefix = "worker:rate"
	}
	return &RateWindow{cache: cacheManager, prefix: prefix, max: int64(max), window: window, now: time.Now}
}

// Admit учитывает один запуск. Если окно исчерпано, возвращает false и время до начала следующего окна.
func (r *RateWindow) Admit(ctx context.Context) (bool, time.Duration) {
	if r == nil || r.max <= 0 || r.cache == nil {
		return true, 0
	}
	now := r.now()
	idx := now.UnixNano() / int64(r.window)
	key := r.prefix + ":" + strconv.FormatInt(idx, 10)

	n := r.cache.Increment(ctx, key, 1, 2*r.window)
	if n <= r.max {
		return true, 0
	}
	next := time.Unix(0, (idx+1)*int64(r.window))
	return false, next.Sub(now)
}

// Undo отменяет учтенный запуск текущего окна, если задачи в очереди не оказалось.
func (r *RateWindow) Undo(ctx context.Context) {
	if r == nil || r.max <= 0 || r.cache == nil {
		return
	}
	idx := r.now().UnixNano() / int64(r.window)
	r.cache.Increment(ctx, r.prefix+":"+strconv.FormatInt(idx, 10), -1, 2*r.window)
}
