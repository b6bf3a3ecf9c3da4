package worker

import (
	"math"
	"math/rand/v2"
	"time"

	"videogen-server/shared/models"
)

// RetryPolicy - экспоненциальная задержка повторов с разбросом.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Jitter     float64 // доля от задержки, 0.1 = ±10%
	// rnd возвращает число в [0,1); подменяется в тестах
	rnd func() float64
}

// DefaultRetryPolicy - три повтора, 5с, 10с, 20с ±10%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 5 * time.Second, Max: 5 * time.Minute, Jitter: 0.1}
}

// ShouldRetry - повторяем только временные ошибки и только пока есть попытки.
func (p RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	return models.IsTransient(err) && retryCount < p.MaxRetries
}

// Delay возвращает base*2^retry ± jitter, не больше Max.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	d := float64(base) * math.Pow(2, float64(retryCount))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		rnd := p.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		d += d * p.Jitter * (2*rnd() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
