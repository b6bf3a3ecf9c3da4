package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const metricsJobName = "videogen_worker"

// Metrics - метрики воркера в собственном реестре.
type Metrics struct {
	registry      *prometheus.Registry
	processed     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	active        prometheus.Gauge
	retries       prometheus.Counter
	stalled       *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	rateThrottled prometheus.Counter

	pusher *push.Pusher
	logger *zap.Logger
}

// NewMetrics создает и регистрирует метрики.
func NewMetrics(logger *zap.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	// promauto.With регистрирует в локальном реестре, а не в DefaultRegisterer
	f := promauto.With(registry)
	return &Metrics{
		registry: registry,
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "videogen_jobs_processed_total",
			Help: "Total number of jobs processed, partitioned by final status.",
		}, []string{"status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "videogen_job_duration_seconds",
			Help:    "Duration of a single job attempt.",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}, []string{"status"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "videogen_jobs_active",
			Help: "Number of jobs currently processed by this worker.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "videogen_job_retries_total",
			Help: "Total number of scheduled retries.",
		}),
		stalled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "videogen_jobs_stalled_total",
			Help: "Jobs found with an expired lease, partitioned by outcome.",
		}, []string{"outcome"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "videogen_cache_hits_total",
			Help: "Cache lookups partitioned by tier (local, remote, miss).",
		}, []string{"tier"}),
		rateThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "videogen_worker_rate_throttled_total",
			Help: "Number of times the shared rate window was exhausted.",
		}),
		logger: logger.Named("Metrics"),
	}
}

// ObserveJob учитывает завершенную попытку.
func (m *Metrics) ObserveJob(status string, d time.Duration) {
	m.processed.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveCacheHit подходит как cache.HitObserver.
func (m *Metrics) ObserveCacheHit(tier string) {
	m.cacheHits.WithLabelValues(tier).Inc()
}

// Handler отдает метрики воркера вместе с метриками из глобального реестра (клиент провайдера, Go runtime).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})
}

// InitPusher настраивает Pushgateway. Метки группировки: instance = host-pid.
func (m *Metrics) InitPusher(pushgatewayURL string) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	m.pusher = push.New(pushgatewayURL, metricsJobName).Gatherer(m.registry).Grouping("instance", instanceID)
	if err := m.pusher.Push(); err != nil {
		m.pusher = nil
		return fmt.Errorf("could not push initial metrics to Pushgateway: %w", err)
	}
	m.logger.Info("Pushgateway pusher initialized", zap.String("url", pushgatewayURL), zap.String("instance", instanceID))
	return nil
}

// RunPusher периодически отправляет метрики до отмены ctx.
func (m *Metrics) RunPusher(ctx context.Context, interval time.Duration) {
	if m.pusher == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pusher.Push(); err != nil {
				m.logger.Warn("Failed to push metrics", zap.Error(err))
			}
		}
	}
}

// Cleanup удаляет метрики инстанса из Pushgateway.
func (m *Metrics) Cleanup() {
	if m.pusher == nil {
		return
	}
	if err := m.pusher.Delete(); err != nil {
		m.logger.Warn("Failed to delete metrics from Pushgateway", zap.Error(err))
		return
	}
	m.logger.Info("Metrics deleted from Pushgateway")
}
