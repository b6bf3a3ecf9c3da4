package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"videogen-server/shared/cache"
	"videogen-server/shared/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogen_provider_requests_total",
			Help: "Total number of requests to the inference provider.",
		},
		[]string{"op", "status"},
	)
	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videogen_provider_request_duration_seconds",
			Help:    "Duration of inference provider requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	providerCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogen_provider_cache_hits_total",
			Help: "Prediction creations served from the response cache.",
		},
	)
)

// Config - настройки клиента провайдера.
type Config struct {
	BaseURL        string        `envconfig:"PROVIDER_BASE_URL" default:"https://api.replicate.com/v1"`
	APIToken       string        `ignored:"true"` // из секрета provider_api_token
	WebhookURL     string        `envconfig:"PROVIDER_WEBHOOK_URL" default:""`
	Timeout        time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	RatePerSecond  float64       `envconfig:"PROVIDER_RATE_PER_SECOND" default:"5"`
	Burst          int           `envconfig:"PROVIDER_RATE_BURST" default:"10"`
	MaxAttempts    int           `envconfig:"PROVIDER_MAX_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"PROVIDER_INITIAL_BACKOFF" default:"1s"`
	MaxBackoff     time.Duration `envconfig:"PROVIDER_MAX_BACKOFF" default:"10s"`
	CacheTTL       time.Duration `envconfig:"PROVIDER_CACHE_TTL" default:"1h"`
}

// CreateOptions - параметры создания, которые не входят в ключ кэша.
type CreateOptions struct {
	JobID string // добавляется к webhook URL
}

// Client оборачивает HTTP API провайдера: ограничение частоты, повторы и кэш созданий.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *cache.Manager
	catalog models.ModelCatalog
	logger  *zap.Logger
}

// NewClient создает клиент. cacheManager может быть nil - тогда ответы не кэшируются.
func NewClient(cfg Config, catalog models.ModelCatalog, cacheManager *cache.Manager, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if catalog == nil {
		catalog = models.DefaultModelCatalog()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		cache:   cacheManager,
		catalog: catalog,
		logger:  logger.Named("ProviderClient"),
	}
}

// predictionInput - поле input запроса на создание.
type predictionInput struct {
	Prompt         string `json:"prompt"`
	Duration       int    `json:"duration"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
}

type createPredictionBody struct {
	Version             string          `json:"version"`
	Input               predictionInput `json:"input"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []string        `json:"webhook_events_filter,omitempty"`
}

// CreatePrediction создает запуск у провайдера. Одинаковые (после нормализации) запросы
// в пределах CacheTTL возвращают ранее созданный запуск.
func (c *Client) CreatePrediction(ctx context.Context, req models.GenerationRequest, opts CreateOptions) (*models.Prediction, error) {
	spec, ok := c.catalog.Lookup(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model '%s'", models.ErrValidation, req.Model)
	}

	create := func(ctx context.Context) (*models.Prediction, error) {
		body := createPredictionBody{
			Version: spec.Version,
			Input: predictionInput{
				Prompt:         req.Prompt,
				Duration:       req.Duration,
				NegativePrompt: req.NegativePrompt,
				Seed:           req.Seed,
				AspectRatio:    req.AspectRatio,
				Quality:        string(req.Quality),
				Style:          req.Style,
			},
		}
		if c.cfg.WebhookURL != "" {
			body.Webhook = webhookURL(c.cfg.WebhookURL, opts.JobID)
			body.WebhookEventsFilter = []string{"completed"}
		}
		var p models.Prediction
		if err := c.do(ctx, "create", http.MethodPost, "/predictions", body, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}

	if c.cache == nil {
		return create(ctx)
	}

	key := CacheKey(req)
	hit := true
	p, err := cache.GetOrSetJSON(ctx, c.cache, key, c.cfg.CacheTTL, func(ctx context.Context) (*models.Prediction, error) {
		hit = false
		return create(ctx)
	})
	if err != nil {
		return nil, err
	}
	if !hit {
		c.cache.Set(ctx, predictionIndexKey(p.ID), []byte(key), c.cfg.CacheTTL)
	}
	// каждая задача, получившая запуск, держит на него ссылку до ReleasePrediction
	refs := c.cache.Increment(ctx, predictionRefsKey(p.ID), 1, predictionRefsTTL)
	if hit {
		providerCacheHits.Inc()
		c.logger.Info("Prediction served from cache",
			zap.String("prediction_id", p.ID),
			zap.String("job_id", opts.JobID),
			zap.Int64("refs", refs),
		)
	}
	return p, nil
}

// ForgetPrediction удаляет запуск из кэша созданий, чтобы одинаковый запрос создал новый.
// Вызывается для упавших, отмененных и брошенных запусков.
func (c *Client) ForgetPrediction(ctx context.Context, predictionID string) {
	if c.cache == nil || predictionID == "" {
		return
	}
	index := predictionIndexKey(predictionID)
	raw, err := c.cache.Get(ctx, index)
	if err != nil {
		return
	}
	key := string(raw)
	// ключ мог уже перейти к более новому запуску
	if cached, err := c.cache.Get(ctx, key); err == nil {
		var p models.Prediction
		if json.Unmarshal(cached, &p) == nil && p.ID == predictionID {
			c.cache.Delete(ctx, key, index)
			c.logger.Info("Prediction dropped from cache", zap.String("prediction_id", predictionID))
			return
		}
	}
	c.cache.Delete(ctx, index)
}

// ReleasePrediction снимает ссылку задачи на запуск и возвращает число оставшихся.
// 0 - запуском больше никто не пользуется и его можно отменять.
func (c *Client) ReleasePrediction(ctx context.Context, predictionID string) int64 {
	if c.cache == nil || predictionID == "" {
		return 0
	}
	key := predictionRefsKey(predictionID)
	left := c.cache.Increment(ctx, key, -1, predictionRefsTTL)
	if left <= 0 {
		c.cache.Delete(ctx, key)
		return 0
	}
	return left
}

// GetPrediction возвращает текущее состояние запуска.
func (c *Client) GetPrediction(ctx context.Context, id string) (*models.Prediction, error) {
	var p models.Prediction
	if err := c.do(ctx, "get", http.MethodGet, "/predictions/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelPrediction отменяет запуск.
func (c *Client) CancelPrediction(ctx context.Context, id string) error {
	return c.do(ctx, "cancel", http.MethodPost, "/predictions/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// CalculateCredits считает стоимость генерации по каталогу моделей.
func (c *Client) CalculateCredits(model string, duration int, quality models.Quality) (int, error) {
	spec, ok := c.catalog.Lookup(model)
	if !ok {
		return 0, fmt.Errorf("%w: unknown model '%s'", models.ErrValidation, model)
	}
	return spec.Credits(duration, quality), nil
}

// EstimateTime оценивает длительность генерации.
func (c *Client) EstimateTime(model string, duration int) (time.Duration, error) {
	spec, ok := c.catalog.Lookup(model)
	if !ok {
		return 0, fmt.Errorf("%w: unknown model '%s'", models.ErrValidation, model)
	}
	secs := spec.BaseSeconds + spec.SecondsPerVideoSecond*duration
	return time.Duration(secs) * time.Second, nil
}

// Catalog возвращает каталог моделей клиента.
func (c *Client) Catalog() models.ModelCatalog {
	return c.catalog
}

// predictionRefsTTL ограничивает жизнь счетчика ссылок брошенного запуска.
const predictionRefsTTL = 24 * time.Hour

func predictionIndexKey(id string) string { return "prediction:key:" + id }
func predictionRefsKey(id string) string  { return "prediction:refs:" + id }

// CacheKey - стабильный ключ запроса: промпт в нижнем регистре без крайних пробелов,
// длительность, модель, качество и стиль.
func CacheKey(req models.GenerationRequest) string {
	normalized := struct {
		Prompt   string `json:"prompt"`
		Duration int    `json:"duration"`
		Model    string `json:"model"`
		Quality  string `json:"quality"`
		Style    string `json:"style"`
	}{
		Prompt:   strings.ToLower(strings.TrimSpace(req.Prompt)),
		Duration: req.Duration,
		Model:    req.Model,
		Quality:  string(req.Quality),
		Style:    strings.TrimSpace(req.Style),
	}
	raw, _ := json.Marshal(normalized)
	sum := sha256.Sum256(raw)
	return "prediction:" + hex.EncodeToString(sum[:])
}

func webhookURL(base, jobID string) string {
	if jobID == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("job_id", jobID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxAttempts-1)), ctx)
}

// do выполняет запрос с ожиданием лимитера и повторами. Ответы 400/401/403/404/422 не повторяются.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	attempt := 0
	operation := func() error {
		attempt++
		// при пустом ведре ждем, а не падаем
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.once(ctx, op, method, path, payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Provider request failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
}

func (c *Client) once(ctx context.Context, op, method, path string, payload []byte, out interface{}) error {
	start := time.Now()
	defer func() {
		providerRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		providerRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%w: %s: %w", models.ErrProviderUnavailable, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		providerRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%w: failed to read %s response: %w", models.ErrProviderUnavailable, op, err)
	}
	providerRequestsTotal.WithLabelValues(op, fmt.Sprint(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(respBody)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: snippet}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
