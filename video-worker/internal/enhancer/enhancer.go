package enhancer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"videogen-server/shared/models"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrEnhancementFailed - улучшить промпт не удалось, конвейер продолжает с исходным.
var ErrEnhancementFailed = errors.New("prompt enhancement failed")

// ErrPromptTooLong - промпт не помещается в лимит токенов. Обрезать его мы не пытаемся.
var ErrPromptTooLong = errors.New("prompt exceeds enhancement token limit")

const systemPrompt = `You rewrite short text-to-video prompts into one vivid, concrete prompt.
Describe the subject, the action, the camera movement, lighting and mood.
Keep the user's intent and any named style. Do not add text overlays or captions.
Answer with the rewritten prompt only, in a single paragraph, without quotes.`

var (
	enhancerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogen_enhancer_requests_total",
			Help: "Total number of prompt enhancement requests.",
		},
		[]string{"provider", "status"},
	)
	enhancerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videogen_enhancer_request_duration_seconds",
			Help:    "Duration of prompt enhancement requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

// Enhancer переписывает промпт пользователя в более подробный.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string) (string, error)
}

// Config - настройки улучшения промптов.
type Config struct {
	Provider        string        `envconfig:"ENHANCER_PROVIDER" default:"none"` // none, openai, ollama
	BaseURL         string        `envconfig:"ENHANCER_BASE_URL" default:""`
	Model           string        `envconfig:"ENHANCER_MODEL" default:"gpt-4o-mini"`
	Timeout         time.Duration `envconfig:"ENHANCER_TIMEOUT" default:"20s"`
	MaxPromptTokens int           `envconfig:"ENHANCER_MAX_PROMPT_TOKENS" default:"512"`
	Temperature     float32       `envconfig:"ENHANCER_TEMPERATURE" default:"0.7"`
	APIKey          string        `ignored:"true"` // из секрета openai_api_key
}

// New создает Enhancer по конфигурации.
func New(cfg Config, logger *zap.Logger) (Enhancer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		logger.Info("Prompt enhancement disabled")
		return Noop{}, nil
	case "openai":
		return NewOpenAI(cfg, NewTokenCounter(cfg.Model, logger), logger)
	case "ollama":
		return NewOllama(cfg, NewTokenCounter(cfg.Model, logger), logger)
	default:
		return nil, fmt.Errorf("unknown enhancer provider '%s'", cfg.Provider)
	}
}

// Noop возвращает промпт без изменений.
type Noop struct{}

// Enhance реализует Enhancer.
func (Noop) Enhance(_ context.Context, prompt string) (string, error) {
	return prompt, nil
}

// TokenCounter считает токены текста.
type TokenCounter func(text string) int

// NewTokenCounter возвращает счетчик на tiktoken для модели. Если кодировку модели
// получить не удалось, используется cl100k_base, а без нее грубая оценка в 4 символа на токен.
func NewTokenCounter(model string, logger *zap.Logger) TokenCounter {
	tke, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tke, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		logger.Warn("Tokenizer unavailable, using approximate token count", zap.String("model", model), zap.Error(err))
		return approxTokens
	}
	return func(text string) int {
		return len(tke.Encode(text, nil, nil))
	}
}

func approxTokens(text string) int {
	return (len([]rune(text)) + 3) / 4
}

// checkTokens проверяет лимит токенов входного промпта.
func checkTokens(count TokenCounter, limit int, prompt string) error {
	if limit <= 0 || count == nil {
		return nil
	}
	if n := count(prompt); n > limit {
		return fmt.Errorf("%w: %d tokens, limit %d", ErrPromptTooLong, n, limit)
	}
	return nil
}

// cleanResult убирает кавычки и пробелы по краям и проверяет длину ответа модели.
func cleanResult(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"'`")
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrEnhancementFailed)
	}
	if len([]rune(text)) > models.MaxPromptLength {
		return "", fmt.Errorf("%w: response longer than %d characters", ErrEnhancementFailed, models.MaxPromptLength)
	}
	return text, nil
}

func observe(provider string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	enhancerRequestsTotal.WithLabelValues(provider, status).Inc()
	enhancerRequestDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}
