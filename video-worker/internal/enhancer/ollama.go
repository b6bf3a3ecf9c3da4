package enhancer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// Ollama улучшает промпт через локальную модель Ollama.
type Ollama struct {
	client      *api.Client
	model       string
	timeout     time.Duration
	temperature float32
	maxTokens   int
	count       TokenCounter
	logger      *zap.Logger
}

// NewOllama создает клиент. BaseURL указывается без суффикса /v1.
func NewOllama(cfg Config, count TokenCounter, logger *zap.Logger) (*Ollama, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/v1"), "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL '%s': %w", base, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	logger.Info("Ollama prompt enhancer created", zap.String("base_url", base), zap.String("model", cfg.Model))
	return &Ollama{
		client:      api.NewClient(parsed, &http.Client{Timeout: timeout}),
		model:       cfg.Model,
		timeout:     timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxPromptTokens,
		count:       count,
		logger:      logger.Named("OllamaEnhancer"),
	}, nil
}

// Enhance реализует Enhancer.
func (e *Ollama) Enhance(ctx context.Context, prompt string) (result string, err error) {
	if err := checkTokens(e.count, e.maxTokens, prompt); err != nil {
		return "", err
	}
	started := time.Now()
	defer func() { observe("ollama", started, err) }()

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stream := false
	req := &api.ChatRequest{
		Model: e.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream:  &stream,
		Options: map[string]interface{}{"temperature": e.temperature},
	}

	var resp api.ChatResponse
	err = e.client.Chat(reqCtx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		e.logger.Warn("Ollama chat failed", zap.String("model", e.model), zap.Duration("duration", time.Since(started)), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrEnhancementFailed, err)
	}

	result, err = cleanResult(resp.Message.Content)
	if err != nil {
		return "", err
	}
	e.logger.Debug("Prompt enhanced",
		zap.Int("prompt_tokens", resp.PromptEvalCount),
		zap.Int("completion_tokens", resp.EvalCount),
		zap.Duration("duration", time.Since(started)),
	)
	return result, nil
}
