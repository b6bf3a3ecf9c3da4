package enhancer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAI улучшает промпт через OpenAI-совместимый chat completions API.
type OpenAI struct {
	client      *openaigo.Client
	model       string
	timeout     time.Duration
	temperature float32
	maxTokens   int
	count       TokenCounter
	logger      *zap.Logger
}

// NewOpenAI создает клиент. BaseURL позволяет работать с OpenRouter и аналогами.
func NewOpenAI(cfg Config, count TokenCounter, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai enhancer requires an API key")
	}
	config := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	config.HTTPClient = &http.Client{Timeout: timeout}

	logger.Info("OpenAI prompt enhancer created", zap.String("base_url", config.BaseURL), zap.String("model", cfg.Model))
	return &OpenAI{
		client:      openaigo.NewClientWithConfig(config),
		model:       cfg.Model,
		timeout:     timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxPromptTokens,
		count:       count,
		logger:      logger.Named("OpenAIEnhancer"),
	}, nil
}

// Enhance реализует Enhancer.
func (e *OpenAI) Enhance(ctx context.Context, prompt string) (result string, err error) {
	if err := checkTokens(e.count, e.maxTokens, prompt); err != nil {
		return "", err
	}
	started := time.Now()
	defer func() { observe("openai", started, err) }()

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(reqCtx, openaigo.ChatCompletionRequest{
		Model: e.model,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openaigo.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: e.temperature,
	})
	if err != nil {
		e.logger.Warn("Chat completion failed", zap.String("model", e.model), zap.Duration("duration", time.Since(started)), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrEnhancementFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrEnhancementFailed)
	}

	result, err = cleanResult(resp.Choices[0].Message.Content)
	if err != nil {
		return "", err
	}
	e.logger.Debug("Prompt enhanced",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(started)),
	)
	return result, nil
}
