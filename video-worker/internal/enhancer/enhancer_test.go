package enhancer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func wordCounter(text string) int {
	return len(strings.Fields(text))
}

func TestNoop(t *testing.T) {
	out, err := Noop{}.Enhance(context.Background(), "a cat")
	require.NoError(t, err)
	assert.Equal(t, "a cat", out)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "bard"}, zap.NewNop())
	require.Error(t, err)

	e, err := New(Config{Provider: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Noop{}, e)
}

func TestCleanResult(t *testing.T) {
	out, err := cleanResult("  \"A red fox running through snow\"  ")
	require.NoError(t, err)
	assert.Equal(t, "A red fox running through snow", out)

	_, err = cleanResult("   ")
	require.ErrorIs(t, err, ErrEnhancementFailed)

	_, err = cleanResult(strings.Repeat("x", 2001))
	require.ErrorIs(t, err, ErrEnhancementFailed)
}

func TestOpenAI_Enhance(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"A tabby cat surfing a turquoise wave at golden hour, slow tracking shot"},"finish_reason":"stop"}],"usage":{"prompt_tokens":40,"completion_tokens":16,"total_tokens":56}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini", Timeout: time.Second, MaxPromptTokens: 50}, wordCounter, zap.NewNop())
	require.NoError(t, err)

	out, err := e.Enhance(context.Background(), "a cat surfing")
	require.NoError(t, err)
	assert.Equal(t, "A tabby cat surfing a turquoise wave at golden hour, slow tracking shot", out)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "a cat surfing", got.Messages[1].Content)
}

func TestOpenAI_TokenLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	e, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", MaxPromptTokens: 3}, wordCounter, zap.NewNop())
	require.NoError(t, err)

	_, err = e.Enhance(context.Background(), "one two three four")
	require.ErrorIs(t, err, ErrPromptTooLong)
	assert.Zero(t, calls, "over-limit prompt is never sent")
}

func TestOpenAI_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"}, wordCounter, zap.NewNop())
	require.NoError(t, err)

	_, err = e.Enhance(context.Background(), "a cat")
	require.ErrorIs(t, err, ErrEnhancementFailed)
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(Config{Model: "m"}, wordCounter, zap.NewNop())
	require.Error(t, err)
}

func TestOllama_Enhance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req struct {
			Model  string `json:"model"`
			Stream *bool  `json:"stream"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		if assert.NotNil(t, req.Stream) {
			assert.False(t, *req.Stream)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"Neon city street in the rain, drone shot"},"done":true,"prompt_eval_count":30,"eval_count":9}` + "\n"))
	}))
	defer srv.Close()

	e, err := NewOllama(Config{BaseURL: srv.URL + "/v1", Model: "llama3", Timeout: time.Second}, wordCounter, zap.NewNop())
	require.NoError(t, err)

	out, err := e.Enhance(context.Background(), "city in rain")
	require.NoError(t, err)
	assert.Equal(t, "Neon city street in the rain, drone shot", out)
}

func TestOllama_EmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	e, err := NewOllama(Config{BaseURL: srv.URL, Model: "llama3"}, wordCounter, zap.NewNop())
	require.NoError(t, err)

	_, err = e.Enhance(context.Background(), "city in rain")
	require.ErrorIs(t, err, ErrEnhancementFailed)
}
