package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody() map[string]any {
	return map[string]any{
		"id":      "chatcmpl-001",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "Acme and Globex lead the market."},
			},
		},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20},
	}
}

func TestChatCompletion(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionBody()) //nolint:errcheck
	}))
	defer ts.Close()

	temp := 0.7
	client := NewClient("test-key", WithBaseURL(ts.URL))
	resp, err := client.ChatCompletion(context.Background(), ChatRequest{
		Model:       "gpt-4o-mini",
		Prompt:      "Best CRM?",
		Temperature: &temp,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-001", resp.ID)
	assert.Equal(t, "Acme and Globex lead the market.", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
	assert.Equal(t, int64(8), resp.Usage.OutputTokens)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.InDelta(t, 0.7, body["temperature"], 1e-9)
	assert.InDelta(t, 256, body["max_completion_tokens"], 1e-9)
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestChatCompletion_APIError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"error": map[string]any{
				"message": "You exceeded your current quota",
				"type":    "insufficient_quota",
				"code":    "insufficient_quota",
			},
		})
	}))
	defer ts.Close()

	client := NewClient("test-key", WithBaseURL(ts.URL))
	_, err := client.ChatCompletion(context.Background(), ChatRequest{Model: "gpt-4o", Prompt: "hi"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatus())
	assert.Contains(t, apiErr.ResponseBody(), "insufficient_quota")
	assert.Equal(t, int32(1), calls.Load(), "SDK retries are disabled")
}

func TestChatCompletion_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := completionBody()
		body["choices"] = []map[string]any{}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body) //nolint:errcheck
	}))
	defer ts.Close()

	client := NewClient("test-key", WithBaseURL(ts.URL))
	resp, err := client.ChatCompletion(context.Background(), ChatRequest{Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)
	assert.Empty(t, resp.Text)
}

func TestChatCompletion_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("test-key", WithBaseURL(ts.URL))
	_, err := client.ChatCompletion(ctx, ChatRequest{Model: "gpt-4o", Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
