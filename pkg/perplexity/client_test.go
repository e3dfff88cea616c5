package perplexity

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

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    string
		wantText   string
		wantTokens int64
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "cmpl-123",
				"model": "sonar",
				"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Acme leads."}}],
				"citations": ["https://example.com/crm"],
				"usage": {"prompt_tokens": 10, "completion_tokens": 5}
			}`,
			wantText:   "Acme leads.",
			wantTokens: 5,
		},
		{
			name:    "rate_limit",
			status:  http.StatusTooManyRequests,
			body:    `{"error": "rate limit exceeded"}`,
			wantErr: "unexpected status 429: rate limit exceeded",
		},
		{
			name:    "server_error_object",
			status:  http.StatusInternalServerError,
			body:    `{"error": {"message": "internal server error", "type": "server_error"}}`,
			wantErr: "unexpected status 500: internal server error",
		},
		{
			name:    "plain_error_body",
			status:  http.StatusBadGateway,
			body:    `bad gateway`,
			wantErr: "unexpected status 502: bad gateway",
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL+"/"))
			resp, err := client.ChatCompletion(context.Background(), ChatRequest{Model: "sonar", Prompt: "Best CRM?"})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, resp)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "cmpl-123", resp.ID)
			assert.Equal(t, tt.wantText, resp.Text)
			assert.Equal(t, "stop", resp.FinishReason)
			assert.Equal(t, []string{"https://example.com/crm"}, resp.Citations)
			assert.Equal(t, int64(10), resp.Usage.InputTokens)
			assert.Equal(t, tt.wantTokens, resp.Usage.OutputTokens)
		})
	}
}

func TestChatCompletion_RequestBody(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	temp := 0.2
	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.ChatCompletion(context.Background(), ChatRequest{
		Model: "sonar-pro", Prompt: "Top ERP?", Temperature: &temp, MaxTokens: 500,
	})
	require.NoError(t, err)

	assert.Equal(t, "sonar-pro", raw["model"])
	assert.InDelta(t, 0.2, raw["temperature"], 0.001)
	assert.InDelta(t, 500, raw["max_tokens"], 0.001)
	msgs := raw["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"role": "user", "content": "Top ERP?"}, msgs[0])
}

func TestChatCompletion_OmitsUnsetSampling(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"id":"1","choices":[]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.ChatCompletion(context.Background(), ChatRequest{Model: "sonar", Prompt: "p"})
	require.NoError(t, err)
	assert.Empty(t, resp.Text)

	_, hasTemp := raw["temperature"]
	assert.False(t, hasTemp)
	_, hasMax := raw["max_tokens"]
	assert.False(t, hasMax)
}

func TestChatCompletion_ModelRequired(t *testing.T) {
	t.Parallel()
	_, err := NewClient("k").ChatCompletion(context.Background(), ChatRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestChatCompletion_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"1","choices":[]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.ChatCompletion(ctx, ChatRequest{Model: "sonar", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send request")
}

func TestChatCompletion_SingleAttempt(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.ChatCompletion(context.Background(), ChatRequest{Model: "sonar", Prompt: "p"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus())
	assert.Equal(t, "overloaded", apiErr.Message)
	assert.JSONEq(t, `{"error":"overloaded"}`, apiErr.ResponseBody())
	assert.Equal(t, int32(1), attempts.Load())
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()
	custom := &http.Client{}
	c := NewClient("test-key", WithHTTPClient(custom)).(*httpClient)
	assert.Same(t, custom, c.http)
	assert.Equal(t, defaultBaseURL, c.baseURL)
}
