package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/pkg/anthropic"
	"github.com/sells-group/visibility-engine/pkg/gemini"
	"github.com/sells-group/visibility-engine/pkg/openai"
	"github.com/sells-group/visibility-engine/pkg/perplexity"
)

type mockOpenAI struct{ mock.Mock }

func (m *mockOpenAI) ChatCompletion(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*openai.ChatResponse), args.Error(1)
}

type mockAnthropic struct{ mock.Mock }

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockGemini struct{ mock.Mock }

func (m *mockGemini) GenerateContent(ctx context.Context, req gemini.GenerateRequest) (*gemini.GenerateResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gemini.GenerateResponse), args.Error(1)
}

type mockPerplexity struct{ mock.Mock }

func (m *mockPerplexity) ChatCompletion(ctx context.Context, req perplexity.ChatRequest) (*perplexity.ChatResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*perplexity.ChatResponse), args.Error(1)
}

func TestOpenAIAdapter(t *testing.T) {
	client := new(mockOpenAI)
	client.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatRequest) bool {
		return req.Model == "gpt-4o" && req.Prompt == "Best CRM?" && req.MaxTokens == 512 &&
			req.Temperature != nil && *req.Temperature == defaultTemperature
	})).Return(&openai.ChatResponse{
		Text:  "Acme",
		Usage: openai.TokenUsage{InputTokens: 3, OutputTokens: 1},
	}, nil)

	p := NewOpenAI(client, []string{"gpt-4o"}, 512)
	c, err := p.Invoke(context.Background(), "gpt-4o", "Best CRM?")
	require.NoError(t, err)
	assert.Equal(t, "Acme", c.Text)
	assert.Equal(t, config.ProviderOpenAI, c.Provider)
	assert.Equal(t, int64(3), c.InputTokens)
	client.AssertExpectations(t)
}

func TestOpenAIAdapter_QuotaError(t *testing.T) {
	client := new(mockOpenAI)
	client.On("ChatCompletion", mock.Anything, mock.Anything).
		Return(nil, &openai.APIError{StatusCode: http.StatusTooManyRequests, Message: "insufficient_quota"})

	_, err := NewOpenAI(client, nil, 0).Invoke(context.Background(), "gpt-4o", "hi")
	require.Error(t, err)
	assert.Equal(t, KindNonRetryable, KindOf(err))
	pe := Classify("", "", err)
	assert.Equal(t, config.ProviderOpenAI, pe.Provider)
	assert.Equal(t, "gpt-4o", pe.Model)
	assert.Equal(t, 429, pe.StatusCode)
}

func TestAnthropicAdapter(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" && req.MaxTokens == 1024 && req.Prompt == "p"
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "Contoso"}},
		Usage:   anthropic.TokenUsage{InputTokens: 4, OutputTokens: 2},
	}, nil)

	p := NewAnthropic(client, []string{"claude-haiku-4-5-20251001"}, 1024)
	c, err := p.Invoke(context.Background(), "claude-haiku-4-5-20251001", "p")
	require.NoError(t, err)
	assert.Equal(t, "Contoso", c.Text)
	assert.Equal(t, int64(2), c.OutputTokens)
	assert.Equal(t, []string{"claude-haiku-4-5-20251001"}, p.Models())
	client.AssertExpectations(t)
}

func TestAnthropicAdapter_Overloaded(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 529, Message: "overloaded_error"})

	_, err := NewAnthropic(client, nil, 0).Invoke(context.Background(), "claude-x", "p")
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestGeminiAdapter(t *testing.T) {
	client := new(mockGemini)
	client.On("GenerateContent", mock.Anything, gemini.GenerateRequest{
		Model: "gemini-2.0-flash", Prompt: "p", MaxOutputTokens: 256,
	}).Return(&gemini.GenerateResponse{
		Text:        "[Blocked: SAFETY]",
		BlockReason: "SAFETY",
		Usage:       gemini.TokenUsage{InputTokens: 1},
	}, nil)

	c, err := NewGemini(client, nil, 256).Invoke(context.Background(), "gemini-2.0-flash", "p")
	require.NoError(t, err)
	assert.Equal(t, "[Blocked: SAFETY]", c.Text)
	assert.Equal(t, int64(1), c.InputTokens)
	assert.Equal(t, config.ProviderGemini, c.Provider)
	client.AssertExpectations(t)
}

func TestPerplexityAdapter(t *testing.T) {
	client := new(mockPerplexity)
	client.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(req perplexity.ChatRequest) bool {
		return req.Model == "sonar" && req.Prompt == "p" && req.MaxTokens == 100 &&
			req.Temperature != nil && *req.Temperature == defaultTemperature
	})).Return(&perplexity.ChatResponse{
		Text:  "Initech",
		Usage: perplexity.TokenUsage{InputTokens: 1, OutputTokens: 2},
	}, nil)

	c, err := NewPerplexity(client, nil, 100).Invoke(context.Background(), "sonar", "p")
	require.NoError(t, err)
	assert.Equal(t, "Initech", c.Text)
	assert.Equal(t, int64(2), c.OutputTokens)
	client.AssertExpectations(t)
}

func TestNewNetworkProvider(t *testing.T) {
	t.Parallel()
	pc := config.ProviderConfig{Models: []string{"m"}}
	for _, name := range config.NetworkProviders {
		p := newNetworkProvider(name, "key", pc)
		require.NotNil(t, p, name)
		assert.Equal(t, name, p.Name())
		assert.Equal(t, []string{"m"}, p.Models())
	}
	assert.Nil(t, newNetworkProvider("mock", "key", pc))
}
