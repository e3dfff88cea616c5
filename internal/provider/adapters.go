package provider

import (
	"context"
	"strings"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/pkg/anthropic"
	"github.com/sells-group/visibility-engine/pkg/gemini"
	"github.com/sells-group/visibility-engine/pkg/openai"
	"github.com/sells-group/visibility-engine/pkg/perplexity"
)

// defaultTemperature matches the sampling used for every provider.
const defaultTemperature = 0.7

// OpenAI serves gpt-*, o-series and chatgpt-* models.
type OpenAI struct {
	client    openai.Client
	models    []string
	maxTokens int64
}

// NewOpenAI wraps an OpenAI client.
func NewOpenAI(client openai.Client, models []string, maxTokens int64) *OpenAI {
	return &OpenAI{client: client, models: models, maxTokens: maxTokens}
}

func (p *OpenAI) Name() string { return config.ProviderOpenAI }

func (p *OpenAI) Models() []string { return append([]string(nil), p.models...) }

func (p *OpenAI) Invoke(ctx context.Context, model, prompt string) (*Completion, error) {
	temp := defaultTemperature
	resp, err := p.client.ChatCompletion(ctx, openai.ChatRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: &temp,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return nil, Classify(p.Name(), model, err)
	}
	return &Completion{
		Text:         resp.Text,
		Provider:     p.Name(),
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Anthropic serves claude-* models.
type Anthropic struct {
	client    anthropic.Client
	models    []string
	maxTokens int64
}

// NewAnthropic wraps an Anthropic client.
func NewAnthropic(client anthropic.Client, models []string, maxTokens int64) *Anthropic {
	return &Anthropic{client: client, models: models, maxTokens: maxTokens}
}

func (p *Anthropic) Name() string { return config.ProviderAnthropic }

func (p *Anthropic) Models() []string { return append([]string(nil), p.models...) }

func (p *Anthropic) Invoke(ctx context.Context, model, prompt string) (*Completion, error) {
	temp := defaultTemperature
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   p.maxTokens,
		Prompt:      prompt,
		Temperature: &temp,
	})
	if err != nil {
		return nil, Classify(p.Name(), model, err)
	}
	return &Completion{
		Text:         resp.Text(),
		Provider:     p.Name(),
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Gemini serves gemini-* models.
type Gemini struct {
	client    gemini.Client
	models    []string
	maxTokens int64
}

// NewGemini wraps a Gemini client.
func NewGemini(client gemini.Client, models []string, maxTokens int64) *Gemini {
	return &Gemini{client: client, models: models, maxTokens: maxTokens}
}

func (p *Gemini) Name() string { return config.ProviderGemini }

func (p *Gemini) Models() []string { return append([]string(nil), p.models...) }

func (p *Gemini) Invoke(ctx context.Context, model, prompt string) (*Completion, error) {
	resp, err := p.client.GenerateContent(ctx, gemini.GenerateRequest{
		Model:           model,
		Prompt:          prompt,
		MaxOutputTokens: int(p.maxTokens),
	})
	if err != nil {
		return nil, Classify(p.Name(), model, err)
	}
	return &Completion{
		Text:         resp.Text,
		Provider:     p.Name(),
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Perplexity serves sonar* models.
type Perplexity struct {
	client    perplexity.Client
	models    []string
	maxTokens int64
}

// NewPerplexity wraps a Perplexity client.
func NewPerplexity(client perplexity.Client, models []string, maxTokens int64) *Perplexity {
	return &Perplexity{client: client, models: models, maxTokens: maxTokens}
}

func (p *Perplexity) Name() string { return config.ProviderPerplexity }

func (p *Perplexity) Models() []string { return append([]string(nil), p.models...) }

func (p *Perplexity) Invoke(ctx context.Context, model, prompt string) (*Completion, error) {
	temp := defaultTemperature
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: &temp,
		MaxTokens:   int(p.maxTokens),
	})
	if err != nil {
		return nil, Classify(p.Name(), model, err)
	}
	return &Completion{
		Text:         resp.Text,
		Provider:     p.Name(),
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// newNetworkProvider builds the adapter for a named provider with key.
func newNetworkProvider(name, key string, pc config.ProviderConfig) Provider {
	baseURL := strings.TrimSpace(pc.BaseURL)
	switch name {
	case config.ProviderOpenAI:
		var opts []openai.Option
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		return NewOpenAI(openai.NewClient(key, opts...), pc.Models, pc.MaxTokens)
	case config.ProviderAnthropic:
		var opts []anthropic.Option
		if baseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(baseURL))
		}
		return NewAnthropic(anthropic.NewClient(key, opts...), pc.Models, pc.MaxTokens)
	case config.ProviderGemini:
		var opts []gemini.Option
		if baseURL != "" {
			opts = append(opts, gemini.WithBaseURL(baseURL))
		}
		return NewGemini(gemini.NewClient(key, opts...), pc.Models, pc.MaxTokens)
	case config.ProviderPerplexity:
		var opts []perplexity.Option
		if baseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(baseURL))
		}
		return NewPerplexity(perplexity.NewClient(key, opts...), pc.Models, pc.MaxTokens)
	}
	return nil
}
