package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client defines the OpenAI API operations used by the engine.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is our own request type for ChatCompletion.
type ChatRequest struct {
	Model       string
	Prompt      string
	Temperature *float64
	MaxTokens   int64
}

// ChatResponse is our own response type from ChatCompletion.
type ChatResponse struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ResponseBody returns the error payload as reported by the API.
func (e *APIError) ResponseBody() string { return e.Message }

// Option configures the client.
type Option func(*config)

type config struct {
	baseURL string
	opts    []option.RequestOption
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithRequestOptions appends raw SDK request options.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) {
		c.opts = append(c.opts, opts...)
	}
}

// sdkClient implements Client using the official openai-go SDK.
type sdkClient struct {
	client sdk.Client
}

// NewClient creates a new OpenAI client backed by the SDK. SDK retries are
// disabled; callers apply their own policy.
func NewClient(apiKey string, opts ...Option) Client {
	cfg := &config{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithMaxRetries(0),
	}, cfg.opts...)

	return &sdkClient{client: sdk.NewClient(reqOpts...)}
}

func (c *sdkClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := sdk.ChatCompletionNewParams{
		Model: req.Model,
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage(req.Prompt),
		},
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(req.MaxTokens)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, &APIError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
		}
		return nil, eris.Wrap(err, "openai: chat completion")
	}

	return fromSDKCompletion(completion), nil
}

func fromSDKCompletion(c *sdk.ChatCompletion) *ChatResponse {
	resp := &ChatResponse{
		ID:    c.ID,
		Model: c.Model,
		Usage: TokenUsage{
			InputTokens:  c.Usage.PromptTokens,
			OutputTokens: c.Usage.CompletionTokens,
		},
	}
	if len(c.Choices) > 0 {
		resp.Text = c.Choices[0].Message.Content
		resp.FinishReason = c.Choices[0].FinishReason
	}
	return resp
}
