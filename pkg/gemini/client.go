package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

const (
	defaultAPIVersion = "v1beta"
	defaultModel      = "gemini-2.0-flash"
)

// Client generates content with the Gemini API.
type Client interface {
	GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is a single-turn text generation request.
type GenerateRequest struct {
	Model           string
	Prompt          string
	Temperature     *float64
	MaxOutputTokens int
}

// GenerateResponse is our own response type from GenerateContent.
type GenerateResponse struct {
	Text         string
	FinishReason string
	BlockReason  string
	ModelVersion string
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
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ResponseBody returns the error payload as reported by the API.
func (e *APIError) ResponseBody() string { return e.Message }

// Option configures the client.
type Option func(*config)

type config struct {
	baseURL    string
	apiVersion string
	http       *http.Client
}

// WithBaseURL overrides the default API base URL. The API version is not
// part of it.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = strings.TrimRight(url, "/") + "/"
	}
}

// WithAPIVersion overrides the API version path segment.
func WithAPIVersion(v string) Option {
	return func(c *config) {
		c.apiVersion = v
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.http = hc
	}
}

// sdkClient implements Client using the official genai SDK.
type sdkClient struct {
	client  *genai.Client
	initErr error
}

// NewClient creates a Gemini client backed by the genai SDK. Each call makes
// a single attempt; callers apply their own retry policy. A construction
// failure is reported by every GenerateContent call.
func NewClient(apiKey string, opts ...Option) Client {
	cfg := &config{apiVersion: defaultAPIVersion}
	for _, o := range opts {
		o(cfg)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.http,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.baseURL,
			APIVersion: cfg.apiVersion,
		},
	})
	if err != nil {
		return &sdkClient{initErr: eris.Wrap(err, "gemini: create client")}
	}
	return &sdkClient{client: client}
}

// ModelName strips the "models/" resource prefix and maps the bare alias
// "gemini" to the default model.
func ModelName(model string) string {
	m := strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if m == "" || strings.EqualFold(m, "gemini") {
		return defaultModel
	}
	return m
}

func (c *sdkClient) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if c.initErr != nil {
		return nil, c.initErr
	}

	var gc *genai.GenerateContentConfig
	if req.Temperature != nil || req.MaxOutputTokens > 0 {
		gc = &genai.GenerateContentConfig{MaxOutputTokens: int32(req.MaxOutputTokens)}
		if req.Temperature != nil {
			gc.Temperature = genai.Ptr(float32(*req.Temperature))
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, ModelName(req.Model), genai.Text(req.Prompt), gc)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok {
			return nil, apiErr
		}
		return nil, eris.Wrap(err, "gemini: generate content")
	}
	return fromSDKResponse(resp), nil
}

func asAPIError(err error) (*APIError, bool) {
	var byVal genai.APIError
	if errors.As(err, &byVal) {
		return &APIError{StatusCode: byVal.Code, Status: byVal.Status, Message: byVal.Message}, true
	}
	var byPtr *genai.APIError
	if errors.As(err, &byPtr) && byPtr != nil {
		return &APIError{StatusCode: byPtr.Code, Status: byPtr.Status, Message: byPtr.Message}, true
	}
	return nil, false
}

// fromSDKResponse flattens the first candidate. A blocked prompt yields a
// "[Blocked: reason]" placeholder so that callers still record an answer.
func fromSDKResponse(r *genai.GenerateContentResponse) *GenerateResponse {
	out := &GenerateResponse{ModelVersion: r.ModelVersion}
	if u := r.UsageMetadata; u != nil {
		out.Usage = TokenUsage{
			InputTokens:  int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
		}
	}
	if len(r.Candidates) > 0 && r.Candidates[0] != nil {
		cand := r.Candidates[0]
		out.FinishReason = string(cand.FinishReason)
		if cand.Content != nil {
			var b strings.Builder
			for _, p := range cand.Content.Parts {
				if p != nil && !p.Thought {
					b.WriteString(p.Text)
				}
			}
			out.Text = b.String()
		}
		return out
	}
	if r.PromptFeedback != nil {
		out.BlockReason = string(r.PromptFeedback.BlockReason)
		out.Text = fmt.Sprintf("[Blocked: %s]", out.BlockReason)
	}
	return out
}
