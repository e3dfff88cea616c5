// Package provider adapts LLM backends to one capability interface and
// routes model identifiers to the backend that serves them.
package provider

import "context"

// Completion is the outcome of one successful provider call.
type Completion struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider is one LLM backend.
type Provider interface {
	// Name is the provider name used in routing and configuration.
	Name() string
	// Invoke sends prompt to model and returns the generated text. Failures
	// are returned as *Error.
	Invoke(ctx context.Context, model, prompt string) (*Completion, error)
	// Models lists the model identifiers the provider advertises.
	Models() []string
}
