package model

import "time"

// Brand is a brand name tracked across runs. CanonicalKey is unique.
type Brand struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CanonicalKey string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Prompt is a prompt text shared across runs. CanonicalKey is unique.
type Prompt struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	CanonicalKey string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Response is the immutable outcome of one task. Exactly one of RawText and
// Error is meaningful.
type Response struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	PromptID     string    `json:"prompt_id"`
	PromptText   string    `json:"prompt_text"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider,omitempty"`
	RawText      string    `json:"raw_text"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	LatencyMs    float64   `json:"latency_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Mentions     []Mention `json:"mentions"`
	CreatedAt    time.Time `json:"created_at"`
}

// Failed reports whether the response carries an error instead of text.
func (r Response) Failed() bool {
	return r.Error != ""
}

// Mention records whether a brand appears in a response. Position is the
// byte offset of the first match in the raw text, or -1. Count is the number
// of non-overlapping occurrences.
type Mention struct {
	ResponseID string `json:"-"`
	BrandID    string `json:"brand_id"`
	BrandName  string `json:"brand_name"`
	Mentioned  bool   `json:"mentioned"`
	Count      int    `json:"count"`
	Position   int    `json:"position"`
}

// APIKey is a sealed provider credential stored by the settings surface.
type APIKey struct {
	Provider  string    `json:"provider"`
	SealedKey string    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}
