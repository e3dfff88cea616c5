// Package cost estimates the USD cost of provider calls from token usage.
package cost

import (
	"strings"

	"github.com/sells-group/visibility-engine/internal/config"
)

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps lowercase model identifiers to their pricing.
type Rates map[string]ModelRate

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	normalized := make(Rates, len(rates))
	for m, r := range rates {
		normalized[strings.ToLower(m)] = r
	}
	return &Calculator{rates: normalized}
}

// FromConfig builds a Calculator from the pricing section of the config.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := make(Rates, len(cfg.Models))
	for m, p := range cfg.Models {
		rates[m] = ModelRate{Input: p.Input, Output: p.Output}
	}
	return NewCalculator(rates)
}

// Estimate computes the cost of one call. Unknown models cost 0.
func (c *Calculator) Estimate(model string, input, output int64) float64 {
	if c == nil {
		return 0
	}
	rate, ok := c.lookup(model)
	if !ok {
		return 0
	}
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	return inCost + outCost
}

// Known reports whether the model has a configured price.
func (c *Calculator) Known(model string) bool {
	if c == nil {
		return false
	}
	_, ok := c.lookup(model)
	return ok
}

// lookup matches the exact model first, then the longest configured prefix
// so dated snapshots ("gpt-4o-2024-08-06") inherit the base price.
func (c *Calculator) lookup(model string) (ModelRate, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if r, ok := c.rates[m]; ok {
		return r, true
	}
	best := ""
	for k := range c.rates {
		if strings.HasPrefix(m, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return c.rates[best], true
}
