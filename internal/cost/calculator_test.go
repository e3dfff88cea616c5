package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/visibility-engine/internal/config"
)

func testRates() Rates {
	return Rates{
		"gpt-4o":       {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":  {Input: 0.15, Output: 0.60},
		"Claude-Haiku": {Input: 1.00, Output: 5.00},
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name   string
		model  string
		input  int64
		output int64
		want   float64
	}{
		{
			name:  "gpt-4o simple",
			model: "gpt-4o", input: 1000000, output: 100000,
			want: 2.50 + 1.00,
		},
		{
			name:  "mini wins over shorter prefix",
			model: "gpt-4o-mini", input: 1000000, output: 1000000,
			want: 0.15 + 0.60,
		},
		{
			name:  "dated snapshot inherits base price",
			model: "gpt-4o-2024-08-06", input: 2000000,
			want: 5.00,
		},
		{
			name:  "case insensitive",
			model: "CLAUDE-haiku", output: 200000,
			want: 1.00,
		},
		{
			name:  "unknown model returns 0",
			model: "mock-model", input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name:  "zero tokens returns 0",
			model: "gpt-4o",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Estimate(tt.model, tt.input, tt.output), 1e-9)
		})
	}
}

func TestKnown(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	assert.True(t, calc.Known("gpt-4o"))
	assert.True(t, calc.Known("gpt-4o-mini-2024-07-18"))
	assert.False(t, calc.Known("sonar"))
}

func TestNilCalculator(t *testing.T) {
	t.Parallel()
	var calc *Calculator

	assert.Zero(t, calc.Estimate("gpt-4o", 100, 100))
	assert.False(t, calc.Known("gpt-4o"))
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	calc := FromConfig(config.PricingConfig{Models: map[string]config.ModelPricing{
		"sonar": {Input: 1.0, Output: 1.0},
	}})

	assert.InDelta(t, 2.0, calc.Estimate("sonar", 1000000, 1000000), 1e-9)
}
