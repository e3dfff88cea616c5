package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sells-group/visibility-engine/internal/config"
)

// sampleBrands are the names the mock provider "recommends".
var sampleBrands = []string{"Acme", "Contoso", "Globex", "Soylent Corp", "Initech"}

// Mock answers every prompt offline with a placeholder brand list. Output
// and latency are derived from prompt and model, so repeated calls agree.
type Mock struct {
	models     []string
	minLatency time.Duration
	maxLatency time.Duration
}

// NewMock builds the mock provider from config.
func NewMock(cfg config.MockConfig) *Mock {
	minL := time.Duration(max(cfg.MinLatencyMs, 0)) * time.Millisecond
	maxL := time.Duration(max(cfg.MaxLatencyMs, 0)) * time.Millisecond
	if maxL < minL {
		maxL = minL
	}
	models := cfg.Models
	if len(models) == 0 {
		models = []string{"mock-model"}
	}
	return &Mock{models: models, minLatency: minL, maxLatency: maxL}
}

func (m *Mock) Name() string { return config.ProviderMock }

func (m *Mock) Models() []string { return append([]string(nil), m.models...) }

// Invoke only fails when ctx ends during the simulated latency.
func (m *Mock) Invoke(ctx context.Context, model, prompt string) (*Completion, error) {
	rng := rand.New(rand.NewPCG(seed(model, prompt), 0x9e3779b97f4a7c15))

	if d := m.latency(rng); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, Classify(m.Name(), model, ctx.Err())
		case <-timer.C:
		}
	}

	picked := pickBrands(rng)
	text := fmt.Sprintf("Here is a list of top companies for %s: %s.", prompt, strings.Join(picked, ", "))

	return &Completion{
		Text:         text,
		Provider:     m.Name(),
		Model:        model,
		InputTokens:  int64(len(strings.Fields(prompt))),
		OutputTokens: int64(len(strings.Fields(text))),
	}, nil
}

func (m *Mock) latency(rng *rand.Rand) time.Duration {
	spread := m.maxLatency - m.minLatency
	if spread <= 0 {
		return m.minLatency
	}
	return m.minLatency + time.Duration(rng.Int64N(int64(spread)+1))
}

// pickBrands returns between two and four sample brands in a shuffled order.
func pickBrands(rng *rand.Rand) []string {
	order := rng.Perm(len(sampleBrands))
	n := 2 + rng.IntN(3)
	out := make([]string, n)
	for i := range n {
		out[i] = sampleBrands[order[i]]
	}
	return out
}

func seed(model, prompt string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(model)))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return h.Sum64()
}
