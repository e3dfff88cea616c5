package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/resilience"
)

// Route maps a case-insensitive model-name prefix to a provider.
type Route struct {
	Prefix   string
	Provider string
}

// DefaultRoutes is checked in order; the first matching prefix wins. There
// is no fallback route.
var DefaultRoutes = []Route{
	{Prefix: "mock", Provider: config.ProviderMock},
	{Prefix: "gpt-", Provider: config.ProviderOpenAI},
	{Prefix: "chatgpt-", Provider: config.ProviderOpenAI},
	{Prefix: "o1", Provider: config.ProviderOpenAI},
	{Prefix: "o3", Provider: config.ProviderOpenAI},
	{Prefix: "o4", Provider: config.ProviderOpenAI},
	{Prefix: "claude", Provider: config.ProviderAnthropic},
	{Prefix: "gemini", Provider: config.ProviderGemini},
	{Prefix: "models/gemini", Provider: config.ProviderGemini},
	{Prefix: "sonar", Provider: config.ProviderPerplexity},
}

// Factory builds a provider for a credential.
type Factory func(key string) Provider

// Router resolves model identifiers to providers. It is safe for concurrent
// use; credentials may change while runs are dispatching.
type Router struct {
	routes []Route

	mu        sync.RWMutex
	providers map[string]Provider
	factories map[string]Factory
}

// NewRouter creates a router with the given routes and no providers.
func NewRouter(routes []Route) *Router {
	normalized := make([]Route, len(routes))
	for i, r := range routes {
		normalized[i] = Route{Prefix: strings.ToLower(r.Prefix), Provider: r.Provider}
	}
	return &Router{
		routes:    normalized,
		providers: make(map[string]Provider),
		factories: make(map[string]Factory),
	}
}

// NewFromConfig builds the default router: the mock provider plus every
// network provider, each wrapped in a Resilient decorator. Providers without
// a key are known to the router but resolve to a config error until
// SetCredential is called.
func NewFromConfig(cfg *config.Config) *Router {
	r := NewRouter(DefaultRoutes)
	r.Register(NewMock(cfg.Mock))

	breakers := resilience.NewServiceBreakers(BreakerConfig(cfg.Circuit.Breaker()))
	for _, name := range config.NetworkProviders {
		pc, _ := cfg.Provider(name)
		opts := ResilienceOptions{
			Timeout: cfg.Engine.RequestTimeout(),
			Retry:   cfg.Retry.Policy(),
			Breaker: breakers.Get(name),
			Limiter: NewLimiter(pc.RequestsPerSecond),
		}
		r.RegisterFactory(name, func(key string) Provider {
			return NewResilient(newNetworkProvider(name, key, pc), opts)
		})
		if pc.Key != "" {
			if err := r.SetCredential(name, pc.Key); err != nil {
				zap.L().Warn("provider: configure credential", zap.String("provider", name), zap.Error(err))
			}
		}
	}
	return r
}

// Register adds or replaces a ready provider under its name.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// RegisterFactory makes a provider configurable through SetCredential.
func (r *Router) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// SetCredential rebuilds a provider with a new key. An empty key removes the
// provider, so its models resolve to a config error again.
func (r *Router) SetCredential(name, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.factories[name]
	if !ok {
		return eris.Errorf("provider: %q does not accept credentials", name)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		delete(r.providers, name)
		return nil
	}
	r.providers[name] = f(key)
	return nil
}

// Known reports whether name accepts credentials.
func (r *Router) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// route returns the provider name for model, or "".
func (r *Router) route(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, rt := range r.routes {
		if strings.HasPrefix(m, rt.Prefix) {
			return rt.Provider
		}
	}
	return ""
}

// Resolve returns the provider serving model. Unknown identifiers and
// providers without credentials yield a KindConfig *Error.
func (r *Router) Resolve(model string) (Provider, error) {
	if strings.TrimSpace(model) == "" {
		return nil, ConfigError("", model, "provider: empty model identifier")
	}
	name := r.route(model)
	if name == "" {
		return nil, ConfigError("", model, "provider: unknown model %q", model)
	}

	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ConfigError(name, model, "provider: %s is not configured (missing API key)", name)
	}
	return p, nil
}

// Validate resolves every model up front. All problems are reported in one
// KindConfig error.
func (r *Router) Validate(models []string) error {
	var problems []string
	var first *Error
	for _, m := range models {
		if _, err := r.Resolve(m); err != nil {
			pe := Classify("", m, err)
			if first == nil {
				first = pe
			}
			problems = append(problems, pe.Err.Error())
		}
	}
	switch len(problems) {
	case 0:
		return nil
	case 1:
		return first
	}
	return &Error{Kind: KindConfig, Err: eris.New(strings.Join(problems, "; "))}
}

// Invoke resolves model and calls its provider. The completion carries the
// serving provider's name.
func (r *Router) Invoke(ctx context.Context, model, prompt string) (*Completion, error) {
	p, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	c, err := p.Invoke(ctx, strings.TrimSpace(model), prompt)
	if err != nil {
		return nil, Classify(p.Name(), model, err)
	}
	c.Provider = p.Name()
	return c, nil
}

// ProviderFor returns the provider name that model routes to, or "".
func (r *Router) ProviderFor(model string) string {
	return r.route(model)
}

// ListModels returns the advertised models of every configured provider.
func (r *Router) ListModels() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.providers))
	for name, p := range r.providers {
		models := p.Models()
		sort.Strings(models)
		out[name] = models
	}
	return out
}

// Configured returns the names of providers ready to serve, sorted.
func (r *Router) Configured() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
