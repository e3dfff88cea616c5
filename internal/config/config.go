package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/visibility-engine/internal/resilience"
)

// Provider names as they appear in configuration, routing and the api_keys
// table.
const (
	ProviderMock       = "mock"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderPerplexity = "perplexity"
)

// NetworkProviders lists the providers that need credentials.
var NetworkProviders = []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderPerplexity}

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	OpenAI     ProviderConfig   `yaml:"openai" mapstructure:"openai"`
	Anthropic  ProviderConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     ProviderConfig   `yaml:"gemini" mapstructure:"gemini"`
	Perplexity ProviderConfig   `yaml:"perplexity" mapstructure:"perplexity"`
	Mock       MockConfig       `yaml:"mock" mapstructure:"mock"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// MonitoringConfig configures the periodic health check of the serve command.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// EngineConfig configures run processing.
type EngineConfig struct {
	// MaxConcurrentRequests caps in-flight provider calls across all runs.
	MaxConcurrentRequests int  `yaml:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	RequestTimeoutSecs    int  `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	ResumeOnStart         bool `yaml:"resume_on_start" mapstructure:"resume_on_start"`
}

// RequestTimeout is the per-attempt provider call timeout.
func (c EngineConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// RetryConfig configures provider call retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Policy converts the settings to a resilience.RetryConfig. Zero values fall
// back to the resilience defaults.
func (c RetryConfig) Policy() resilience.RetryConfig {
	p := resilience.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		p.JitterFraction = c.JitterFraction
	}
	return p
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Breaker converts the settings to a resilience.CircuitBreakerConfig.
func (c CircuitConfig) Breaker() resilience.CircuitBreakerConfig {
	b := resilience.DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		b.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		b.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return b
}

// ProviderConfig holds the settings of one network-backed model provider.
type ProviderConfig struct {
	Key     string   `yaml:"key" mapstructure:"key"`
	BaseURL string   `yaml:"base_url" mapstructure:"base_url"`
	Models  []string `yaml:"models" mapstructure:"models"`
	// RequestsPerSecond paces calls to the provider. 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MockConfig configures the offline mock provider.
type MockConfig struct {
	MinLatencyMs int      `yaml:"min_latency_ms" mapstructure:"min_latency_ms"`
	MaxLatencyMs int      `yaml:"max_latency_ms" mapstructure:"max_latency_ms"`
	Models       []string `yaml:"models" mapstructure:"models"`
}

// SecurityConfig holds the key used to seal stored provider credentials.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key" mapstructure:"encryption_key"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Provider returns the settings of a network provider by name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case ProviderOpenAI:
		return c.OpenAI, true
	case ProviderAnthropic:
		return c.Anthropic, true
	case ProviderGemini:
		return c.Gemini, true
	case ProviderPerplexity:
		return c.Perplexity, true
	}
	return ProviderConfig{}, false
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VISIBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "visibility.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("engine.max_concurrent_requests", 5)
	v.SetDefault("engine.request_timeout_secs", 30)
	v.SetDefault("engine.resume_on_start", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 2000)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	// Keys are declared so AutomaticEnv picks them up during Unmarshal.
	for _, p := range NetworkProviders {
		v.SetDefault(p+".key", "")
		v.SetDefault(p+".requests_per_second", 10.0)
		v.SetDefault(p+".max_tokens", 1024)
	}
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.models", []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1-mini"})
	v.SetDefault("anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("anthropic.models", []string{"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929"})
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini.models", []string{"gemini-2.0-flash", "gemini-2.5-flash"})
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.models", []string{"sonar", "sonar-pro"})

	v.SetDefault("mock.min_latency_ms", 100)
	v.SetDefault("mock.max_latency_ms", 1500)
	v.SetDefault("mock.models", []string{"mock-model", "mock-gpt-4", "mock-gemini"})
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)

	v.SetDefault("pricing.models", map[string]any{
		"gpt-4o":                     map[string]any{"input": 2.50, "output": 10.00},
		"gpt-4o-mini":                map[string]any{"input": 0.15, "output": 0.60},
		"claude-haiku-4-5-20251001":  map[string]any{"input": 1.00, "output": 5.00},
		"claude-sonnet-4-5-20250929": map[string]any{"input": 3.00, "output": 15.00},
		"gemini-2.0-flash":           map[string]any{"input": 0.10, "output": 0.40},
		"sonar":                      map[string]any{"input": 1.00, "output": 1.00},
		"sonar-pro":                  map[string]any{"input": 3.00, "output": 15.00},
	})
}

// Validate checks the settings a command needs before it starts.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "serve", "run":
		if c.Engine.MaxConcurrentRequests < 1 {
			problems = append(problems, "engine.max_concurrent_requests must be at least 1")
		}
		if c.Engine.RequestTimeoutSecs < 1 {
			problems = append(problems, "engine.request_timeout_secs must be at least 1")
		}
		if c.Mock.MaxLatencyMs < c.Mock.MinLatencyMs {
			problems = append(problems, "mock.max_latency_ms must not be below mock.min_latency_ms")
		}
		if mode == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
			problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
		}
	case "keys":
		if c.Security.EncryptionKey == "" {
			problems = append(problems, "security.encryption_key is required")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
