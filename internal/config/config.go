// Package config loads gateway configuration from the environment. An
// optional .env file is honored for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"github.com/relayproxy/relay/internal/providers"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 3456
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxSockets     = 50
	DefaultIdleTimeout    = 30 * time.Second
	DefaultDatabaseFile   = "sessions.db"
)

// RoutingMode controls how aggressively requests are kept on local models.
type RoutingMode string

const (
	ModeAggressive   RoutingMode = "aggressive"
	ModeHeuristic    RoutingMode = "heuristic"
	ModeConservative RoutingMode = "conservative"
)

// Threshold returns the complexity score above which a request is routed to
// a cloud provider.
func (m RoutingMode) Threshold() int {
	switch m {
	case ModeAggressive:
		return 60
	case ModeConservative:
		return 25
	default:
		return 40
	}
}

// ProviderSettings is the endpoint/key/model triple for one provider.
type ProviderSettings struct {
	BaseURL    string
	APIKey     string
	Model      string
	Deployment string
	APIVersion string
	Region     string
	Timeout    time.Duration
}

// Tier maps a complexity bucket to a provider:model pair.
type Tier struct {
	Provider string
	Model    string
}

// RetrySettings bound the dispatch retry loop.
type RetrySettings struct {
	Attempts     int
	InitialDelay time.Duration
	// RateLimitDelay replaces InitialDelay when the failure was a 429.
	RateLimitDelay time.Duration
	MaxDelay       time.Duration
}

// BreakerSettings configure the per-provider circuit breakers.
type BreakerSettings struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	SuccessThreshold int
}

// MemorySettings configure the long-term memory subsystem.
type MemorySettings struct {
	Enabled           bool
	DataDir           string
	SurpriseThreshold float64
	MaxAgeDays        int
	MaxCount          int
	DedupLookback     int
	HalfLifeDays      float64
	RecentWindow      int
	InjectTopK        int
}

// DatabasePath returns the path of the SQLite database file.
func (m MemorySettings) DatabasePath() string {
	return m.DataDir + string(os.PathSeparator) + DefaultDatabaseFile
}

// Config is the fully resolved gateway configuration.
type Config struct {
	Host   string
	Port   int
	APIKey string // inbound bearer auth, empty disables

	Provider         string // primary provider identifier
	FallbackEnabled  bool
	FallbackProvider string

	Mode  RoutingMode
	Tiers map[string]Tier // keyed SIMPLE/MEDIUM/COMPLEX/REASONING, empty disables tier mode

	LocalToolInjection bool

	Providers map[string]ProviderSettings

	Retry   RetrySettings
	Breaker BreakerSettings
	Memory  MemorySettings

	// CloudRatePerMTok is the $/1M-token rate charged against local-served
	// requests when estimating cost savings.
	CloudRatePerMTok float64

	MaxSockets     int
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// Manager holds the loaded configuration behind an atomic value so request
// handlers can read it without locking.
type Manager struct {
	value atomic.Value
}

func NewManager() *Manager {
	return &Manager{}
}

// Load reads the environment, validates, and stores the result.
func (m *Manager) Load() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	m.value.Store(cfg)
	return cfg, nil
}

// Get returns the last loaded configuration, or nil if Load never succeeded.
func (m *Manager) Get() *Config {
	if v := m.value.Load(); v != nil {
		return v.(*Config)
	}
	return nil
}

// FromEnv builds a Config from environment variables. A .env file in the
// working directory is loaded first when present.
func FromEnv() (*Config, error) {
	_ = godotenv.Load() // best-effort, env vars win

	cfg := &Config{
		Host:               envStr("RELAY_HOST", DefaultHost),
		Port:               envInt("RELAY_PORT", DefaultPort),
		APIKey:             os.Getenv("RELAY_API_KEY"),
		Provider:           envStr("RELAY_PROVIDER", providers.OpenAI),
		FallbackEnabled:    envBool("RELAY_FALLBACK_ENABLED", false),
		FallbackProvider:   os.Getenv("RELAY_FALLBACK_PROVIDER"),
		Mode:               RoutingMode(envStr("RELAY_ROUTING_MODE", string(ModeHeuristic))),
		LocalToolInjection: envBool("RELAY_LOCAL_TOOL_INJECTION", false),
		CloudRatePerMTok:   envFloat("RELAY_CLOUD_RATE_PER_MTOK", 3.0),
		MaxSockets:         envInt("RELAY_MAX_SOCKETS", DefaultMaxSockets),
		IdleTimeout:        envDuration("RELAY_IDLE_TIMEOUT", DefaultIdleTimeout),
		RequestTimeout:     envDuration("RELAY_REQUEST_TIMEOUT", DefaultRequestTimeout),
		Retry: RetrySettings{
			Attempts:       envInt("RELAY_RETRY_ATTEMPTS", 3),
			InitialDelay:   envDuration("RELAY_RETRY_INITIAL_DELAY", time.Second),
			RateLimitDelay: envDuration("RELAY_RETRY_RATE_LIMIT_DELAY", 5*time.Second),
			MaxDelay:       envDuration("RELAY_RETRY_MAX_DELAY", 30*time.Second),
		},
		Breaker: BreakerSettings{
			FailureThreshold: envInt("RELAY_BREAKER_FAILURE_THRESHOLD", 5),
			OpenTimeout:      envDuration("RELAY_BREAKER_OPEN_TIMEOUT", 60*time.Second),
			SuccessThreshold: envInt("RELAY_BREAKER_SUCCESS_THRESHOLD", 2),
		},
		Memory: MemorySettings{
			Enabled:           envBool("RELAY_MEMORY_ENABLED", true),
			DataDir:           envStr("RELAY_DATA_DIR", "."),
			SurpriseThreshold: envFloat("RELAY_MEMORY_SURPRISE_THRESHOLD", 0.3),
			MaxAgeDays:        envInt("RELAY_MEMORY_MAX_AGE_DAYS", 180),
			MaxCount:          envInt("RELAY_MEMORY_MAX_COUNT", 10000),
			DedupLookback:     envInt("RELAY_MEMORY_DEDUP_LOOKBACK", 5),
			HalfLifeDays:      envFloat("RELAY_MEMORY_HALF_LIFE_DAYS", 30),
			RecentWindow:      envInt("RELAY_MEMORY_RECENT_WINDOW", 100),
			InjectTopK:        envInt("RELAY_MEMORY_INJECT_TOP_K", 5),
		},
		Providers: loadProviderSettings(),
		Tiers:     loadTiers(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadProviderSettings() map[string]ProviderSettings {
	// Env prefix per provider, e.g. OPENAI_BASE_URL, OLLAMA_TIMEOUT.
	prefixes := map[string]string{
		providers.OpenAI:         "OPENAI",
		providers.AzureOpenAI:    "AZURE_OPENAI",
		providers.AzureResponses: "AZURE_RESPONSES",
		providers.OpenRouter:     "OPENROUTER",
		providers.Anthropic:      "ANTHROPIC",
		providers.Bedrock:        "BEDROCK",
		providers.Ollama:         "OLLAMA",
		providers.LlamaCpp:       "LLAMACPP",
		providers.LMStudio:       "LMSTUDIO",
		providers.TinyFish:       "TINYFISH",
	}

	defaults := map[string]ProviderSettings{
		providers.OpenAI:     {BaseURL: "https://api.openai.com"},
		providers.OpenRouter: {BaseURL: "https://openrouter.ai/api"},
		providers.Ollama:     {BaseURL: "http://localhost:11434", Model: "qwen2.5-coder:7b"},
		providers.LlamaCpp:   {BaseURL: "http://localhost:8080"},
		providers.LMStudio:   {BaseURL: "http://localhost:1234"},
	}

	out := make(map[string]ProviderSettings, len(prefixes))
	for name, prefix := range prefixes {
		settings := defaults[name]
		if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
			settings.BaseURL = v
		}
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			settings.APIKey = v
		}
		if v := os.Getenv(prefix + "_MODEL"); v != "" {
			settings.Model = v
		}
		if v := os.Getenv(prefix + "_DEPLOYMENT"); v != "" {
			settings.Deployment = v
		}
		if v := os.Getenv(prefix + "_API_VERSION"); v != "" {
			settings.APIVersion = v
		}
		if v := os.Getenv(prefix + "_REGION"); v != "" {
			settings.Region = v
		}
		settings.Timeout = envDuration(prefix+"_TIMEOUT", DefaultRequestTimeout)
		out[name] = settings
	}
	return out
}

func loadTiers() map[string]Tier {
	names := []string{"SIMPLE", "MEDIUM", "COMPLEX", "REASONING"}
	tiers := make(map[string]Tier, len(names))
	for _, name := range names {
		raw := os.Getenv("RELAY_TIER_" + name)
		if raw == "" {
			// Tier mode requires all four settings; one missing disables it.
			return nil
		}
		parts := strings.SplitN(raw, ":", 2)
		tier := Tier{Provider: strings.TrimSpace(parts[0])}
		if len(parts) == 2 {
			tier.Model = strings.TrimSpace(parts[1])
		}
		tiers[name] = tier
	}
	return tiers
}

// Validate checks provider identifiers and fallback constraints.
func (c *Config) Validate() error {
	if !providers.IsKnown(c.Provider) {
		return fmt.Errorf("unknown provider %q (valid: %s)", c.Provider, strings.Join(providers.Known(), ", "))
	}
	switch c.Mode {
	case ModeAggressive, ModeHeuristic, ModeConservative:
	default:
		return fmt.Errorf("unknown routing mode %q (valid: aggressive, heuristic, conservative)", c.Mode)
	}
	if c.FallbackEnabled {
		if c.FallbackProvider == "" {
			return fmt.Errorf("fallback enabled but RELAY_FALLBACK_PROVIDER is unset")
		}
		if !providers.IsKnown(c.FallbackProvider) {
			return fmt.Errorf("unknown fallback provider %q (valid: %s)", c.FallbackProvider, strings.Join(providers.Known(), ", "))
		}
		if providers.IsLocal(c.FallbackProvider) {
			return fmt.Errorf("local provider %q cannot be the fallback target", c.FallbackProvider)
		}
	}
	for name, tier := range c.Tiers {
		if !providers.IsKnown(tier.Provider) {
			return fmt.Errorf("tier %s: unknown provider %q (valid: %s)", name, tier.Provider, strings.Join(providers.Known(), ", "))
		}
	}
	return nil
}

// BuildRegistry registers a descriptor for every configured provider.
func (c *Config) BuildRegistry() (*providers.Registry, error) {
	registry := providers.NewRegistry()
	for name, settings := range c.Providers {
		timeout := settings.Timeout
		if timeout == 0 {
			timeout = c.RequestTimeout
		}
		err := registry.Register(&providers.Descriptor{
			Name:       name,
			BaseURL:    settings.BaseURL,
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			Deployment: settings.Deployment,
			APIVersion: settings.APIVersion,
			Region:     settings.Region,
			Timeout:    timeout,
		})
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
