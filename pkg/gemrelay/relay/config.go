package relay

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config is the full runtime configuration, loaded from YAML with
// environment expansion. Zero values fall back to DefaultConfig.
type Config struct {
	// Keys is the API key pool in rotation order. Entries are usually env
	// references like ${GEMINI_API_KEY_1} rather than literal keys.
	Keys []string `yaml:"keys"`

	// Model is the primary model requests start on.
	Model string `yaml:"model"`

	Transport  TransportConfig  `yaml:"transport"`
	Generation GenerationConfig `yaml:"generation"`
	Retry      RetryConfig      `yaml:"retry"`
	Fallback   []FallbackRule   `yaml:"fallback"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// TransportConfig points the client at the upstream API.
type TransportConfig struct {
	// BaseURL defaults to the public Generative Language endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// ProxyBaseURL, when set, replaces BaseURL entirely. Useful for
	// regional mirrors or corporate egress proxies.
	ProxyBaseURL string `yaml:"proxy_base_url,omitempty"`

	// TimeoutSeconds bounds a single non-streaming HTTP exchange.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// GenerationConfig carries default sampling parameters applied to requests
// that do not set their own.
type GenerationConfig struct {
	Temperature     *float64 `yaml:"temperature,omitempty"`
	TopK            *int     `yaml:"top_k,omitempty"`
	TopP            *float64 `yaml:"top_p,omitempty"`
	MaxOutputTokens *int     `yaml:"max_output_tokens,omitempty"`
	ThinkingBudget  *int     `yaml:"thinking_budget,omitempty"`
	WebGrounding    bool     `yaml:"web_grounding,omitempty"`
	URLContext      bool     `yaml:"url_context,omitempty"`
	Streaming       bool     `yaml:"streaming"`
}

// RetryConfig tunes the per-key retry engine.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	BaseDelayMs int `yaml:"base_delay_ms,omitempty"`
	MaxDelayMs  int `yaml:"max_delay_ms,omitempty"`
}

// FallbackRule is one from→to model link for quota fallback.
type FallbackRule struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Reason string `yaml:"reason,omitempty"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	// Address is the listen address, e.g. "127.0.0.1:8790".
	Address string `yaml:"address,omitempty"`

	// AuthToken protects the API when set; empty disables auth.
	AuthToken string `yaml:"auth_token,omitempty"`

	// CORSOrigins lists allowed origins; empty denies cross-origin use.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// ValidatorConfig configures background key probing.
type ValidatorConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Schedule            string `yaml:"schedule,omitempty"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds,omitempty"`
}

// HealthConfig configures credential health persistence.
type HealthConfig struct {
	// Path is the SQLite file; empty keeps health in memory only.
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level,omitempty"`

	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Model: "gemini-2.5-pro",
		Transport: TransportConfig{
			TimeoutSeconds: 120,
		},
		Generation: GenerationConfig{
			Streaming: true,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelayMs: int(DefaultBaseDelay / time.Millisecond),
			MaxDelayMs:  int(DefaultMaxDelay / time.Millisecond),
		},
		Fallback: []FallbackRule{
			{From: "gemini-2.5-pro", To: "gemini-2.5-flash"},
			{From: "gemini-2.5-flash", To: "gemini-2.5-flash-lite"},
		},
		Gateway: GatewayConfig{
			Address: "127.0.0.1:8790",
		},
		Validator: ValidatorConfig{
			Schedule:            "@every 30m",
			ProbeTimeoutSeconds: 15,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks cross-field consistency beyond what YAML parsing catches.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model must be set", ErrConfiguration)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must be >= 0", ErrConfiguration)
	}
	seen := make(map[string]bool, len(c.Fallback))
	for _, r := range c.Fallback {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("%w: fallback rules need both from and to", ErrConfiguration)
		}
		if r.From == r.To {
			return fmt.Errorf("%w: fallback rule %q points at itself", ErrConfiguration, r.From)
		}
		if seen[r.From] {
			return fmt.Errorf("%w: duplicate fallback rule for %q", ErrConfiguration, r.From)
		}
		seen[r.From] = true
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json", ErrConfiguration)
	}
	return nil
}

// FallbackChain builds the runtime chain from the configured rules.
func (c *Config) FallbackChain() *FallbackChain {
	if len(c.Fallback) == 0 {
		return DefaultFallbackChain()
	}
	links := make(map[string]FallbackTarget, len(c.Fallback))
	for _, r := range c.Fallback {
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("quota exhausted on %s", r.From)
		}
		links[r.From] = FallbackTarget{Model: r.To, Reason: reason}
	}
	return NewFallbackChain(links)
}

// RetryEngine builds the runtime engine from the configured delays.
func (c *Config) RetryEngine() *RetryEngine {
	return NewRetryEngine(
		c.Retry.MaxAttempts,
		time.Duration(c.Retry.BaseDelayMs)*time.Millisecond,
		time.Duration(c.Retry.MaxDelayMs)*time.Millisecond,
	)
}

// Logger builds the process logger from the logging section.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
