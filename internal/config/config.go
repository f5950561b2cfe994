package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ChatModeBridge = "bridge"
	ChatModeMock   = "mock"
)

// Config contains all runtime settings for the relay bot.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	ChatMode            string
	ChatSession         string
	ChatBridgeURL       string
	CommandPrefix       string
	DispatchConcurrency int

	AIProvider         string
	GeminiAPIKey       string
	GeminiModel        string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	AnthropicAPIKey    string
	AnthropicModel     string
	AIMaxTokens        int
	AIHTTPURL          string
	AIHTTPStreamStrict bool
	AITimeout          time.Duration
	MaxPromptLength    int

	PersonaFile     string
	MaxSessions     int
	SessionTTL      time.Duration
	JanitorInterval time.Duration

	DatabaseURL string

	WebhookEnabled       bool
	BotAPIToken          string
	BotAPIBaseURL        string
	WebhookSecret        string
	WebhookRatePerMinute int
	WebhookBurst         int
}

// Load reads environment variables, applies defaults and validates required
// values before anything connects to the network.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         bindAddrFromEnv(),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "envo"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),

		ChatMode:      strings.ToLower(envOrDefault("CHAT_MODE", ChatModeBridge)),
		ChatSession:   firstNonEmpty(stringsTrimSpace("CHAT_SESSION"), stringsTrimSpace("PYROGRAM_SESSION")),
		ChatBridgeURL: envOrDefault("CHAT_BRIDGE_URL", "ws://127.0.0.1:8765/bridge"),
		CommandPrefix: envOrDefault("COMMAND_PREFIX", "."),

		AIProvider:      strings.ToLower(envOrDefault("AI_PROVIDER", "auto")),
		GeminiAPIKey:    stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:     envOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		OpenAIAPIKey:    stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:   stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:     envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicAPIKey: stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		AIHTTPURL:       stringsTrimSpace("AI_HTTP_URL"),

		PersonaFile:   stringsTrimSpace("PERSONA_FILE"),
		DatabaseURL:   stringsTrimSpace("DATABASE_URL"),
		BotAPIToken:   stringsTrimSpace("BOTAPI_TOKEN"),
		BotAPIBaseURL: envOrDefault("BOTAPI_BASE_URL", "https://api.telegram.org"),
		WebhookSecret: stringsTrimSpace("WEBHOOK_SECRET"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AITimeout, err = durationFromEnv("AI_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.JanitorInterval, err = durationFromEnv("SESSION_JANITOR_INTERVAL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.DispatchConcurrency, err = intFromEnv("DISPATCH_CONCURRENCY", 8); err != nil {
		return Config{}, err
	}
	if cfg.MaxPromptLength, err = intFromEnv("MAX_PROMPT_LENGTH", 4096); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessions, err = intFromEnv("MAX_SESSIONS", 1000); err != nil {
		return Config{}, err
	}
	if cfg.AIMaxTokens, err = intFromEnv("AI_MAX_TOKENS", 4096); err != nil {
		return Config{}, err
	}
	if cfg.WebhookRatePerMinute, err = intFromEnv("WEBHOOK_RATE_PER_MINUTE", 20); err != nil {
		return Config{}, err
	}
	if cfg.WebhookBurst, err = intFromEnv("WEBHOOK_BURST", 5); err != nil {
		return Config{}, err
	}
	if cfg.AIHTTPStreamStrict, err = boolFromEnv("AI_HTTP_STREAM_STRICT", false); err != nil {
		return Config{}, err
	}
	if cfg.WebhookEnabled, err = boolFromEnv("WEBHOOK_ENABLED", cfg.BotAPIToken != ""); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.ChatMode {
	case ChatModeBridge:
		if c.ChatSession == "" {
			errs = append(errs, errors.New("CHAT_SESSION (or PYROGRAM_SESSION) is required when CHAT_MODE=bridge"))
		}
		if c.ChatBridgeURL == "" {
			errs = append(errs, errors.New("CHAT_BRIDGE_URL is required when CHAT_MODE=bridge"))
		}
	case ChatModeMock:
	default:
		errs = append(errs, fmt.Errorf("CHAT_MODE must be %q or %q (got %q)", ChatModeBridge, ChatModeMock, c.ChatMode))
	}

	switch c.AIProvider {
	case "auto":
		if c.GeminiAPIKey == "" && c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.AIHTTPURL == "" {
			errs = append(errs, errors.New("an AI provider is required: set GEMINI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY or AI_HTTP_URL (or AI_PROVIDER=mock)"))
		}
	case "gemini", "genai":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when AI_PROVIDER=gemini"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when AI_PROVIDER=openai"))
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required when AI_PROVIDER=anthropic"))
		}
	case "http":
		if c.AIHTTPURL == "" {
			errs = append(errs, errors.New("AI_HTTP_URL is required when AI_PROVIDER=http"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unsupported AI_PROVIDER %q", c.AIProvider))
	}

	if c.WebhookEnabled {
		if c.BotAPIToken == "" {
			errs = append(errs, errors.New("BOTAPI_TOKEN is required when WEBHOOK_ENABLED=true"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when WEBHOOK_ENABLED=true"))
		}
		if c.WebhookRatePerMinute <= 0 || c.WebhookBurst <= 0 {
			errs = append(errs, errors.New("WEBHOOK_RATE_PER_MINUTE and WEBHOOK_BURST must be positive"))
		}
	}

	if c.MaxPromptLength <= 0 {
		errs = append(errs, errors.New("MAX_PROMPT_LENGTH must be positive"))
	}
	if c.DispatchConcurrency <= 0 {
		errs = append(errs, errors.New("DISPATCH_CONCURRENCY must be positive"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("MAX_SESSIONS must be positive"))
	}
	if c.SessionTTL < time.Minute {
		errs = append(errs, errors.New("SESSION_TTL must be at least 1m"))
	}
	if c.AITimeout <= 0 {
		errs = append(errs, errors.New("AI_TIMEOUT must be positive"))
	}
	if strings.TrimSpace(c.CommandPrefix) == "" {
		errs = append(errs, errors.New("COMMAND_PREFIX must not be blank"))
	}
	return errors.Join(errs...)
}

// bindAddrFromEnv prefers APP_BIND_ADDR and falls back to the hosting
// platform's PORT.
func bindAddrFromEnv() string {
	if v := stringsTrimSpace("APP_BIND_ADDR"); v != "" {
		return v
	}
	if port := stringsTrimSpace("PORT"); port != "" {
		return "0.0.0.0:" + port
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
