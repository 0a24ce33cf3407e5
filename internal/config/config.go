package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMProviderConfig holds configuration for all LLM providers.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// GoogleAI-specific config.
	GeminiModel string `yaml:"gemini_model"`

	// Anthropic-specific config.
	AnthropicModel string `yaml:"anthropic_model"`

	// OpenAI-specific config.
	OpenAIModel string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

// EngineConfig bounds the decision loop.
type EngineConfig struct {
	// MaxRounds caps model rounds per claimed batch. Default 3.
	MaxRounds int `yaml:"max_rounds"`

	// PreviousWindow is the number of already-processed messages packed
	// before the claimed batch. Default 1.
	PreviousWindow int `yaml:"previous_window"`
}

// SweeperConfig drives the stuck-claim sweep.
type SweeperConfig struct {
	// Schedule is a five-field cron expression. Default "* * * * *".
	Schedule string `yaml:"schedule"`

	// StuckTimeoutSeconds is how long a message may stay running before the
	// sweep releases it back to pending. Default 300.
	StuckTimeoutSeconds int `yaml:"stuck_timeout_seconds"`
}

// DispatchConfig drives the pending-session poller.
type DispatchConfig struct {
	// PollIntervalSeconds between scans for sessions with pending messages.
	// Default 2.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	LLM      LLMProviderConfig `yaml:"llm"`
	Engine   EngineConfig      `yaml:"engine"`
	Sweeper  SweeperConfig     `yaml:"sweeper"`
	Dispatch DispatchConfig    `yaml:"dispatch"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Otel settings are read by the otel package via the daemon.
	OtelEnabled  bool   `yaml:"otel_enabled"`
	OtelExporter string `yaml:"otel_exporter"` // "otlp-http", "stdout", "none"
	OtelEndpoint string `yaml:"otel_endpoint"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective LLM provider, model, and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	// Normalize legacy provider name.
	if provider == "gemini" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and on reload so operators can tell which config a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|provider=%s|rounds=%d|window=%d|sweep=%s",
		c.DBPath, c.LogLevel, c.LLM.Provider, c.Engine.MaxRounds, c.Engine.PreviousWindow, c.Sweeper.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			MaxRounds:      3,
			PreviousWindow: 1,
		},
		Sweeper: SweeperConfig{
			Schedule:            "* * * * *",
			StuckTimeoutSeconds: 300,
		},
		Dispatch: DispatchConfig{
			PollIntervalSeconds: 2,
		},
		OtelExporter: "none",
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKWEAVE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskweave")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home dir, applying defaults,
// env overrides, and normalization. A missing file yields pure defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskweave home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskweave.db")
	}
	if cfg.Engine.MaxRounds <= 0 {
		cfg.Engine.MaxRounds = 3
	}
	if cfg.Engine.PreviousWindow < 0 {
		cfg.Engine.PreviousWindow = 1
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "* * * * *"
	}
	if cfg.Sweeper.StuckTimeoutSeconds <= 0 {
		cfg.Sweeper.StuckTimeoutSeconds = 300
	}
	if cfg.Dispatch.PollIntervalSeconds <= 0 {
		cfg.Dispatch.PollIntervalSeconds = 2
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.OtelExporter == "" {
		cfg.OtelExporter = "none"
	}
}

func validate(cfg *Config) error {
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	switch cfg.OtelExporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("unknown otel exporter %q", cfg.OtelExporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKWEAVE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKWEAVE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKWEAVE_MAX_ROUNDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxRounds = v
		}
	}
	if raw := os.Getenv("TASKWEAVE_PREVIOUS_WINDOW"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.PreviousWindow = v
		}
	}
	if raw := os.Getenv("TASKWEAVE_STUCK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sweeper.StuckTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKWEAVE_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TASKWEAVE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
}
