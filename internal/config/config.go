package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	insighterrors "github.com/hpungsan/insight/internal/errors"
)

// RateLimit bounds calls to one category of upstream service.
type RateLimit struct {
	RPS         float64 `json:"rps" validate:"gt=0"`
	Concurrency int     `json:"concurrency" validate:"gte=1"`
}

// RetryConfig controls the backoff policy applied to outbound calls.
type RetryConfig struct {
	MaxAttempts int  `json:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelayMS int  `json:"base_delay_ms" validate:"gte=0"`
	MaxDelayMS  int  `json:"max_delay_ms" validate:"gtefield=BaseDelayMS"`
	Jitter      bool `json:"jitter"`
}

// Config holds application configuration.
type Config struct {
	// DataDir holds state.json, artifacts/ and insight.db. Defaults to the base dir.
	DataDir string `json:"data_dir" validate:"required"`

	// OutputDir is where rendered notes are written. Defaults to <base dir>/notes.
	OutputDir string `json:"output_dir" validate:"required"`

	// BacklogDir holds export files waiting to be run. Defaults to <data dir>/backlog.
	BacklogDir string `json:"backlog_dir" validate:"required"`

	// BacklogRetentionDays is how long archived exports are kept. 0 keeps them forever.
	BacklogRetentionDays int `json:"backlog_retention_days" validate:"gte=0"`
	BacklogPollSeconds   int `json:"backlog_poll_seconds" validate:"gte=1"`

	// Workers is the number of bookmarks processed concurrently.
	Workers int `json:"workers" validate:"gte=1,lte=64"`

	LogLevel  string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" validate:"oneof=json text"`

	// TokenBudget caps the estimated size of a capture artifact before truncation.
	TokenBudget int `json:"token_budget" validate:"gte=1000"`

	ShutdownGraceSeconds int `json:"shutdown_grace_seconds" validate:"gte=0"`
	FetchTimeoutSeconds  int `json:"fetch_timeout_seconds" validate:"gte=1"`
	LLMTimeoutSeconds    int `json:"llm_timeout_seconds" validate:"gte=1"`

	// LinkCacheTTLDays is how long fetched pages stay in the link cache. 0 disables the cache.
	LinkCacheTTLDays int `json:"link_cache_ttl_days" validate:"gte=0"`

	// RateLimits are keyed by category: thread, link, vision, llm, video.
	// Entries in the file override the defaults per category.
	RateLimits map[string]RateLimit `json:"rate_limits" validate:"dive"`

	Retry RetryConfig `json:"retry"`

	// Provider selects the reasoning backend.
	Provider    string `json:"provider" validate:"oneof=gemini cohere"`
	TextModel   string `json:"text_model" validate:"required"`
	VisionModel string `json:"vision_model" validate:"required"`

	// Credentials come from the environment only.
	GeminiAPIKey string `json:"-"`
	CohereAPIKey string `json:"-"`
	XBearerToken string `json:"-"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultRateLimits returns the per-category defaults.
func DefaultRateLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"video":  {RPS: 1, Concurrency: 1},
		"thread": {RPS: 2, Concurrency: 2},
		"link":   {RPS: 5, Concurrency: 3},
		"llm":    {RPS: 2, Concurrency: 2},
		"vision": {RPS: 5, Concurrency: 5},
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:              2,
		LogLevel:             "info",
		LogFormat:            "json",
		TokenBudget:          150000,
		ShutdownGraceSeconds: 30,
		FetchTimeoutSeconds:  15,
		LLMTimeoutSeconds:    120,
		LinkCacheTTLDays:     30,
		BacklogRetentionDays: 30,
		BacklogPollSeconds:   120,
		RateLimits:           DefaultRateLimits(),
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
			MaxDelayMS:  60000,
			Jitter:      true,
		},
		Provider:    "gemini",
		TextModel:   "gemini-2.5-flash",
		VisionModel: "gemini-2.5-flash",
	}
}

// Load loads configuration from baseDir/config.json, then applies baseDir/.env
// and INSIGHT_* environment overrides, then validates the result.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.insight.
func Load(baseDir string) (*Config, error) {
	file, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	cfg := Merge(DefaultConfig(), file)

	if cfg.DataDir == "" {
		cfg.DataDir = baseDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(baseDir, "notes")
	}
	if cfg.BacklogDir == "" {
		cfg.BacklogDir = filepath.Join(cfg.DataDir, "backlog")
	}

	if err := loadEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and returns a CONFIG error on failure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return insighterrors.NewConfig(fmt.Sprintf("invalid config: %v", err))
	}
	return nil
}

// RequireCredentials checks that the selected provider has an API key.
// Only commands that call out to a provider need this.
func (c *Config) RequireCredentials() error {
	switch c.Provider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return insighterrors.NewConfig("GEMINI_API_KEY is required for provider gemini")
		}
	case "cohere":
		if c.CohereAPIKey == "" {
			return insighterrors.NewConfig("COHERE_API_KEY is required for provider cohere")
		}
		// Image description still goes through Gemini.
		if c.GeminiAPIKey == "" {
			return insighterrors.NewConfig("GEMINI_API_KEY is required for image description")
		}
	}
	return nil
}

// StatePath returns the location of the processing state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// ArtifactDir returns the directory holding capture artifacts.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// BacklogRetention returns how long archived exports are kept.
func (c *Config) BacklogRetention() time.Duration {
	return time.Duration(c.BacklogRetentionDays) * 24 * time.Hour
}

// BacklogPollInterval returns how often the backlog watcher rescans.
func (c *Config) BacklogPollInterval() time.Duration {
	return time.Duration(c.BacklogPollSeconds) * time.Second
}

// ShutdownGrace returns the in-flight grace period on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// FetchTimeout returns the per-call timeout for page, thread and transcript fetches.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// LLMTimeout returns the per-call timeout for reasoning and vision calls.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// LinkCacheTTL returns the link cache entry lifetime.
func (c *Config) LinkCacheTTL() time.Duration {
	return time.Duration(c.LinkCacheTTLDays) * 24 * time.Hour
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, insighterrors.NewConfig(fmt.Sprintf("parse %s: %v", configPath, err))
	}

	return cfg, nil
}

// loadEnv loads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return insighterrors.NewConfig(fmt.Sprintf("load %s: %v", path, err))
	}
	return nil
}

// applyEnv copies credentials and INSIGHT_* overrides from the environment.
func applyEnv(cfg *Config) {
	cfg.GeminiAPIKey = firstEnv("INSIGHT_GEMINI_API_KEY", "GEMINI_API_KEY")
	cfg.CohereAPIKey = firstEnv("INSIGHT_COHERE_API_KEY", "COHERE_API_KEY")
	cfg.XBearerToken = firstEnv("INSIGHT_X_BEARER_TOKEN", "X_BEARER_TOKEN")

	if v := os.Getenv("INSIGHT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("INSIGHT_PROVIDER"); v != "" {
		cfg.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("INSIGHT_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("INSIGHT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated;
// rate limits are overridden per category.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.DataDir = overlayString(base.DataDir, overlay.DataDir)
	result.OutputDir = overlayString(base.OutputDir, overlay.OutputDir)
	result.BacklogDir = overlayString(base.BacklogDir, overlay.BacklogDir)
	result.LogLevel = overlayString(base.LogLevel, overlay.LogLevel)
	result.LogFormat = overlayString(base.LogFormat, overlay.LogFormat)
	result.Provider = overlayString(base.Provider, overlay.Provider)
	result.TextModel = overlayString(base.TextModel, overlay.TextModel)
	result.VisionModel = overlayString(base.VisionModel, overlay.VisionModel)

	result.Workers = overlayInt(base.Workers, overlay.Workers)
	result.TokenBudget = overlayInt(base.TokenBudget, overlay.TokenBudget)
	result.ShutdownGraceSeconds = overlayInt(base.ShutdownGraceSeconds, overlay.ShutdownGraceSeconds)
	result.FetchTimeoutSeconds = overlayInt(base.FetchTimeoutSeconds, overlay.FetchTimeoutSeconds)
	result.LLMTimeoutSeconds = overlayInt(base.LLMTimeoutSeconds, overlay.LLMTimeoutSeconds)
	result.LinkCacheTTLDays = overlayInt(base.LinkCacheTTLDays, overlay.LinkCacheTTLDays)
	result.BacklogRetentionDays = overlayInt(base.BacklogRetentionDays, overlay.BacklogRetentionDays)
	result.BacklogPollSeconds = overlayInt(base.BacklogPollSeconds, overlay.BacklogPollSeconds)

	result.Retry = base.Retry
	result.Retry.MaxAttempts = overlayInt(base.Retry.MaxAttempts, overlay.Retry.MaxAttempts)
	result.Retry.BaseDelayMS = overlayInt(base.Retry.BaseDelayMS, overlay.Retry.BaseDelayMS)
	result.Retry.MaxDelayMS = overlayInt(base.Retry.MaxDelayMS, overlay.Retry.MaxDelayMS)
	// Booleans: overlay wins if true, else base
	result.Retry.Jitter = base.Retry.Jitter || overlay.Retry.Jitter

	result.RateLimits = make(map[string]RateLimit, len(base.RateLimits))
	for k, v := range base.RateLimits {
		result.RateLimits[k] = v
	}
	for k, v := range overlay.RateLimits {
		result.RateLimits[strings.ToLower(strings.TrimSpace(k))] = v
	}

	result.GeminiAPIKey = overlayString(base.GeminiAPIKey, overlay.GeminiAPIKey)
	result.CohereAPIKey = overlayString(base.CohereAPIKey, overlay.CohereAPIKey)
	result.XBearerToken = overlayString(base.XBearerToken, overlay.XBearerToken)

	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func overlayString(base, overlay string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func overlayInt(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
