// Package config loads worker configuration from the environment. Both
// binaries share one Config; the planner simply ignores the scheduler knobs
// and vice versa.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultBatchSize        = 10
	DefaultPollInterval     = 5 * time.Second
	DefaultClaimHorizon     = 10 * time.Second
	DefaultCleanupInterval  = 5 * time.Minute
	DefaultZombieThreshold  = time.Hour
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultAnalysisInterval = 5 * time.Minute
	DefaultLookbackMinutes  = 5
	DefaultAIMaxTokens      = 1500
	DefaultAITemperature    = 0.7
	DefaultRateLimitInitTPM = 60000
	DefaultRateLimitMaxTPM  = 120000

	minimumEncryptionSecret = 32
)

// Config carries everything the worker binaries need.
type Config struct {
	DatabaseURL      string
	EncryptionSecret string
	LogLevel         string

	// Scheduler worker.
	BatchSize       int
	PollInterval    time.Duration
	ClaimHorizon    time.Duration
	CleanupInterval time.Duration
	ZombieThreshold time.Duration
	ShutdownTimeout time.Duration

	// AI planner worker.
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	AIModel          string
	AnalysisInterval time.Duration
	Lookback         time.Duration
	AIMaxTokens      int
	AITemperature    float32
	RateLimitInitTPM float64
	RateLimitMaxTPM  float64
}

// Load reads the environment and validates required settings.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		EncryptionSecret: os.Getenv("ENCRYPTION_SECRET"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		AIModel:          os.Getenv("AI_MODEL"),
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if len(cfg.EncryptionSecret) < minimumEncryptionSecret {
		return nil, fmt.Errorf("ENCRYPTION_SECRET must be at least %d characters", minimumEncryptionSecret)
	}

	var err error
	if cfg.BatchSize, err = intEnv("BATCH_SIZE", DefaultBatchSize); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = msEnv("POLL_INTERVAL_MS", DefaultPollInterval); err != nil {
		return nil, err
	}
	if cfg.ClaimHorizon, err = msEnv("CLAIM_HORIZON_MS", DefaultClaimHorizon); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = msEnv("CLEANUP_INTERVAL_MS", DefaultCleanupInterval); err != nil {
		return nil, err
	}
	if cfg.ZombieThreshold, err = msEnv("ZOMBIE_RUN_THRESHOLD_MS", DefaultZombieThreshold); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = msEnv("SHUTDOWN_TIMEOUT_MS", DefaultShutdownTimeout); err != nil {
		return nil, err
	}
	if cfg.AnalysisInterval, err = msEnv("AI_ANALYSIS_INTERVAL_MS", DefaultAnalysisInterval); err != nil {
		return nil, err
	}
	lookbackMinutes, err := intEnv("AI_LOOKBACK_MINUTES", DefaultLookbackMinutes)
	if err != nil {
		return nil, err
	}
	cfg.Lookback = time.Duration(lookbackMinutes) * time.Minute
	if cfg.AIMaxTokens, err = intEnv("AI_MAX_TOKENS", DefaultAIMaxTokens); err != nil {
		return nil, err
	}
	if cfg.AITemperature, err = floatEnv("AI_TEMPERATURE", DefaultAITemperature); err != nil {
		return nil, err
	}
	initTPM, err := intEnv("AI_RATE_LIMIT_TPM", DefaultRateLimitInitTPM)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitInitTPM = float64(initTPM)
	maxTPM, err := intEnv("AI_RATE_LIMIT_MAX_TPM", DefaultRateLimitMaxTPM)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitMaxTPM = float64(maxTPM)

	if cfg.BatchSize <= 0 {
		return nil, errors.New("BATCH_SIZE must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("POLL_INTERVAL_MS must be positive")
	}
	return cfg, nil
}

// HasAIProvider reports whether any model provider credentials are set.
func (c *Config) HasAIProvider() bool {
	return c.OpenAIAPIKey != "" || c.AnthropicAPIKey != ""
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func msEnv(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func floatEnv(name string, def float32) (float32, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return float32(v), nil
}
