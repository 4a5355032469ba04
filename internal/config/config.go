package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ReelSmith server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AI       AIConfig
	Render   RenderConfig
	Storage  StorageConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type RenderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type StorageConfig struct {
	BaseURL string
	Bucket  string
	Timeout time.Duration
}

// PipelineConfig tunes the dispatcher, worker pool, retry policy and the
// reconciliation sweeper.
type PipelineConfig struct {
	Workers         int
	QueueSize       int
	PollInterval    time.Duration
	StageTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    string // fixed | exponential
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	SweepInterval   time.Duration
	SweepGrace      time.Duration
	MaxVariantCount int
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

var validBackoffs = map[string]bool{
	"fixed":       true,
	"exponential": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("REELSMITH_PORT", 8080),
			Env:  envString("REELSMITH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "mock"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4o"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		Render: RenderConfig{
			BaseURL: os.Getenv("RENDER_BASE_URL"),
			APIKey:  os.Getenv("RENDER_API_KEY"),
			Timeout: envDuration("RENDER_TIMEOUT", 15*time.Minute),
		},
		Storage: StorageConfig{
			BaseURL: os.Getenv("STORAGE_BASE_URL"),
			Bucket:  envString("STORAGE_BUCKET", "reelsmith"),
			Timeout: envDuration("STORAGE_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:         envInt("PIPELINE_WORKERS", 8),
			QueueSize:       envInt("PIPELINE_QUEUE_SIZE", 256),
			PollInterval:    envDuration("PIPELINE_POLL_INTERVAL", 2*time.Second),
			StageTimeout:    envDuration("PIPELINE_STAGE_TIMEOUT", 20*time.Minute),
			MaxRetries:      envInt("PIPELINE_MAX_RETRIES", 3),
			RetryBackoff:    envString("PIPELINE_RETRY_BACKOFF", "exponential"),
			BackoffBase:     envDuration("PIPELINE_BACKOFF_BASE", 5*time.Second),
			BackoffMax:      envDuration("PIPELINE_BACKOFF_MAX", 2*time.Minute),
			SweepInterval:   envDuration("PIPELINE_SWEEP_INTERVAL", 30*time.Second),
			SweepGrace:      envDuration("PIPELINE_SWEEP_GRACE", 5*time.Minute),
			MaxVariantCount: envInt("PIPELINE_MAX_VARIANTS", 10),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	if c.Render.BaseURL == "" {
		return fmt.Errorf("RENDER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Render.BaseURL, "http://") && !strings.HasPrefix(c.Render.BaseURL, "https://") {
		return fmt.Errorf("RENDER_BASE_URL must start with http:// or https://, got %q", c.Render.BaseURL)
	}

	if c.Storage.BaseURL == "" {
		return fmt.Errorf("STORAGE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Storage.BaseURL, "http://") && !strings.HasPrefix(c.Storage.BaseURL, "https://") {
		return fmt.Errorf("STORAGE_BASE_URL must start with http:// or https://, got %q", c.Storage.BaseURL)
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1, got %d", c.Pipeline.Workers)
	}
	if !validBackoffs[c.Pipeline.RetryBackoff] {
		return fmt.Errorf("PIPELINE_RETRY_BACKOFF must be fixed or exponential, got %q", c.Pipeline.RetryBackoff)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("PIPELINE_MAX_RETRIES must not be negative, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.MaxVariantCount < 1 {
		return fmt.Errorf("PIPELINE_MAX_VARIANTS must be at least 1, got %d", c.Pipeline.MaxVariantCount)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
