package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	AudioDir string   `env:"AUDIO_DIR" envDefault:"./audio"`
	S3       S3Config `envPrefix:"S3_"`

	STT   STTConfig   `envPrefix:"STT_"`
	LLM   LLMConfig   `envPrefix:"LLM_"`
	Retry RetryConfig `envPrefix:"RETRY_"`

	// AnalysisRetry routes text-generation calls through the same retry
	// policy as transcription.
	AnalysisRetry bool `env:"ANALYSIS_RETRY" envDefault:"true"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"sitevoice"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"sitevoice"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	WatchDir      string `env:"WATCH_DIR"`
	EventRingSize int    `env:"EVENT_RING_SIZE" envDefault:"512"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"5m"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	MaxUploadMB  int64         `env:"MAX_UPLOAD_MB" envDefault:"100"`

	AuthToken   string   `env:"AUTH_TOKEN"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config selects the S3-compatible blob backend. Local disk is used when
// Bucket is empty.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

type STTConfig struct {
	// Provider is "raw" (POST audio bytes, JSON {text} back) or "whisper"
	// (OpenAI-compatible multipart transcription endpoint).
	Provider    string        `env:"PROVIDER" envDefault:"raw"`
	URL         string        `env:"URL"`
	APIKey      string        `env:"API_KEY"`
	Model       string        `env:"MODEL"`
	Language    string        `env:"LANGUAGE"`
	ContentType string        `env:"CONTENT_TYPE" envDefault:"audio/m4a"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"120s"`
}

type LLMConfig struct {
	URL         string        `env:"URL" envDefault:"https://api.openai.com/v1/chat/completions"`
	APIKey      string        `env:"API_KEY"`
	Model       string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	Temperature float64       `env:"TEMPERATURE" envDefault:"0"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"90s"`
}

type RetryConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"4"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"2s"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"30s"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
	WatchDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	switch c.STT.Provider {
	case "raw", "whisper":
	default:
		return fmt.Errorf("STT_PROVIDER must be raw or whisper, got %q", c.STT.Provider)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}
	return nil
}
