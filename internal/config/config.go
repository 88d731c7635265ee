// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSOrigins        string

	// Storage
	DataDir          string
	BoltPath         string
	MessageCacheSize int

	// NATS settings. An empty URL disables the stream journal.
	NATSURL          string
	NATSCAFile       string
	NATSCertFile     string
	NATSKeyFile      string
	NATSToken        string
	JournalRetention time.Duration

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OllamaHost      string
	ModelsFile      string
	EchoDelay       time.Duration

	// Streams
	StreamRetention   time.Duration
	GenerationTimeout time.Duration
	DeleteWaitTimeout time.Duration

	// Quotas, in generations per day. Zero means unlimited.
	QuotaGuestPerDay   int
	QuotaRegularPerDay int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel       string
	LogDevelopment bool

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	dataDir := getEnv("DATA_DIR", "./data")

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:        getEnv("CORS_ORIGINS", "*"),

		// Storage
		DataDir:          dataDir,
		BoltPath:         getEnv("BOLT_PATH", filepath.Join(dataDir, "chat.db")),
		MessageCacheSize: getIntEnv("MESSAGE_CACHE_SIZE", 1024),

		// NATS
		NATSURL:          getEnv("NATS_URL", ""),
		NATSCAFile:       getEnv("NATS_CA_FILE", ""),
		NATSCertFile:     getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:      getEnv("NATS_KEY_FILE", ""),
		NATSToken:        getEnv("NATS_TOKEN", ""),
		JournalRetention: getDurationEnv("JOURNAL_RETENTION", 24*time.Hour),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		ModelsFile:      getEnv("MODELS_FILE", ""),
		EchoDelay:       getDurationEnv("ECHO_DELAY", 50*time.Millisecond),

		// Streams
		StreamRetention:   getDurationEnv("STREAM_RETENTION", 10*time.Minute),
		GenerationTimeout: getDurationEnv("GENERATION_TIMEOUT", 5*time.Minute),
		DeleteWaitTimeout: getDurationEnv("DELETE_WAIT_TIMEOUT", 10*time.Second),

		// Quotas
		QuotaGuestPerDay:   getIntEnv("QUOTA_GUEST_PER_DAY", 20),
		QuotaRegularPerDay: getIntEnv("QUOTA_REGULAR_PER_DAY", 200),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDevelopment: getBoolEnv("LOG_DEVELOPMENT", false),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.BoltPath == "" {
		errs = append(errs, errors.New("BOLT_PATH must be set"))
	}
	if c.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("GENERATION_TIMEOUT must be positive"))
	}
	if c.StreamRetention <= 0 {
		errs = append(errs, errors.New("STREAM_RETENTION must be positive"))
	}
	if c.MessageCacheSize <= 0 {
		errs = append(errs, errors.New("MESSAGE_CACHE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
