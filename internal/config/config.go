package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	// Upstream backends
	GroqAPIKey     string
	TogetherAPIKey string
	OllamaBaseURL  string
	AWSRegion      string

	// Credentials may come from Secrets Manager instead of the
	// environment. When set, ProviderKeysSecret names a JSON secret
	// with one entry per backend.
	ProviderKeysSecret string

	// Model catalog. Empty means the built-in defaults.
	CatalogPath   string
	FallbackChain []string

	// Auth
	TokenSigningKey   string
	EncryptionKey     string
	AdminUser         string
	AdminPasswordHash string

	// Rate limiting
	RateLimitRPM int

	// Response cache
	CacheTTL time.Duration

	// Notifications and usage export
	SNSTopicARN        string
	SQSQueueURL        string
	LowBalanceAlertAt  float64
	UsageExportEnabled bool

	OTLPEndpoint string

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		GroqAPIKey:         getEnv("GROQ_API_KEY", ""),
		TogetherAPIKey:     getEnv("TOGETHER_API_KEY", ""),
		OllamaBaseURL:      getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		AWSRegion:          getEnv("AWS_REGION", ""),
		ProviderKeysSecret: getEnv("PROVIDER_KEYS_SECRET", ""),
		CatalogPath:        getEnv("CATALOG_PATH", ""),
		FallbackChain:      getListEnv("FALLBACK_CHAIN", nil),
		TokenSigningKey:    getEnv("TOKEN_SIGNING_KEY", ""),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		AdminUser:          getEnv("ADMIN_USER", ""),
		AdminPasswordHash:  getEnv("ADMIN_PASSWORD_HASH", ""),
		RateLimitRPM:       getIntEnv("RATE_LIMIT_RPM", 60),
		CacheTTL:           getDurationEnv("CACHE_TTL", 5*time.Minute),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:        getEnv("SQS_QUEUE_URL", ""),
		LowBalanceAlertAt:  getFloatEnv("LOW_BALANCE_ALERT_AT", 1.0),
		UsageExportEnabled: getEnv("USAGE_EXPORT_ENABLED", "false") == "true",
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:       getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
