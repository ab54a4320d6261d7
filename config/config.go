package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// GetenvOrDefault returns the trimmed value of an environment variable, or
// fallback when the variable is unset, empty or whitespace-only.
func GetenvOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	return value
}

// GetenvIntOrDefault parses an integer environment variable, falling back
// on absence or parse failure.
func GetenvIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

// GetenvDurationOrDefault parses a duration environment variable
// ("30s", "5m"), falling back on absence or parse failure.
func GetenvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return parsed
}

// Config is the full process configuration.
type Config struct {
	Environment string `validate:"oneof=local development staging production"`
	LogLevel    string `validate:"oneof=debug info warn error"`
	HTTPAddress string `validate:"required"`

	PostgresDSN string `validate:"required"`

	RedisAddress  string `validate:"required"`
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration `validate:"gt=0"`
	DedupTTL      time.Duration `validate:"gt=0"`

	MpesaBaseURL        string `validate:"required,url"`
	MpesaConsumerKey    string `validate:"required"`
	MpesaConsumerSecret string `validate:"required"`
	MpesaShortCode      string `validate:"required"`
	MpesaPasskey        string `validate:"required"`
	MpesaCallbackURL    string `validate:"required,url"`

	GatewayTimeout            time.Duration `validate:"gt=0"`
	GatewayRetryBaseDelay     time.Duration `validate:"gt=0"`
	GatewayRetryMaxDelay      time.Duration `validate:"gt=0"`
	GatewayMaxAttempts        int           `validate:"gt=0"`
	GatewayBreakerThreshold   int           `validate:"gt=0"`
	GatewayBreakerOpenTimeout time.Duration `validate:"gt=0"`

	// RabbitURI is optional; when empty, resolved-transaction events are
	// not published.
	RabbitURI             string
	RabbitExchange        string
	RabbitRoutingKey      string
	RabbitPublishAttempts int           `validate:"gt=0"`
	RabbitConfirmTimeout  time.Duration `validate:"gt=0"`

	ReconcileInterval      time.Duration `validate:"gt=0"`
	ReconcileStaleAge      time.Duration `validate:"gt=0"`
	ReconcileResolutionSLA time.Duration `validate:"gt=0"`
	ReconcilePollCeiling   int           `validate:"gt=0"`
	ReconcileBatchSize     int           `validate:"gt=0"`

	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: GetenvOrDefault("ENVIRONMENT", "local"),
		LogLevel:    GetenvOrDefault("LOG_LEVEL", "info"),
		HTTPAddress: GetenvOrDefault("HTTP_ADDRESS", ":8080"),

		PostgresDSN: GetenvOrDefault("POSTGRES_DSN", "postgres://localhost:5432/payments?sslmode=disable"),

		RedisAddress:  GetenvOrDefault("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: GetenvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       GetenvIntOrDefault("REDIS_DB", 0),
		LockTTL:       GetenvDurationOrDefault("LOCK_TTL", 5*time.Second),
		DedupTTL:      GetenvDurationOrDefault("DEDUP_TTL", 24*time.Hour),

		MpesaBaseURL:        GetenvOrDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		MpesaConsumerKey:    GetenvOrDefault("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret: GetenvOrDefault("MPESA_CONSUMER_SECRET", ""),
		MpesaShortCode:      GetenvOrDefault("MPESA_SHORTCODE", ""),
		MpesaPasskey:        GetenvOrDefault("MPESA_PASSKEY", ""),
		MpesaCallbackURL:    GetenvOrDefault("MPESA_CALLBACK_URL", ""),

		GatewayTimeout:            GetenvDurationOrDefault("GATEWAY_TIMEOUT", 10*time.Second),
		GatewayRetryBaseDelay:     GetenvDurationOrDefault("GATEWAY_RETRY_BASE_DELAY", 250*time.Millisecond),
		GatewayRetryMaxDelay:      GetenvDurationOrDefault("GATEWAY_RETRY_MAX_DELAY", 5*time.Second),
		GatewayMaxAttempts:        GetenvIntOrDefault("GATEWAY_MAX_ATTEMPTS", 3),
		GatewayBreakerThreshold:   GetenvIntOrDefault("GATEWAY_BREAKER_THRESHOLD", 5),
		GatewayBreakerOpenTimeout: GetenvDurationOrDefault("GATEWAY_BREAKER_OPEN_TIMEOUT", 30*time.Second),

		RabbitURI:             GetenvOrDefault("RABBITMQ_URI", ""),
		RabbitExchange:        GetenvOrDefault("RABBITMQ_EXCHANGE", "payments"),
		RabbitRoutingKey:      GetenvOrDefault("RABBITMQ_ROUTING_KEY", "transaction.resolved"),
		RabbitPublishAttempts: GetenvIntOrDefault("RABBITMQ_PUBLISH_ATTEMPTS", 5),
		RabbitConfirmTimeout:  GetenvDurationOrDefault("RABBITMQ_CONFIRM_TIMEOUT", 5*time.Second),

		ReconcileInterval:      GetenvDurationOrDefault("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileStaleAge:      GetenvDurationOrDefault("RECONCILE_STALE_AGE", 90*time.Second),
		ReconcileResolutionSLA: GetenvDurationOrDefault("RECONCILE_RESOLUTION_SLA", 5*time.Minute),
		ReconcilePollCeiling:   GetenvIntOrDefault("RECONCILE_POLL_CEILING", 3),
		ReconcileBatchSize:     GetenvIntOrDefault("RECONCILE_BATCH_SIZE", 100),

		ShutdownTimeout: GetenvDurationOrDefault("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
