package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Routing modes.
const (
	ModeStandard            = "standard"
	ModeConversationalFirst = "conversational-first"
)

// Config contains all runtime settings for the coordinator service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	AllowAnyOrigin   bool

	RoutingMode              string
	RoutingThreshold         int
	ClarificationMaxAttempts int

	ConversationTTL           time.Duration
	ConversationSweepSchedule string
	ConversationStore         string
	DatabaseURL               string
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int

	InferenceMode    string
	InferenceHTTPURL string
	InferenceTimeout time.Duration
	GeminiAPIKey     string
	GeminiModel      string

	Partitions        string
	PartitionTimeout  time.Duration
	CapabilityCatalog string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "tides"),
		LogLevel:                  envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:            false,
		RoutingMode:               strings.ToLower(envOrDefault("ROUTING_MODE", ModeStandard)),
		ClarificationMaxAttempts:  3,
		ConversationSweepSchedule: envOrDefault("CONVERSATION_SWEEP_SCHEDULE", "@every 5m"),
		ConversationStore:         strings.ToLower(envOrDefault("CONVERSATION_STORE", "auto")),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		RedisAddr:                 stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		InferenceMode:             strings.ToLower(envOrDefault("INFERENCE_MODE", "auto")),
		InferenceHTTPURL:          stringsTrimSpace("INFERENCE_HTTP_URL"),
		GeminiAPIKey:              stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:               stringsTrimSpace("GEMINI_MODEL"),
		// Two in-process partitions so local runs exercise the fan-out.
		Partitions:        envOrDefault("PARTITIONS", "primary=mem:,replica=mem:"),
		CapabilityCatalog: stringsTrimSpace("CAPABILITY_CATALOG"),
		ShutdownTimeout:   15 * time.Second,
		ConversationTTL:   24 * time.Hour,
		InferenceTimeout:  400 * time.Millisecond,
		PartitionTimeout:  2 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RoutingThreshold, err = intFromEnv("ROUTING_THRESHOLD", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.ClarificationMaxAttempts, err = intFromEnv("CLARIFICATION_MAX_ATTEMPTS", cfg.ClarificationMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationTTL, err = durationFromEnv("CONVERSATION_TTL", cfg.ConversationTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.InferenceTimeout, err = durationFromEnv("INFERENCE_TIMEOUT", cfg.InferenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PartitionTimeout, err = durationFromEnv("PARTITION_TIMEOUT", cfg.PartitionTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.RoutingMode != ModeStandard && cfg.RoutingMode != ModeConversationalFirst {
		return Config{}, fmt.Errorf("ROUTING_MODE must be %q or %q", ModeStandard, ModeConversationalFirst)
	}
	if cfg.RoutingThreshold < 0 || cfg.RoutingThreshold > 100 {
		return Config{}, fmt.Errorf("ROUTING_THRESHOLD must be within [0,100]")
	}
	if cfg.RoutingThreshold == 0 {
		cfg.RoutingThreshold = DefaultThreshold(cfg.RoutingMode)
	}
	if cfg.ClarificationMaxAttempts < 1 {
		return Config{}, fmt.Errorf("CLARIFICATION_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.ConversationTTL < time.Minute {
		return Config{}, fmt.Errorf("CONVERSATION_TTL must be at least 1m")
	}
	if cfg.InferenceTimeout <= 0 || cfg.PartitionTimeout <= 0 {
		return Config{}, fmt.Errorf("INFERENCE_TIMEOUT and PARTITION_TIMEOUT must be positive")
	}

	return cfg, nil
}

// DefaultThreshold is the routing threshold a mode uses unless overridden.
func DefaultThreshold(mode string) int {
	if mode == ModeConversationalFirst {
		return 85
	}
	return 70
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
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
