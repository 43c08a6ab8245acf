package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CardPolicy controls whether a login also exchanges contact cards with the
// node, which in turn decides how long we wait for the user to appear.
type CardPolicy string

const (
	// CardPolicyNone logs the user in without any card exchange.
	CardPolicyNone CardPolicy = "no_card"
	// CardPolicyWant exchanges cards when the user is willing, but a login
	// without one is still fine.
	CardPolicyWant CardPolicy = "want_card"
	// CardPolicyRequire refuses to resolve a user until a card was shared.
	CardPolicyRequire CardPolicy = "require_card"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	BaseURI     string

	NodeID              string
	NodeEndpoint        string
	NodePassword        string
	NodeSecretsFile     string
	CardMessageEndpoint string
	WelcomeMessage      string
	CardPolicy          CardPolicy

	RetryInterval      time.Duration
	ShortRetryAttempts int
	LongRetryAttempts  int
	RetryWorkers       int

	SweepInterval time.Duration
	StreamTTL     time.Duration
	MaxStreams    int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
	BearerTTL     time.Duration

	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	baseURI := strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URI")), "/")
	if baseURI == "" {
		return Config{}, fmt.Errorf("BASE_URI is required")
	}
	nodeID := strings.TrimSpace(os.Getenv("NODE_ID"))
	if nodeID == "" {
		return Config{}, fmt.Errorf("NODE_ID is required")
	}
	nodeEndpoint := strings.TrimRight(strings.TrimSpace(os.Getenv("NODE_ENDPOINT")), "/")
	if nodeEndpoint == "" {
		return Config{}, fmt.Errorf("NODE_ENDPOINT is required")
	}
	secretsFile := strings.TrimSpace(os.Getenv("NODE_SECRETS_FILE"))
	if secretsFile == "" {
		return Config{}, fmt.Errorf("NODE_SECRETS_FILE is required")
	}

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "qrlink-auth"),
		BaseURI:     baseURI,

		NodeID:              nodeID,
		NodeEndpoint:        nodeEndpoint,
		NodePassword:        os.Getenv("NODE_PASSWORD"),
		NodeSecretsFile:     secretsFile,
		CardMessageEndpoint: strings.TrimRight(os.Getenv("CARD_MESSAGE_ENDPOINT"), "/"),
		WelcomeMessage:      getEnv("WELCOME_MESSAGE", "May we stay in touch?"),
		CardPolicy:          CardPolicy(getEnv("CARD_POLICY", string(CardPolicyNone))),

		RetryInterval:      getDuration("LOGIN_RETRY_INTERVAL", 500*time.Millisecond),
		ShortRetryAttempts: getInt("LOGIN_RETRY_ATTEMPTS_SHORT", 20),
		LongRetryAttempts:  getInt("LOGIN_RETRY_ATTEMPTS_LONG", 120),
		RetryWorkers:       getInt("LOGIN_RETRY_WORKERS", 8),

		SweepInterval: getDuration("STREAM_SWEEP_INTERVAL", 10*time.Second),
		StreamTTL:     getDuration("STREAM_TTL", 30*time.Minute),
		MaxStreams:    getInt("STREAM_MAX", 1_000_000),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),
		SessionTTL:    getDuration("SESSION_TTL", 8*time.Hour),
		BearerTTL:     getDuration("BEARER_TTL", 15*time.Minute),

		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	switch cfg.CardPolicy {
	case CardPolicyNone, CardPolicyWant, CardPolicyRequire:
	default:
		return Config{}, fmt.Errorf("CARD_POLICY must be one of no_card, want_card, require_card")
	}
	if cfg.RetryWorkers < 1 {
		cfg.RetryWorkers = 1
	}
	if cfg.MaxStreams < 1 {
		return Config{}, fmt.Errorf("STREAM_MAX must be positive")
	}

	return cfg, nil
}

// RetryAttempts returns the poll budget for a callback; card exchanges take
// longer round-trips than a plain login.
func (c Config) RetryAttempts() int {
	if c.CardPolicy == CardPolicyNone {
		return c.ShortRetryAttempts
	}
	return c.LongRetryAttempts
}

// ErrorOnExhausted reports whether a retry budget running out should be
// surfaced to the waiting browser as an error event.
func (c Config) ErrorOnExhausted() bool {
	return c.CardPolicy == CardPolicyNone
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
