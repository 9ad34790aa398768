package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port string

	// Agent connection liveness.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Handshake.
	AuthTimeout       time.Duration
	PairingCodeTTL    time.Duration
	RateLimitAttempts int
	RateLimitWindow   time.Duration
	RateLimitCleanup  time.Duration

	// Command dispatch.
	CommandDefaultTimeout time.Duration
	CommandMaxTimeout     time.Duration
	CommandQueueSize      int

	// Telemetry debouncing.
	DebounceEnabled  bool
	DebounceDelay    time.Duration
	DebounceMaxDelay time.Duration
	DebounceMaxBatch int

	// Stale session sweep.
	CleanupEnabled bool
	SweepInterval  time.Duration
	StaleThreshold time.Duration

	// Optional shared-state and messaging backends. Empty means in-memory
	// pairing/rate-limit stores and a log-only telemetry sink.
	RedisAddr     string
	RedisPassword string
	MQTTBrokerURL string

	JWTPublicKeyPath string

	Postgres Postgres
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	return v != "false" && v != "0"
}

func Load() Config {
	return Config{
		Port: env("REMOTE_ACCESS_PORT", "8098"),

		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  envDuration("HEARTBEAT_TIMEOUT", 90*time.Second),

		AuthTimeout:       envDuration("AUTH_TIMEOUT", 30*time.Second),
		PairingCodeTTL:    envDuration("PAIRING_CODE_TTL", 15*time.Minute),
		RateLimitAttempts: envInt("RATE_LIMIT_ATTEMPTS", 5),
		RateLimitWindow:   envDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitCleanup:  envDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),

		CommandDefaultTimeout: envDuration("COMMAND_DEFAULT_TIMEOUT", 2*time.Minute),
		CommandMaxTimeout:     envDuration("COMMAND_MAX_TIMEOUT", 5*time.Minute),
		CommandQueueSize:      envInt("COMMAND_QUEUE_SIZE", 100),

		DebounceEnabled:  envBool("DEBOUNCE_ENABLED", true),
		DebounceDelay:    envDuration("DEBOUNCE_DELAY", 500*time.Millisecond),
		DebounceMaxDelay: envDuration("DEBOUNCE_MAX_DELAY", 2*time.Second),
		DebounceMaxBatch: envInt("DEBOUNCE_MAX_BATCH", 5),

		CleanupEnabled: envBool("CLEANUP_ENABLED", true),
		SweepInterval:  envDuration("CLEANUP_INTERVAL", time.Minute),
		StaleThreshold: envDuration("STALE_THRESHOLD", 2*time.Minute),

		RedisAddr:     env("REDIS_ADDR", ""),
		RedisPassword: env("REDIS_PASSWORD", ""),
		MQTTBrokerURL: env("MQTT_BROKER_URL", ""),

		JWTPublicKeyPath: env("JWT_PUBLIC_KEY_PATH", ""),

		Postgres: Postgres{
			User:     env("POSTGRES_USER", "postgres"),
			Password: env("POSTGRES_PASSWORD", "postgres"),
			DBName:   env("POSTGRES_DB", "remote_access"),
			Host:     env("POSTGRES_HOST", "postgres"),
			Port:     env("POSTGRES_PORT", "5432"),
			SSLMode:  env("POSTGRES_SSLMODE", "disable"),
		},
	}
}
