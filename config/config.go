package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Attribution AttributionConfig
	Dispatcher  DispatcherConfig
	Reminder    ReminderConfig
}

type ServerConfig struct {
	Port    string
	GinMode string
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	URL string // optional; empty disables the redis idempotency fast path
}

// AttributionConfig tunes the broadcast/accept protocol. The escalation policy
// (radius factor, cap, round budget) is deliberately configuration, not code.
type AttributionConfig struct {
	DefaultRadiusKm  float64
	MaxRadiusKm      float64
	EscalationFactor float64
	MaxBroadcasts    int
	BroadcastTimeout time.Duration
	OpsEmail         string
}

// DispatcherConfig tunes the durable notification delivery pipeline.
// VisibilityTimeout is how long a claimed record may sit in SENDING before it
// is presumed abandoned by a crashed worker and released back to the pool.
type DispatcherConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BatchSize         int
	PollInterval      time.Duration
	AdapterTimeout    time.Duration
	VisibilityTimeout time.Duration
	EmailRelayURL     string
	SMSGatewayURL     string
}

type ReminderConfig struct {
	PollInterval  time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

var AppConfig *Config

func Load() {
	AppConfig = &Config{
		Server: ServerConfig{
			Port:    getEnv("PORT", "8080"),
			GinMode: getEnv("GIN_MODE", "debug"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DB_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Attribution: AttributionConfig{
			DefaultRadiusKm:  getEnvAsFloat("ATTRIBUTION_DEFAULT_RADIUS_KM", 50.0),
			MaxRadiusKm:      getEnvAsFloat("ATTRIBUTION_MAX_RADIUS_KM", 200.0),
			EscalationFactor: getEnvAsFloat("ATTRIBUTION_ESCALATION_FACTOR", 2.0),
			MaxBroadcasts:    getEnvAsInt("ATTRIBUTION_MAX_BROADCASTS", 3),
			BroadcastTimeout: getEnvAsDuration("ATTRIBUTION_BROADCAST_TIMEOUT", 3*time.Minute),
			OpsEmail:         getEnv("ATTRIBUTION_OPS_EMAIL", "operations@example.com"),
		},
		Dispatcher: DispatcherConfig{
			MaxAttempts:       getEnvAsInt("DISPATCHER_MAX_ATTEMPTS", 3),
			BackoffBase:       getEnvAsDuration("DISPATCHER_BACKOFF_BASE", 30*time.Second),
			BackoffCap:        getEnvAsDuration("DISPATCHER_BACKOFF_CAP", 15*time.Minute),
			BatchSize:         getEnvAsInt("DISPATCHER_BATCH_SIZE", 25),
			PollInterval:      getEnvAsDuration("DISPATCHER_POLL_INTERVAL", 5*time.Second),
			AdapterTimeout:    getEnvAsDuration("DISPATCHER_ADAPTER_TIMEOUT", 10*time.Second),
			VisibilityTimeout: getEnvAsDuration("DISPATCHER_VISIBILITY_TIMEOUT", 5*time.Minute),
			EmailRelayURL:     getEnv("EMAIL_RELAY_URL", ""),
			SMSGatewayURL:     getEnv("SMS_GATEWAY_URL", ""),
		},
		Reminder: ReminderConfig{
			PollInterval:  getEnvAsDuration("REMINDER_POLL_INTERVAL", time.Minute),
			MaxAttempts:   getEnvAsInt("REMINDER_MAX_ATTEMPTS", 3),
			RetryInterval: getEnvAsDuration("REMINDER_RETRY_INTERVAL", 5*time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
