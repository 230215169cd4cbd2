package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Presence timing
	HeartbeatInterval time.Duration
	ExpiryWindow      time.Duration
	SweepPeriod       time.Duration
	HardTTLCeiling    time.Duration

	// Broadcast configuration
	BroadcastChannel    string
	BroadcastRetryLimit int
	BroadcastRetryBase  time.Duration

	// Rate limiting
	HeartbeatRateLimit  int
	HeartbeatRateWindow time.Duration

	// Admin
	AdminAPIKeyHash string

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Presence timing
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", "30s"),
		ExpiryWindow:      getEnvAsDuration("EXPIRY_WINDOW", "60s"),
		SweepPeriod:       getEnvAsDuration("SWEEP_PERIOD", "15s"),
		HardTTLCeiling:    getEnvAsDuration("HARD_TTL_CEILING", "300s"),

		// Broadcast
		BroadcastChannel:    getEnv("BROADCAST_CHANNEL", "presence:events"),
		BroadcastRetryLimit: getEnvAsInt("BROADCAST_RETRY_LIMIT", 5),
		BroadcastRetryBase:  getEnvAsDuration("BROADCAST_RETRY_BASE", "500ms"),

		// Rate limiting
		HeartbeatRateLimit:  getEnvAsInt("HEARTBEAT_RATE_LIMIT", 10),
		HeartbeatRateWindow: getEnvAsDuration("HEARTBEAT_RATE_WINDOW", "30s"),

		// Admin
		AdminAPIKeyHash: getEnv("ADMIN_API_KEY_HASH", ""),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

// Validate rejects timing configurations that would break liveness detection.
// The server refuses to start on violation.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.ExpiryWindow <= c.HeartbeatInterval {
		return fmt.Errorf("expiry_window (%v) must exceed heartbeat_interval (%v)",
			c.ExpiryWindow, c.HeartbeatInterval)
	}
	if c.SweepPeriod <= 0 || c.SweepPeriod >= c.ExpiryWindow {
		return fmt.Errorf("sweep_period (%v) must be positive and shorter than expiry_window (%v)",
			c.SweepPeriod, c.ExpiryWindow)
	}
	if c.HardTTLCeiling < c.ExpiryWindow {
		return fmt.Errorf("hard_ttl_ceiling (%v) must be at least expiry_window (%v)",
			c.HardTTLCeiling, c.ExpiryWindow)
	}
	if c.BroadcastRetryLimit < 0 {
		return fmt.Errorf("broadcast_retry_limit must not be negative, got %d", c.BroadcastRetryLimit)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration %q for %s, using default %s", valueStr, key, defaultValue)
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}
