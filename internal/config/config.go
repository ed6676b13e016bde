package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StoreBackend string
	RedisURL     string
	DatabaseURL  string

	RoomMaxCapacity  int
	MaxConnections   int
	RouterRateLimit  int
	RoomRateLimit    int
	MessageRateLimit int
	BreakerThreshold int
	BreakerRecovery  time.Duration

	HibernateAfter time.Duration
	AlarmInterval  time.Duration
	AlarmSweepSpec string

	RegistryShards  int
	ShutdownTimeout time.Duration
}

// Load reads the environment, after an optional .env file. Unparseable
// numbers or durations are an error rather than a silent default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		RedisURL:     os.Getenv("REDIS_URL"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		RoomMaxCapacity:  p.int("ROOM_MAX_CAPACITY", 100),
		MaxConnections:   p.int("MAX_CONNECTIONS", 500),
		RouterRateLimit:  p.int("ROUTER_RATE_LIMIT", 200),
		RoomRateLimit:    p.int("ROOM_RATE_LIMIT", 200),
		MessageRateLimit: p.int("MESSAGE_RATE_LIMIT", 20),
		BreakerThreshold: p.int("BREAKER_THRESHOLD", 10),
		BreakerRecovery:  p.duration("BREAKER_RECOVERY", 60*time.Second),

		HibernateAfter: p.duration("HIBERNATE_AFTER", 5*time.Minute),
		AlarmInterval:  p.duration("ALARM_INTERVAL", 24*time.Hour),
		AlarmSweepSpec: getEnv("ALARM_SWEEP_SPEC", "@every 1m"),

		RegistryShards:  p.int("REGISTRY_SHARDS", 16),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.RoomMaxCapacity <= 0 || c.MaxConnections <= 0 || c.RegistryShards <= 0 {
		return fmt.Errorf("capacities and shard count must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// MaskedDatabaseURL hides credentials for logging.
func (c *Config) MaskedDatabaseURL() string {
	return maskDBSource(c.DatabaseURL)
}

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	return value
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v
}

func maskDBSource(dsn string) string {
	if dsn == "" {
		return ""
	}
	parts := strings.Split(dsn, "@")
	if len(parts) < 2 {
		return "invalid-dsn-format"
	}
	return "postgres://****:****@" + parts[len(parts)-1]
}
