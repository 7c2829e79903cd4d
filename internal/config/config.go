package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Webhook   WebhookConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type EngineConfig struct {
	TickInterval  time.Duration
	StartupDelay  time.Duration
	BatchSize     int
	RoundsPerTick int
	Concurrency   int
	MaxAttempts   int
	LeaseDuration time.Duration
	LockDuration  time.Duration
	StaleGrace    time.Duration
	RatePerSec    int
	AudienceMax   int
}

type WebhookConfig struct {
	URL        string
	ContentMax int
}

type RetentionConfig struct {
	// Spec is a cron expression for the purge job; Days is how long
	// terminal runs are kept.
	Spec string
	Days int
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: mustEnv("POSTGRES_URL"),
		},
		Webhook: WebhookConfig{
			URL:        mustEnv("WEBHOOK_URL"),
			ContentMax: getEnvInt("CONTENT_MAX", 4096),
		},
		Engine: EngineConfig{
			TickInterval:  time.Duration(getEnvInt("TICK_INTERVAL_SECONDS", 20)) * time.Second,
			StartupDelay:  time.Duration(getEnvInt("TICK_STARTUP_DELAY_SECONDS", 3)) * time.Second,
			BatchSize:     getEnvInt("BATCH_SIZE", 50),
			RoundsPerTick: getEnvInt("ROUNDS_PER_TICK", 5),
			Concurrency:   getEnvInt("SEND_CONCURRENCY", 4),
			MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 5),
			LeaseDuration: time.Duration(getEnvInt("LEASE_SECONDS", 60)) * time.Second,
			LockDuration:  time.Duration(getEnvInt("LOCK_SECONDS", 60)) * time.Second,
			StaleGrace:    time.Duration(getEnvInt("STALE_GRACE_SECONDS", 300)) * time.Second,
			RatePerSec:    getEnvInt("SEND_RATE_PER_SEC", 25),
			AudienceMax:   getEnvInt("AUDIENCE_MAX", 50000),
		},
		Retention: RetentionConfig{
			Spec: getEnv("PURGE_CRON", "0 4 * * *"),
			Days: getEnvInt("RETENTION_DAYS", 90),
		},
		Redis: loadRedisConfig(),
	}

	validate(cfg)
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func validate(cfg *Config) {
	if cfg.Engine.TickInterval <= 0 {
		panic("TICK_INTERVAL_SECONDS must be > 0")
	}
	if cfg.Engine.BatchSize <= 0 {
		panic("BATCH_SIZE must be > 0")
	}
	if cfg.Engine.RoundsPerTick <= 0 {
		panic("ROUNDS_PER_TICK must be > 0")
	}
	if cfg.Engine.Concurrency <= 0 {
		panic("SEND_CONCURRENCY must be > 0")
	}
	if cfg.Engine.MaxAttempts <= 0 {
		panic("MAX_ATTEMPTS must be > 0")
	}
	if cfg.Engine.LeaseDuration <= 0 {
		panic("LEASE_SECONDS must be > 0")
	}
	if cfg.Engine.LockDuration <= 0 {
		panic("LOCK_SECONDS must be > 0")
	}
	if cfg.Webhook.ContentMax <= 0 {
		panic("CONTENT_MAX must be > 0")
	}
	if cfg.Retention.Days <= 0 {
		panic("RETENTION_DAYS must be > 0")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}
