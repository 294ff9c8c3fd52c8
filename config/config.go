// Package config loads process configuration: infrastructure settings from
// the environment (optionally seeded from a .env file) and the engine
// definition from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store backends for the Signal Repository.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all infrastructure configuration loaded from environment variables.
type Config struct {
	EngineConfig string // path to the YAML engine definition

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	SignalStore   string // sqlite | postgres
	PostgresDSN   string
	HTTPAddr      string

	LogLevel   slog.Level
	InstanceID string // lease holder identity
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory, when present, seeds
// variables that are not already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		return nil, fmt.Errorf("config: REDIS_DB must be a non-negative integer, got %q", os.Getenv("REDIS_DB"))
	}
	level, err := ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		EngineConfig: getEnv("ENGINE_CONFIG", "config/engine.yaml"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       redisDB,
		SQLitePath:    getEnv("SQLITE_PATH", "data/signals.db"),
		SignalStore:   strings.ToLower(getEnv("SIGNAL_STORE", StoreSQLite)),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		HTTPAddr:      getEnv("HTTP_ADDR", ":9090"),

		LogLevel:   level,
		InstanceID: getEnv("INSTANCE_ID", defaultInstanceID()),
	}

	switch cfg.SignalStore {
	case StoreSQLite:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("config: SIGNAL_STORE=postgres requires POSTGRES_DSN")
		}
	default:
		return nil, fmt.Errorf("config: unknown SIGNAL_STORE %q (want sqlite or postgres)", cfg.SignalStore)
	}
	return cfg, nil
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", s)
	}
	return l, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "signalengine"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
