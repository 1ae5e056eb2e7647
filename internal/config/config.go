package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort       string
	DatabaseURL      string
	LayerAPIURL      string
	LayerAPIPrefix   string
	LayerReadyWait   time.Duration
	ActionTimeout    time.Duration
	QueryTimeout     time.Duration
	FeedBackoffMax   time.Duration
	EvalConcurrency  int
	CORSAllowOrigin  string
}

func Load() *Config {
	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DatabaseURL:     requireEnv("DATABASE_URL"),
		LayerAPIURL:     requireEnv("LAYER_API_URL"),
		LayerAPIPrefix:  getEnv("LAYER_API_PREFIX", "api"),
		LayerReadyWait:  getDuration("LAYER_READY_WAIT", 2*time.Minute),
		ActionTimeout:   getDuration("ACTION_TIMEOUT", 10*time.Second),
		QueryTimeout:    getDuration("QUERY_TIMEOUT", 30*time.Second),
		FeedBackoffMax:  getDuration("FEED_BACKOFF_MAX", 30*time.Second),
		EvalConcurrency: getInt("EVAL_CONCURRENCY", 8),
		CORSAllowOrigin: getEnv("CORS_ALLOW_ORIGIN", "http://localhost:3000"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration for env var, using default",
			"key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer for env var, using default",
			"key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}
