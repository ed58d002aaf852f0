// Package config provides configuration for the turn scheduler service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Broadcast gateway (realtime UI fan-out); empty disables it
	BroadcastURL string

	// Generation settings
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Scheduling
	HumanTurnTimeout time.Duration
	WorkerPoll       time.Duration
	WorkerCount      int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:      getEnv("DATABASE_URL", "file:scheduler.db?cache=shared&mode=rwc"),
		BroadcastURL:     getEnv("BROADCAST_URL", ""),
		LLMBaseURL:       getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModel:         getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:       time.Duration(getEnvInt("LLM_TIMEOUT_MS", 120000)) * time.Millisecond,
		HumanTurnTimeout: time.Duration(getEnvInt("HUMAN_TURN_TIMEOUT_MS", 120000)) * time.Millisecond,
		WorkerPoll:       time.Duration(getEnvInt("WORKER_POLL_MS", 500)) * time.Millisecond,
		WorkerCount:      getEnvInt("WORKER_COUNT", 2),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
