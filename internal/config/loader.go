package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TILEVAULT_"

// Load returns the defaults overridden by env files and TILEVAULT_* variables.
// Missing env files are ignored; later files override earlier ones.
func Load(envFiles ...string) (*Config, error) {
	for i, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		load := godotenv.Load
		if i > 0 {
			load = godotenv.Overload
		}
		if err := load(file); err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := Default()
	cfg.AppDir = getEnv("APP_DIR", cfg.AppDir)
	cfg.Workers = getInt("WORKERS", cfg.Workers)
	cfg.FetchTimeout = getDuration("FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.RateLimit = getInt("RATE_LIMIT", cfg.RateLimit)
	cfg.Retries = getInt("RETRIES", cfg.Retries)
	cfg.MinFileSize = int64(getInt("MIN_FILE_SIZE", int(cfg.MinFileSize)))
	cfg.MaxFileSize = int64(getInt("MAX_FILE_SIZE", int(cfg.MaxFileSize)))
	cfg.ProxyURL = getEnv("PROXY_URL", cfg.ProxyURL)
	cfg.UserAgent = getEnv("USER_AGENT", cfg.UserAgent)
	cfg.Referer = getEnv("REFERER", cfg.Referer)
	cfg.UseHTTP2 = getBool("HTTP2", cfg.UseHTTP2)
	cfg.KeepAlive = getBool("KEEP_ALIVE", cfg.KeepAlive)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogDevelopment = getBool("LOG_DEVELOPMENT", cfg.LogDevelopment)
	cfg.Port = getInt("PORT", cfg.Port)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
