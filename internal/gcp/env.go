package gcp

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvBool accepts true/false/1/0/yes/no in any case.
func GetEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	slog.Warn("Ignoring malformed boolean environment variable.", "key", key, "value", value)
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring malformed integer environment variable.", "key", key, "value", value)
		return fallback
	}
	return i
}

// GetEnvDuration parses values such as "30s" or "5m".
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		slog.Warn("Ignoring malformed duration environment variable.", "key", key, "value", value)
		return fallback
	}
	return d
}
