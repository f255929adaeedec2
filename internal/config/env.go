package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Environment getters treat an empty value the same as an unset variable and
// fall back on parse errors so a typo in one variable cannot stop the daemon.

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config: invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// getDuration reads a whole-seconds value. Negative values fall back.
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		log.Printf("config: invalid value for %s: %q", key, raw)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
