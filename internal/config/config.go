package config

import (
	"strings"
	"time"
)

// Config holds runtime configuration for the gantry daemon.
type Config struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	Workdir            string
	Registry           string
	AuthToken          string
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	BaseImage          string
	SystemPackages     []string
	AppPort            int
	HostBindIP         string
	BuildPull          bool
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	LaunchRateLimit    int
	LaunchRateWindow   time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        getString("APP_ENV", "development"),
		Addr:               getString("GANTRY_ADDR", ":5000"),
		LogLevel:           getString("GANTRY_LOG_LEVEL", "info"),
		DatabaseURL:        getString("DATABASE_URL", "postgres://gantry:gantry@db:5432/gantry?sslmode=disable"),
		MigrationsDir:      getString("DB_MIGRATIONS_DIR", "migrations"),
		DockerHost:         getString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:            getString("GANTRY_WORKDIR", "/tmp/gantry"),
		Registry:           getString("GANTRY_REGISTRY", "gantry"),
		AuthToken:          getString("GANTRY_AUTH_TOKEN", ""),
		GitTimeout:         getDuration("GIT_TIMEOUT_SECONDS", time.Minute),
		BuildTimeout:       getDuration("BUILD_TIMEOUT_SECONDS", 10*time.Minute),
		BaseImage:          getString("GANTRY_BASE_IMAGE", "python:3.11-slim"),
		SystemPackages:     splitPackages(getString("GANTRY_SYSTEM_PACKAGES", "build-essential libpq-dev")),
		AppPort:            getInt("GANTRY_APP_PORT", 8000),
		HostBindIP:         getString("GANTRY_HOST_BIND_IP", "127.0.0.1"),
		BuildPull:          getBool("GANTRY_BUILD_PULL", false),
		RateLimitRedisAddr: getString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: getString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   getInt("RATE_LIMIT_REDIS_DB", 0),
		LaunchRateLimit:    getInt("LAUNCH_RATE_LIMIT", 30),
		LaunchRateWindow:   getDuration("LAUNCH_RATE_WINDOW_SECONDS", time.Minute),
	}
}

func splitPackages(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
