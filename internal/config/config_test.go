package config

import (
	"testing"
	"time"
)

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GANTRY_ADDR", ":8080")
	t.Setenv("GANTRY_LOG_LEVEL", "debug")
	t.Setenv("BUILD_TIMEOUT_SECONDS", "120")
	t.Setenv("GANTRY_BUILD_PULL", "true")
	t.Setenv("GANTRY_SYSTEM_PACKAGES", "curl git")

	cfg := Load()
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.BuildTimeout != 2*time.Minute {
		t.Fatalf("BuildTimeout = %v", cfg.BuildTimeout)
	}
	if !cfg.BuildPull {
		t.Fatal("BuildPull override lost")
	}
	if len(cfg.SystemPackages) != 2 || cfg.SystemPackages[0] != "curl" {
		t.Fatalf("SystemPackages = %v", cfg.SystemPackages)
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("GANTRY_APP_PORT", "not-a-number")
	t.Setenv("GANTRY_BUILD_PULL", "maybe")
	t.Setenv("GIT_TIMEOUT_SECONDS", "-5")

	cfg := Load()
	if cfg.AppPort != 8000 {
		t.Fatalf("AppPort = %d", cfg.AppPort)
	}
	if cfg.BuildPull {
		t.Fatal("invalid bool must fall back to false")
	}
	if cfg.GitTimeout != time.Minute {
		t.Fatalf("GitTimeout = %v", cfg.GitTimeout)
	}
}
