package config_test

import (
	"testing"

	"github.com/valdrix-ai/ecp/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENFORCEMENT_OTLP_ENDPOINT", "")
	t.Setenv("TERRAFORM_MODE_PROD", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost") // Default is local
	assert.Equal(t, config.ModeHard, cfg.ModeMatrix["TERRAFORM_MODE_PROD"])
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("ENFORCEMENT_OTLP_ENDPOINT", "http://otel-collector:4317")
	t.Setenv("TERRAFORM_MODE_PROD", "SHADOW")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, config.ModeShadow, cfg.ModeMatrix["TERRAFORM_MODE_PROD"])
	assert.Equal(t, "http://otel-collector:4317", cfg.OTLPEndpoint)
}
