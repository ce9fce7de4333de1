// Package config loads enforcement control plane configuration from the
// environment. Every field has a safe default so the gate degrades to its
// strictest documented behavior rather than panicking on a missing variable.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FailMode is one of SHADOW/SOFT/HARD, see pkg/failsafe.
type FailMode string

const (
	ModeShadow FailMode = "SHADOW"
	ModeSoft   FailMode = "SOFT"
	ModeHard   FailMode = "HARD"
)

// Config holds server configuration for the enforcement control plane.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// Approval token signing, §6.
	ApprovalTokenSecret          string
	ApprovalTokenFallbackSecrets []string

	// Export manifest signing, §4.K.
	ExportSigningSecret string
	ExportSigningKID    string

	// Gate timing, §5.
	GateTimeout   time.Duration
	LockWaitMS    int

	// Throttling, §4.L.
	GlobalGatePerMinuteCap int
	GlobalAbuseGuardEnabled bool
	RedisAddr               string

	// Fail-safe mode matrix, §4.M. Keyed "SOURCE_MODE_ENV", e.g.
	// "TERRAFORM_MODE_PROD".
	ModeMatrix map[string]FailMode

	// OTel.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	c := &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://ecp@localhost:5432/ecp?sslmode=disable"),

		ApprovalTokenSecret:          getenv("ENFORCEMENT_APPROVAL_TOKEN_SECRET", ""),
		ApprovalTokenFallbackSecrets: splitNonEmpty(getenv("ENFORCEMENT_APPROVAL_TOKEN_FALLBACK_SECRETS", "")),

		ExportSigningSecret: getenv("ENFORCEMENT_EXPORT_SIGNING_SECRET", ""),
		ExportSigningKID:    getenv("ENFORCEMENT_EXPORT_SIGNING_KID", "export-default"),

		GateTimeout: time.Duration(getenvInt("ENFORCEMENT_GATE_TIMEOUT_SECONDS", 2)) * time.Second,
		LockWaitMS:  getenvInt("ENFORCEMENT_LOCK_WAIT_MS", 250),

		GlobalGatePerMinuteCap:  getenvInt("ENFORCEMENT_GLOBAL_GATE_PER_MINUTE_CAP", 6000),
		GlobalAbuseGuardEnabled: getenv("ENFORCEMENT_GLOBAL_ABUSE_GUARD_ENABLED", "true") == "true",
		RedisAddr:               getenv("ENFORCEMENT_REDIS_ADDR", ""),

		OTLPEndpoint: getenv("ENFORCEMENT_OTLP_ENDPOINT", ""),
	}

	c.ModeMatrix = map[string]FailMode{
		"TERRAFORM_MODE_PROD":       modeFromEnv("TERRAFORM_MODE_PROD", ModeHard),
		"TERRAFORM_MODE_NONPROD":    modeFromEnv("TERRAFORM_MODE_NONPROD", ModeSoft),
		"K8S_ADMISSION_MODE_PROD":   modeFromEnv("K8S_ADMISSION_MODE_PROD", ModeHard),
		"K8S_ADMISSION_MODE_NONPROD": modeFromEnv("K8S_ADMISSION_MODE_NONPROD", ModeSoft),
		"CLOUD_EVENT_MODE_PROD":     modeFromEnv("CLOUD_EVENT_MODE_PROD", ModeSoft),
		"CLOUD_EVENT_MODE_NONPROD":  modeFromEnv("CLOUD_EVENT_MODE_NONPROD", ModeShadow),
		"GENERIC_MODE_PROD":         modeFromEnv("GENERIC_MODE_PROD", ModeSoft),
		"GENERIC_MODE_NONPROD":      modeFromEnv("GENERIC_MODE_NONPROD", ModeShadow),
	}

	return c
}

// ModeFor resolves the (source, environment) fail-safe mode per §4.M,
// falling back to SOFT for any (source, environment) pair the operator has
// not configured — never HARD by accident, never SHADOW by accident.
func (c *Config) ModeFor(source, environment string) (FailMode, string) {
	env := "NONPROD"
	if strings.EqualFold(environment, "prod") || strings.EqualFold(environment, "production") {
		env = "PROD"
	}
	key := strings.ToUpper(source) + "_MODE_" + env
	if m, ok := c.ModeMatrix[key]; ok {
		return m, key
	}
	return ModeSoft, key
}

func modeFromEnv(key string, def FailMode) FailMode {
	v := strings.ToUpper(os.Getenv(key))
	switch FailMode(v) {
	case ModeShadow, ModeSoft, ModeHard:
		return FailMode(v)
	default:
		return def
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
