package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration.
// Values are loaded from environment variables with sensible defaults;
// bank registrations live in the YAML file named by BanksFile.
type Config struct {
	// Server
	Port            int
	LogLevel        string
	ShutdownTimeout time.Duration

	// Banks
	BanksFile     string
	BankID        string
	CACertFile    string // PEM bundle replacing the system roots, for sandboxes
	AllowUnpinned bool   // admit banks without certificate fingerprints

	// Authorization redirects
	SessionTTL time.Duration

	// Storage
	DatabaseURL  string // PostgreSQL audit log; empty keeps it in memory
	TokenSealKey string // 32 bytes, hex or base64; empty generates one per process

	// Ops endpoints
	OpsToken string // bearer token for /v1/stats and consent inspection

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:            getEnvInt("PORT", 8080),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		BanksFile:     getEnv("BANKS_FILE", "banks.yaml"),
		BankID:        getEnv("BANK_ID", ""),
		CACertFile:    getEnv("CA_CERT_FILE", ""),
		AllowUnpinned: getEnvBool("ALLOW_UNPINNED", false),

		SessionTTL: getEnvDuration("AUTH_SESSION_TTL", 10*time.Minute),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		TokenSealKey: getEnv("TOKEN_SEAL_KEY", ""),

		OpsToken: getEnv("OPS_TOKEN", ""),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

// SealKey decodes TokenSealKey. It returns nil when no key is configured.
func (c *Config) SealKey() ([]byte, error) {
	raw := strings.TrimSpace(c.TokenSealKey)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("TOKEN_SEAL_KEY is neither hex nor base64")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_SEAL_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
