// Package config loads server configuration from environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// ReceiptSecret keys the HMAC receipt fingerprints. At least 32 bytes.
	ReceiptSecret []byte

	// AllowedOrigins is the WebAuthn origin allowlist applied when no policy
	// file is configured.
	AllowedOrigins []string

	// PolicyFile optionally points at a pbi-policy-1.0 JSON document.
	PolicyFile    string
	PolicyVersion string
	PolicyHash    string

	// WebhookSecretKey is the 32-byte AES-GCM key sealing endpoint secrets.
	WebhookSecretKey []byte

	ExportSigningPrivateKeyPEM string
	ExportSigningPublicKeyPEM  string

	RLWindowSeconds int
	RLMaxRequests   int

	// RedisAddr switches the rate limiter to a shared Redis token bucket.
	RedisAddr     string
	RedisPassword string

	WorkerIntervalSeconds int
}

// Load reads configuration from environment variables and validates the
// cryptographic material. Missing optional values fall back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                       envOr("PORT", "8080"),
		LogLevel:                   envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		PolicyFile:                 os.Getenv("POLICY_FILE"),
		PolicyVersion:              envOr("POLICY_VERSION", "pbi-policy-1.0"),
		PolicyHash:                 os.Getenv("POLICY_HASH"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		ExportSigningPrivateKeyPEM: os.Getenv("EXPORT_SIGNING_PRIVATE_KEY_PEM"),
		ExportSigningPublicKeyPEM:  os.Getenv("EXPORT_SIGNING_PUBLIC_KEY_PEM"),
	}

	secret := os.Getenv("RECEIPT_SECRET")
	if len(secret) < 32 {
		return nil, fmt.Errorf("config: RECEIPT_SECRET must be at least 32 bytes, got %d", len(secret))
	}
	cfg.ReceiptSecret = []byte(secret)

	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if whk := os.Getenv("WEBHOOK_SECRET_KEY"); whk != "" {
		key, err := base64.StdEncoding.DecodeString(whk)
		if err != nil {
			return nil, fmt.Errorf("config: WEBHOOK_SECRET_KEY is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("config: WEBHOOK_SECRET_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.WebhookSecretKey = key
	}

	var err error
	if cfg.RLWindowSeconds, err = envInt("RL_WINDOW_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.RLMaxRequests, err = envInt("RL_MAX_REQUESTS", 120); err != nil {
		return nil, err
	}
	if cfg.WorkerIntervalSeconds, err = envInt("WORKER_INTERVAL_SECONDS", 5); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		cfg.DatabaseURL = normalizeDatabaseURL(cfg.DatabaseURL)
	}

	return cfg, nil
}

// normalizeDatabaseURL enables SSL for non-local hosts unless the caller
// already pinned an sslmode.
func normalizeDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("sslmode") != "" {
		return raw
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" || host == "" {
		q.Set("sslmode", "disable")
	} else {
		q.Set("sslmode", "require")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}
