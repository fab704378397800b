// Package config loads the service configuration from environment
// variables and validates it before anything starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	APIAddr     string

	// Store selection: "sqlite" (default, file-backed) or "postgres".
	StoreDriver string
	StorePath   string
	DatabaseURL string

	RedisAddr string

	OracleURL         string
	CurrencySampleURL string
	FallbackPriceUSD  string
	QuoteTimeout      time.Duration

	TelegramBotToken string
	TelegramChatID   string

	RateLimitCapacity int
	RateLimitRefill   float64
	MaxBodyBytes      int64
	IPAllowlist       []string

	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from environment variables, applying defaults
// for everything optional.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:       envOr("APP_ENV", "development"),
		APIAddr:           envOr("API_ADDR", ":8080"),
		StoreDriver:       envOr("STORE_DRIVER", "sqlite"),
		StorePath:         envOr("STORE_PATH", "transfer.db"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		OracleURL:         os.Getenv("ORACLE_URL"),
		CurrencySampleURL: os.Getenv("CURRENCY_SAMPLE_URL"),
		FallbackPriceUSD:  os.Getenv("FALLBACK_PRICE_USD"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
		TLSCertFile:       os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:        os.Getenv("TLS_KEY_FILE"),
	}

	var err error
	if cfg.QuoteTimeout, err = envDuration("QUOTE_TIMEOUT_MS", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitCapacity, err = envInt("API_RATE_LIMIT_CAPACITY", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitRefill, err = envFloat("API_RATE_LIMIT_REFILL", 0); err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes, err = envInt64("API_MAX_BODY_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if v := os.Getenv("API_IP_ALLOWLIST"); v != "" {
		cfg.IPAllowlist = strings.Split(v, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite":
		if c.StorePath == "" {
			return errors.New("STORE_PATH is required with the sqlite store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required with the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want sqlite or postgres)", c.StoreDriver)
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	if c.RateLimitCapacity > 0 && c.RedisAddr == "" {
		return errors.New("API_RATE_LIMIT_CAPACITY requires REDIS_ADDR")
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
