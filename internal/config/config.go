// Package config loads and validates the processor's configuration
// (spec.md section 6): environment variables first, then an optional
// trailing-argument JSON file overlaying any unset fields, then range
// and consistency validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the fully-resolved, validated process configuration.
type Config struct {
	DBUser     string `json:"DBUSER"`
	DBName     string `json:"DBNAME"`
	DBHost     string `json:"DBHOST"`
	DBPort     int    `json:"DBPORT"`
	DBPassword string `json:"DBPASSWORD"`

	PrivateKey string `json:"PRIVATE_KEY"`
	SignPrefix string `json:"SIGN_PREFIX"`

	LogLevel  int    `json:"LOG_LEVEL"`
	LogFormat string `json:"LOG_FORMAT"`

	BlockIntervalSeconds    int  `json:"BLOCK_INTERVAL"`
	MinBlockIntervalSeconds int  `json:"MIN_BLOCK_INTERVAL"`
	TransactionsPerBlock    int  `json:"TRANSACTIONS_PER_BLOCK"`
	MaxBlockSize            int  `json:"MAX_BLOCK_SIZE"`
	MaxMemoryMB             int  `json:"MAX_MEMORY"`
	ExcludeRejected         bool `json:"EXCLUDE_REJECTED"`

	SentryURL string `json:"SENTRY_URL"`
}

// defaults mirrors spec.md's Configuration table defaults.
func defaults() Config {
	return Config{
		DBUser:                  "processor",
		DBName:                  "blockchain",
		DBHost:                  "localhost",
		DBPort:                  5432,
		LogLevel:                0,
		LogFormat:               "",
		BlockIntervalSeconds:    60,
		MinBlockIntervalSeconds: 5,
		TransactionsPerBlock:    500,
		MaxBlockSize:            1_000_000,
		MaxMemoryMB:             1024,
		ExcludeRejected:         false,
	}
}

// envKeys lists every environment variable name this config reads,
// matched 1:1 with the JSON field tags above.
var envKeys = []string{
	"DBUSER", "DBNAME", "DBHOST", "DBPORT", "DBPASSWORD",
	"PRIVATE_KEY", "SIGN_PREFIX",
	"LOG_LEVEL", "LOG_FORMAT",
	"BLOCK_INTERVAL", "MIN_BLOCK_INTERVAL", "TRANSACTIONS_PER_BLOCK",
	"MAX_BLOCK_SIZE", "MAX_MEMORY", "EXCLUDE_REJECTED",
	"SENTRY_URL",
}

// Load builds a Config from the environment, optionally overlaid by a
// JSON file whose path is filePath (spec.md: "Either set via env vars or
// by path to a JSON file passed as the last CLI arg"), and validates the
// result.
func Load(filePath string) (Config, error) {
	cfg := defaults()

	if filePath != "" {
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", filePath, err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", filePath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("DBUSER"); ok {
		cfg.DBUser = v
	}
	if v, ok := os.LookupEnv("DBNAME"); ok {
		cfg.DBName = v
	}
	if v, ok := os.LookupEnv("DBHOST"); ok {
		cfg.DBHost = v
	}
	if v, ok := os.LookupEnv("DBPORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBPort = n
		}
	}
	if v, ok := os.LookupEnv("DBPASSWORD"); ok {
		cfg.DBPassword = v
	}
	if v, ok := os.LookupEnv("PRIVATE_KEY"); ok {
		cfg.PrivateKey = v
	}
	if v, ok := os.LookupEnv("SIGN_PREFIX"); ok {
		cfg.SignPrefix = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LogLevel = n
		}
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := os.LookupEnv("BLOCK_INTERVAL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BlockIntervalSeconds = n
		}
	}
	if v, ok := os.LookupEnv("MIN_BLOCK_INTERVAL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinBlockIntervalSeconds = n
		}
	}
	if v, ok := os.LookupEnv("TRANSACTIONS_PER_BLOCK"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TransactionsPerBlock = n
		}
	}
	if v, ok := os.LookupEnv("MAX_BLOCK_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBlockSize = n
		}
	}
	if v, ok := os.LookupEnv("MAX_MEMORY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxMemoryMB = n
		}
	}
	if v, ok := os.LookupEnv("EXCLUDE_REJECTED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ExcludeRejected = b
		}
	}
	if v, ok := os.LookupEnv("SENTRY_URL"); ok {
		cfg.SentryURL = v
	}
}

// Validate checks the ranges and cross-field constraints spec.md's
// Configuration table lists.
func (c Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("config: DBPASSWORD is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("config: PRIVATE_KEY is required")
	}
	if c.SignPrefix == "" {
		return fmt.Errorf("config: SIGN_PREFIX is required")
	}
	if len(c.SignPrefix) > 255 {
		return fmt.Errorf("config: SIGN_PREFIX must be <= 255 UTF-8 bytes, got %d", len(c.SignPrefix))
	}
	if c.LogLevel < 0 || c.LogLevel > 5 {
		return fmt.Errorf("config: LOG_LEVEL must be 0..5, got %d", c.LogLevel)
	}
	if c.MinBlockIntervalSeconds < 1 {
		return fmt.Errorf("config: MIN_BLOCK_INTERVAL must be >= 1, got %d", c.MinBlockIntervalSeconds)
	}
	if c.MinBlockIntervalSeconds > c.BlockIntervalSeconds {
		return fmt.Errorf("config: MIN_BLOCK_INTERVAL (%d) must be <= BLOCK_INTERVAL (%d)", c.MinBlockIntervalSeconds, c.BlockIntervalSeconds)
	}
	if c.TransactionsPerBlock < 1 {
		return fmt.Errorf("config: TRANSACTIONS_PER_BLOCK must be >= 1, got %d", c.TransactionsPerBlock)
	}
	if c.MaxBlockSize < 110_000 {
		return fmt.Errorf("config: MAX_BLOCK_SIZE must be >= 110000, got %d", c.MaxBlockSize)
	}
	if c.MaxMemoryMB < 128 {
		return fmt.Errorf("config: MAX_MEMORY must be >= 128, got %d", c.MaxMemoryMB)
	}
	return nil
}

// secretFields are redacted by Redacted() and fed to xlog/errsink
// redactors.
func (c Config) secretFields() []string {
	return []string{c.DBPassword, c.PrivateKey, c.SentryURL}
}

// Secrets returns the set of configured secret values that must never
// reach a log line or error report unredacted (spec.md section 5).
func (c Config) Secrets() []string { return c.secretFields() }

// Redacted returns a copy of c with every secret field replaced by "***",
// suitable for printing in a startup diagnostics table.
func (c Config) Redacted() Config {
	r := c
	if r.DBPassword != "" {
		r.DBPassword = "***"
	}
	if r.PrivateKey != "" {
		r.PrivateKey = "***"
	}
	if r.SentryURL != "" {
		r.SentryURL = "***"
	}
	return r
}
