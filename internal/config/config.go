// Package config loads the vault engine configuration from YAML with
// environment variable expansion and overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
)

// Config is the full engine configuration.
type Config struct {
	Server ServerConfig  `yaml:"server"`
	Store  StoreConfig   `yaml:"store"`
	Events EventsConfig  `yaml:"events"`
	Fees   model.Config  `yaml:"fees"`
	Oracle OracleConfig  `yaml:"oracle"`
	Vaults []VaultConfig `yaml:"vaults"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // mutating requests per second, 0 disables
	RateBurst       int           `yaml:"rate_burst"`
	Faucet          bool          `yaml:"faucet"` // development wallet funding endpoint
}

type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// OracleConfig holds confidence thresholds applied to bootstrap vaults that
// do not set their own.
type OracleConfig struct {
	Thresholds map[string]oracle.Threshold `yaml:"thresholds"`
}

// VaultConfig is a vault created at startup if it does not exist.
type VaultConfig struct {
	Mint            string            `yaml:"mint"`
	Decimals        uint8             `yaml:"decimals"`
	IsStable        bool              `yaml:"is_stable"`
	HasDynamicFees  bool              `yaml:"has_dynamic_fees"`
	MaxLeverage     uint64            `yaml:"max_leverage"` // bps
	Weight          uint64            `yaml:"weight"`
	OracleType      oracle.Type       `yaml:"oracle_type"`
	OracleThreshold *oracle.Threshold `yaml:"oracle_threshold"`
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       100,
			RateBurst:       200,
		},
		Store:  StoreConfig{CacheTTL: 30 * time.Second},
		Events: EventsConfig{SubjectPrefix: "vault"},
		Fees:   model.DefaultConfig(),
	}
}

// Load reads filename over the defaults, expanding ${VAR} references, then
// applies environment overrides and validates. An empty filename skips the
// file.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return ValidationError{Field: "PORT", Value: v, Message: "must be an integer"}
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	return nil
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{"server.port", c.Server.Port, "must be between 1 and 65535"})
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, ValidationError{"server.rate_limit", c.Server.RateLimit, "must not be negative"})
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, ValidationError{"server.rate_burst", c.Server.RateBurst, "must be at least 1 when rate_limit is set"})
	}
	if c.Store.RedisURL != "" && c.Store.DatabaseURL == "" {
		errs = append(errs, ValidationError{"store.redis_url", redact(c.Store.RedisURL), "requires store.database_url"})
	}
	if c.Store.CacheTTL < 0 {
		errs = append(errs, ValidationError{"store.cache_ttl", c.Store.CacheTTL, "must not be negative"})
	}
	if err := c.Fees.Validate(); err != nil {
		errs = append(errs, ValidationError{"fees", c.Fees, err.Error()})
	}

	seen := make(map[string]bool)
	for i, v := range c.Vaults {
		field := fmt.Sprintf("vaults[%d]", i)
		switch {
		case v.Mint == "":
			errs = append(errs, ValidationError{field + ".mint", v.Mint, "is required"})
		case seen[v.Mint]:
			errs = append(errs, ValidationError{field + ".mint", v.Mint, "is duplicated"})
		}
		seen[v.Mint] = true
		if v.MaxLeverage <= 10_000 {
			errs = append(errs, ValidationError{field + ".max_leverage", v.MaxLeverage, "must exceed 10000 bps"})
		}
		if !v.OracleType.Valid() {
			errs = append(errs, ValidationError{field + ".oracle_type", v.OracleType, "must be pyth or switchboard"})
		}
	}
	return errors.Join(errs...)
}

// VaultParams returns the bootstrap vault definitions. A vault without its
// own threshold takes the one configured for its mint under oracle.
func (c *Config) VaultParams() []ledger.VaultParams {
	out := make([]ledger.VaultParams, 0, len(c.Vaults))
	for _, v := range c.Vaults {
		th := c.Oracle.Thresholds[v.Mint]
		if v.OracleThreshold != nil {
			th = *v.OracleThreshold
		}
		out = append(out, ledger.VaultParams{
			Mint:            v.Mint,
			Decimals:        v.Decimals,
			IsStable:        v.IsStable,
			HasDynamicFees:  v.HasDynamicFees,
			MaxLeverage:     v.MaxLeverage,
			Weight:          v.Weight,
			OracleType:      v.OracleType,
			OracleThreshold: th,
		})
	}
	return out
}

// String renders the configuration with credentials redacted.
func (c *Config) String() string {
	cp := *c
	cp.Store.DatabaseURL = redact(cp.Store.DatabaseURL)
	cp.Store.RedisURL = redact(cp.Store.RedisURL)
	cp.Events.NATSURL = redact(cp.Events.NATSURL)
	data, _ := yaml.Marshal(cp)
	return string(data)
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
