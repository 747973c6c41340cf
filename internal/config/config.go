// Package config loads application configuration from environment variables
// and an optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/credguard/internal/application"
	"github.com/ericfisherdev/credguard/internal/resilience"
)

// ProviderConfig configures one registered OAuth provider.
type ProviderConfig struct {
	TokenPath string            `yaml:"token_path"`
	BaseURLs  map[string]string `yaml:"base_urls"`
}

// Config holds the application configuration.
type Config struct {
	ListenAddr        string `yaml:"listen_addr"`
	DBPath            string `yaml:"db_path"`
	MasterSecret      string `yaml:"-"`
	JWTSecret         string `yaml:"-"`
	JWTIssuer         string `yaml:"jwt_issuer"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"-"`
	TrustForwardedFor bool   `yaml:"trust_forwarded_for"`

	ProbeTimeout time.Duration              `yaml:"probe_timeout"`
	Breaker      resilience.BreakerPolicy   `yaml:"breaker"`
	RateLimits   application.ActionPolicies `yaml:"rate_limits"`

	// Providers is keyed by registry name. "oauth2" and "github" are always
	// registered; extra entries register more client-credentials providers.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// File is the policy file the values were read from, if any.
	File string `yaml:"-"`
}

// ErrMissingSecret is returned by ValidateServe when a required secret is
// not configured.
var ErrMissingSecret = errors.New("required secret not configured")

func defaults() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:8080",
		DBPath:       "credguard.db",
		ProbeTimeout: 8 * time.Second,
		Breaker:      resilience.DefaultBreakerPolicy(),
		RateLimits:   application.DefaultActionPolicies(),
		Providers:    map[string]ProviderConfig{},
	}
}

// Load builds a Config from defaults, then the YAML file named by
// CREDGUARD_CONFIG_FILE, then the remaining CREDGUARD_ environment
// variables. Secrets are read from the environment only.
// Optional variables with defaults: CREDGUARD_LISTEN_ADDR (127.0.0.1:8080),
// CREDGUARD_DB_PATH (credguard.db), CREDGUARD_PROBE_TIMEOUT (8s),
// CREDGUARD_BREAKER_THRESHOLD (3), CREDGUARD_BREAKER_COOLDOWN (60s).
func Load() (*Config, error) {
	cfg := defaults()

	if path, ok := os.LookupEnv("CREDGUARD_CONFIG_FILE"); ok && path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if v, ok := os.LookupEnv("CREDGUARD_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("CREDGUARD_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("CREDGUARD_JWT_ISSUER"); ok {
		cfg.JWTIssuer = v
	}
	if v, ok := os.LookupEnv("CREDGUARD_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	cfg.MasterSecret = os.Getenv("CREDGUARD_MASTER_SECRET")
	cfg.JWTSecret = os.Getenv("CREDGUARD_JWT_SECRET")
	cfg.RedisPassword = os.Getenv("CREDGUARD_REDIS_PASSWORD")

	if err := lookupBool("CREDGUARD_TRUST_FORWARDED_FOR", &cfg.TrustForwardedFor); err != nil {
		return nil, err
	}
	if err := lookupDuration("CREDGUARD_PROBE_TIMEOUT", &cfg.ProbeTimeout); err != nil {
		return nil, err
	}
	if err := lookupInt("CREDGUARD_BREAKER_THRESHOLD", &cfg.Breaker.FailureThreshold); err != nil {
		return nil, err
	}
	if err := lookupDuration("CREDGUARD_BREAKER_COOLDOWN", &cfg.Breaker.Cooldown); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateServe checks the settings only the server needs.
func (c *Config) ValidateServe() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("%w: CREDGUARD_MASTER_SECRET", ErrMissingSecret)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: CREDGUARD_JWT_SECRET", ErrMissingSecret)
	}
	return nil
}

// UseRedis reports whether shared state should live in Redis.
func (c *Config) UseRedis() bool {
	return c.RedisAddr != ""
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	c.File = path
	return nil
}

func (c *Config) validate() error {
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %s", c.Breaker.Cooldown)
	}
	for name, p := range map[string]resilience.RatePolicy{
		"connect":    c.RateLimits.Connect,
		"test":       c.RateLimits.Test,
		"disconnect": c.RateLimits.Disconnect,
	} {
		if p.Limit < 1 || p.Window <= 0 {
			return fmt.Errorf("rate limit for %s needs a positive limit and window", name)
		}
	}
	return nil
}

func lookupDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func lookupInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func lookupBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}
