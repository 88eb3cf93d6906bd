// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-orchestrator/internal/breaker"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Config represents the complete application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Providers    []ProviderEntry    `yaml:"providers"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`

	// Materialized during validation.
	providerConfigs []types.ProviderConfig
	cacheTTL        time.Duration
	breakerCfg      breaker.Config
	readTimeout     time.Duration
	writeTimeout    time.Duration
}

// ServerConfig holds HTTP server configuration. Durations are
// time.ParseDuration strings.
type ServerConfig struct {
	Port           string `yaml:"port"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxHeaderBytes int    `yaml:"max_header_bytes"`
}

// OrchestratorConfig holds routing core configuration.
type OrchestratorConfig struct {
	// CacheTTL is how long successful responses are served from cache.
	CacheTTL string `yaml:"cache_ttl"`

	// UsageDB is the SQLite file for quota accounting. Empty keeps usage
	// in memory, losing it on restart.
	UsageDB string `yaml:"usage_db"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-backend circuit breakers.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Timeout          string `yaml:"timeout"`
	SuccessThreshold int    `yaml:"success_threshold"`
}

// ProviderEntry is the file-facing form of one backend registration.
type ProviderEntry struct {
	ID         string `yaml:"id"`
	Kind       string `yaml:"kind"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Priority   int    `yaml:"priority"`
	QuotaLimit int64  `yaml:"quota_limit"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
	Enabled    bool   `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	APIKeys   []string   `yaml:"api_keys"`
	JWTSecret string     `yaml:"jwt_secret"`
	CORS      CORSConfig `yaml:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

const defaultProviderTimeout = 30 * time.Second

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values.
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    "30s",
		WriteTimeout:   "120s",
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Orchestrator = OrchestratorConfig{
		CacheTTL: "720h", // 30 days
		Breaker: BreakerConfig{
			FailureThreshold: breaker.DefaultFailureThreshold,
			Timeout:          "60s",
			SuccessThreshold: breaker.DefaultSuccessThreshold,
		},
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys: []string{},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if port := os.Getenv("LLM_ORCHESTRATOR_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("LLM_ORCHESTRATOR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("LLM_ORCHESTRATOR_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if db := os.Getenv("LLM_ORCHESTRATOR_USAGE_DB"); db != "" {
		c.Orchestrator.UsageDB = db
	}

	if ttl := os.Getenv("LLM_ORCHESTRATOR_CACHE_TTL"); ttl != "" {
		c.Orchestrator.CacheTTL = ttl
	}

	if secret := os.Getenv("LLM_ORCHESTRATOR_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}

	// Provider API keys fall back to the conventional per-vendor variables
	// when the file leaves them blank.
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	for i := range c.Providers {
		if c.Providers[i].APIKey != "" {
			continue
		}
		switch c.Providers[i].Kind {
		case types.KindOpenAI:
			c.Providers[i].APIKey = openaiKey
		case types.KindAnthropic:
			c.Providers[i].APIKey = anthropicKey
		}
	}
}

// validate checks the configuration and materializes the parsed forms the
// accessors below return.
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	var err error
	if c.readTimeout, err = parseDuration("server.read_timeout", c.Server.ReadTimeout); err != nil {
		return err
	}
	if c.writeTimeout, err = parseDuration("server.write_timeout", c.Server.WriteTimeout); err != nil {
		return err
	}
	if c.cacheTTL, err = parseDuration("orchestrator.cache_ttl", c.Orchestrator.CacheTTL); err != nil {
		return err
	}

	breakerTimeout, err := parseDuration("orchestrator.breaker.timeout", c.Orchestrator.Breaker.Timeout)
	if err != nil {
		return err
	}
	if c.Orchestrator.Breaker.FailureThreshold < 0 || c.Orchestrator.Breaker.SuccessThreshold < 0 {
		return fmt.Errorf("breaker thresholds cannot be negative")
	}
	c.breakerCfg = breaker.Config{
		FailureThreshold: c.Orchestrator.Breaker.FailureThreshold,
		Timeout:          breakerTimeout,
		SuccessThreshold: c.Orchestrator.Breaker.SuccessThreshold,
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validKinds := map[string]bool{
		types.KindOpenAI:    true,
		types.KindAnthropic: true,
	}

	c.providerConfigs = make([]types.ProviderConfig, 0, len(c.Providers))
	seen := make(map[string]bool)
	enabledCount := 0

	for _, entry := range c.Providers {
		pc, err := entry.toProviderConfig()
		if err != nil {
			return err
		}
		if err := pc.Validate(); err != nil {
			return err
		}
		if !validKinds[pc.Kind] {
			return fmt.Errorf("provider %s: unknown kind %q", pc.ID, pc.Kind)
		}
		if seen[pc.ID] {
			return fmt.Errorf("duplicate provider id: %s", pc.ID)
		}
		seen[pc.ID] = true

		if pc.Enabled {
			if pc.APIKey == "" {
				return fmt.Errorf("provider %s: api key is required when enabled", pc.ID)
			}
			enabledCount++
		}

		c.providerConfigs = append(c.providerConfigs, pc)
	}

	if enabledCount == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}

	return nil
}

// toProviderConfig converts the file-facing entry into the registration
// record, parsing the duration string.
func (e ProviderEntry) toProviderConfig() (types.ProviderConfig, error) {
	timeout := defaultProviderTimeout
	if e.Timeout != "" {
		parsed, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return types.ProviderConfig{}, fmt.Errorf("provider %s: invalid timeout %q: %w", e.ID, e.Timeout, err)
		}
		timeout = parsed
	}

	return types.ProviderConfig{
		ID:         e.ID,
		Kind:       e.Kind,
		APIKey:     e.APIKey,
		BaseURL:    e.BaseURL,
		Model:      e.Model,
		Priority:   e.Priority,
		QuotaLimit: e.QuotaLimit,
		Timeout:    timeout,
		MaxRetries: e.MaxRetries,
		Enabled:    e.Enabled,
	}, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("%s cannot be empty", field)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", field, d)
	}
	return d, nil
}

// ProviderConfigs returns the validated backend registrations.
func (c *Config) ProviderConfigs() []types.ProviderConfig {
	return c.providerConfigs
}

// CacheTTL returns the parsed response cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return c.cacheTTL
}

// BreakerConfig returns the parsed circuit breaker tuning.
func (c *Config) BreakerConfig() breaker.Config {
	return c.breakerCfg
}

// ReadTimeout returns the parsed server read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return c.readTimeout
}

// WriteTimeout returns the parsed server write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return c.writeTimeout
}

// SaveToFile saves the current configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
