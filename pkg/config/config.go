// Package config provides configuration structures and loading logic for the sandbox.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-sandbox/internal/governance"
	"github.com/polisai/polis-sandbox/pkg/policy"
	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

var rateLimitedEndpoints = []string{"invoke", "check", "overrides", "policy"}

const (
	defaultServerAddress = ":8090"
	defaultLogLevel      = "info"
)

// Config holds the global configuration for the sandbox.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`

	// baseDir resolves relative rego file paths; empty means the working directory.
	baseDir string
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Address string `yaml:"address"`
	// RateLimits are keyed by endpoint name: invoke, check or overrides.
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits,omitempty"`
}

// RateLimitConfig is a token bucket for one API endpoint.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// PolicyConfig holds the function policy applied to sandboxed strings.
type PolicyConfig struct {
	Whitelist []string        `yaml:"whitelist"`
	Blacklist []string        `yaml:"blacklist"`
	Overrides OverridesConfig `yaml:"overrides"`
	Rego      *RegoConfig     `yaml:"rego,omitempty"`
}

// OverridesConfig enables reserved handlers per classification set.
type OverridesConfig struct {
	DefinedFuncs bool `yaml:"defined_funcs"`
	ProxyFuncs   bool `yaml:"proxy_funcs"`
	ArgFuncs     bool `yaml:"arg_funcs"`
}

// RegoConfig points at Rego rules that must also allow a call.
type RegoConfig struct {
	Entrypoint      string   `yaml:"entrypoint"`
	Files           []string `yaml:"files"`
	CacheMaxEntries int      `yaml:"cache_max_entries"`
	FailureMode     string   `yaml:"failure_mode"`
}

// DefaultConfig returns the configuration used when no file is supplied.
// Every override starts enabled.
func DefaultConfig() *Config {
	return &Config{
		Server:    ServerConfig{Address: defaultServerAddress},
		Logging:   LoggingConfig{Level: defaultLogLevel},
		Telemetry: TelemetryConfig{Insecure: true},
		Policy: PolicyConfig{
			Overrides: OverridesConfig{DefinedFuncs: true, ProxyFuncs: true, ArgFuncs: true},
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.baseDir = filepath.Dir(path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML onto cfg, keeping the values of keys the document omits.
func Parse(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_SANDBOX_SERVER_ADDRESS"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("POLIS_SANDBOX_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_SANDBOX_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_SANDBOX_OTLP_INSECURE"); val != "" {
		cfg.Telemetry.Insecure = val == "true"
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		c.Server.Address = defaultServerAddress
	}

	for endpoint, limit := range c.Server.RateLimits {
		if !slices.Contains(rateLimitedEndpoints, endpoint) {
			return fmt.Errorf("server: unknown rate limit endpoint %q, supported: %s",
				endpoint, strings.Join(rateLimitedEndpoints, ", "))
		}
		if limit.RequestsPerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("server: rate limit for %s must not be negative", endpoint)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = defaultLogLevel
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of policy configuration
func (c *PolicyConfig) Validate() error {
	for i, name := range c.Whitelist {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("whitelist entry %d is empty", i)
		}
	}
	for i, name := range c.Blacklist {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("blacklist entry %d is empty", i)
		}
	}

	if c.Rego == nil {
		return nil
	}
	if len(c.Rego.Files) == 0 {
		return fmt.Errorf("rego: at least one file is required")
	}
	if c.Rego.FailureMode != "" {
		if _, err := policy.ParseMode(c.Rego.FailureMode); err != nil {
			return fmt.Errorf("rego: %w", err)
		}
	}
	return nil
}

// Map returns the override flags keyed by classification.
func (o OverridesConfig) Map() map[sandbox.Class]bool {
	return map[sandbox.Class]bool{
		sandbox.ClassDefined: o.DefinedFuncs,
		sandbox.ClassProxy:   o.ProxyFuncs,
		sandbox.ClassArg:     o.ArgFuncs,
	}
}

// Limits converts the configured rate limits for governance.RateLimiter.
func (c ServerConfig) Limits() map[string]governance.Limit {
	limits := make(map[string]governance.Limit, len(c.RateLimits))
	for endpoint, limit := range c.RateLimits {
		limits[endpoint] = governance.Limit{
			RequestsPerSecond: limit.RequestsPerSecond,
			Burst:             limit.Burst,
		}
	}
	return limits
}

// EngineOptions converts the policy section into engine options, reading
// Rego files relative to the configuration file.
func (c *Config) EngineOptions() (policy.Options, error) {
	opts := policy.Options{
		Whitelist: append([]string(nil), c.Policy.Whitelist...),
		Blacklist: append([]string(nil), c.Policy.Blacklist...),
		Overrides: c.Policy.Overrides.Map(),
	}

	if c.Policy.Rego == nil {
		return opts, nil
	}

	modules := make(map[string]string, len(c.Policy.Rego.Files))
	for _, file := range c.Policy.Rego.Files {
		path := file
		if !filepath.IsAbs(path) && c.baseDir != "" {
			path = filepath.Join(c.baseDir, path)
		}
		//nolint:gosec // Rego file paths are controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return policy.Options{}, fmt.Errorf("failed to read rego file %s: %w", path, err)
		}
		modules[path] = string(data)
	}

	var mode policy.Mode
	if c.Policy.Rego.FailureMode != "" {
		parsed, err := policy.ParseMode(c.Policy.Rego.FailureMode)
		if err != nil {
			return policy.Options{}, err
		}
		mode = parsed
	}

	opts.Rego = &policy.RegoOptions{
		Entrypoint:      c.Policy.Rego.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: c.Policy.Rego.CacheMaxEntries,
		FailureMode:     mode,
	}
	return opts, nil
}
