// Package config loads the negotiator configuration from yaml, applies
// CIMGATE_ environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cimgate/cimgate/internal/conncache"
	"github.com/cimgate/cimgate/internal/transport"
)

type Config struct {
	Negotiation NegotiationConfig `yaml:"negotiation"`
	WinRM       WinRMConfig       `yaml:"winrm"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type NegotiationConfig struct {
	EnabledProtocols []string `yaml:"enabled_protocols" validate:"min=1"`
	WorkerLimit      int      `yaml:"worker_limit" validate:"min=1,max=512"`
	AttemptTimeoutMS int      `yaml:"attempt_timeout_ms" validate:"min=0"`
}

type WinRMConfig struct {
	Port               int  `yaml:"port" validate:"min=1,max=65535"`
	HTTPSPort          int  `yaml:"https_port" validate:"min=1,max=65535"`
	UseHTTPS           bool `yaml:"use_https"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	TimeoutMS          int  `yaml:"timeout_ms" validate:"min=0"`
	DialRetries        int  `yaml:"dial_retries" validate:"min=0,max=10"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is supplied: all four
// protocols enabled, a modest worker pool, and an enabled cache.
func Default() *Config {
	return &Config{
		Negotiation: NegotiationConfig{
			EnabledProtocols: protocolNames(conncache.TrialOrder()),
			WorkerLimit:      8,
			AttemptTimeoutMS: 60000,
		},
		WinRM: WinRMConfig{
			Port:        5985,
			HTTPSPort:   5986,
			TimeoutMS:   60000,
			DialRetries: 2,
		},
		Cache: CacheConfig{Enabled: true},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var validate = validator.New()

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var messages []string
		for _, e := range err.(validator.ValidationErrors) {
			messages = append(messages, fmt.Sprintf("%s failed %s validation", e.Namespace(), e.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(messages, "; "))
	}

	if _, err := c.Negotiation.Protocols(); err != nil {
		return err
	}

	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides checks for environment variables with CIMGATE_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CIMGATE_WINRM_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.WinRM.Port)
	}
	if v := os.Getenv("CIMGATE_WINRM_HTTPS_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.WinRM.HTTPSPort)
	}
	if v := os.Getenv("CIMGATE_WINRM_USE_HTTPS"); v != "" {
		cfg.WinRM.UseHTTPS = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CIMGATE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CIMGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CIMGATE_WORKER_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Negotiation.WorkerLimit)
	}
}

// Protocols resolves the configured protocol names.
func (n *NegotiationConfig) Protocols() ([]conncache.Protocol, error) {
	protocols := make([]conncache.Protocol, 0, len(n.EnabledProtocols))
	for _, name := range n.EnabledProtocols {
		p, err := conncache.ParseProtocol(name)
		if err != nil {
			return nil, err
		}
		protocols = append(protocols, p)
	}
	return protocols, nil
}

// GetAttemptTimeout returns the per-attempt deadline as a duration.
func (n *NegotiationConfig) GetAttemptTimeout() time.Duration {
	return time.Duration(n.AttemptTimeoutMS) * time.Millisecond
}

// Options returns the transport options for the WS-Man adapters.
func (w *WinRMConfig) Options() transport.WinRMOptions {
	return transport.WinRMOptions{
		Port:               w.Port,
		HTTPSPort:          w.HTTPSPort,
		UseHTTPS:           w.UseHTTPS,
		InsecureSkipVerify: w.InsecureSkipVerify,
		Timeout:            time.Duration(w.TimeoutMS) * time.Millisecond,
		DialRetries:        uint64(w.DialRetries),
	}
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

func protocolNames(ps []conncache.Protocol) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return names
}
