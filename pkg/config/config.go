// Package config provides configuration file support for the proxy process.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the proxy's on-disk configuration file. Startup
// options map directly onto the process configuration recognized at
// launch (proxy/HTTPS ports, DB path, timeouts, rate limiting).
type Config struct {
	// Server configuration.
	Server ServerConfig `yaml:"server"`

	// MITM configuration.
	MITM MITMConfig `yaml:"mitm"`

	// RateLimit configuration.
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// CA holds paths to the certificate authority material.
	CA CAConfig `yaml:"ca"`

	// LogLevel controls operational log verbosity (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`
}

// ServerConfig holds listener and timeout configuration.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host"`
	// ProxyPort is the plaintext HTTP proxy listener port.
	ProxyPort int `yaml:"proxyPort"`
	// HTTPSPort is kept in the config, but serve opens no listener on it:
	// HTTPS traffic is intercepted through CONNECT on ProxyPort.
	HTTPSPort int `yaml:"httpsPort"`
	// DBPath is the Record Store DSN or file path.
	DBPath string `yaml:"dbPath"`
	// RequestTimeoutMs bounds upstream request latency.
	RequestTimeoutMs int `yaml:"requestTimeoutMs"`
	// SessionExpirySeconds is the DPSESSION cookie lifetime.
	SessionExpirySeconds int `yaml:"sessionExpirySeconds"`
}

// MITMConfig holds MITM-related configuration.
type MITMConfig struct {
	// EnableHTTPS enables HTTPS interception; when false, no CA is loaded
	// and every CONNECT is blind-tunneled.
	EnableHTTPS bool `yaml:"enableHttps"`
}

// CAConfig holds certificate authority material paths.
type CAConfig struct {
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// RateLimitConfig holds inbound proxy rate limiting.
type RateLimitConfig struct {
	ProxyMax    int `yaml:"proxyMax"`
	WindowSecs  int `yaml:"windowSecs"`
}

// DefaultConfig returns the default configuration, matching spec's
// documented process-configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			ProxyPort:            8080,
			HTTPSPort:            8443,
			DBPath:               "./data/proxy.db",
			RequestTimeoutMs:     30000,
			SessionExpirySeconds: 86400,
		},
		MITM: MITMConfig{
			EnableHTTPS: false,
		},
		RateLimit: RateLimitConfig{
			ProxyMax:   1000,
			WindowSecs: 60,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file, or returns default if not found.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "dproxy.yaml"
	}
	return filepath.Join(home, ".dproxy", "config.yaml")
}

// ExampleConfig returns an example configuration as a YAML string.
func ExampleConfig() string {
	cfg := DefaultConfig()
	cfg.CA.CertPath = "~/.dproxy/ca/ca.cert.pem"
	cfg.CA.KeyPath = "~/.dproxy/ca/ca.key.pem"

	data, _ := yaml.Marshal(cfg)
	return string(data)
}
