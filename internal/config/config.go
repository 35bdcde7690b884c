// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIBaseURL = "http://localhost:8000/api/v1/"
	// DefaultAPIKey is a placeholder that no real server accepts.
	DefaultAPIKey         = "your-api-key-here"
	DefaultDBPath         = "machine_logs.db"
	DefaultRequestTimeout = 30 * time.Second
)

// LogConfig controls the process logger
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // console, json
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

// ClientConfig for the sync client
type ClientConfig struct {
	APIBaseURL      string        `yaml:"api_base_url"`
	MachineID       string        `yaml:"machine_id"`
	DBPath          string        `yaml:"db_path"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	TLSSkipVerify   bool          `yaml:"tls_skip_verify"`
	IncrementalPush bool          `yaml:"incremental_push"`
	NATSURL         string        `yaml:"nats_url"`
	MetricsTextfile string        `yaml:"metrics_textfile"`
	Log             LogConfig     `yaml:"log"`
	APIKey          string        `yaml:"-"` // from env only
}

// DevServerConfig for the local management API simulator
type DevServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	PathPrefix      string `yaml:"path_prefix"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	APIKey          string `yaml:"-"` // from env only
}

// DefaultClientConfig returns the settings used when no file is given.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		APIBaseURL:     DefaultAPIBaseURL,
		DBPath:         DefaultDBPath,
		RequestTimeout: DefaultRequestTimeout,
		APIKey:         DefaultAPIKey,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// LoadClientConfig loads client config from YAML file with env overrides.
// An empty path skips the file and returns defaults plus env.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if key := os.Getenv("RMM_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if base := os.Getenv("RMM_API_BASE_URL"); base != "" {
		cfg.APIBaseURL = base
	}
	if id := os.Getenv("RMM_MACHINE_ID"); id != "" {
		cfg.MachineID = id
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the client cannot run without
func (c *ClientConfig) Validate() error {
	base := strings.TrimSpace(c.APIBaseURL)
	if base == "" {
		return errors.New("api_base_url is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("api_base_url %q must be an http(s) URL", c.APIBaseURL)
	}
	return nil
}

// LoadDevServerConfig loads simulator config from YAML file with env overrides
func LoadDevServerConfig(path string) (*DevServerConfig, error) {
	cfg := &DevServerConfig{
		ListenAddr:      "127.0.0.1:8000",
		PathPrefix:      "/api/v1/",
		MaxPayloadBytes: 1 << 20,
		APIKey:          DefaultAPIKey,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if key := os.Getenv("RMM_API_KEY"); key != "" {
		cfg.APIKey = key
	}

	return cfg, nil
}
