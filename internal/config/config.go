// Package config provides YAML configuration loading and validation for the
// feedsync client and the development feed server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the feedsync client.
type Config struct {
	// APIBaseURL is the root of the remote event API, without the /api
	// prefix (e.g. "http://localhost:8080"). Required.
	APIBaseURL string `yaml:"api_base_url"`

	// DataDir holds the SQLite cache, the secret store and downloaded
	// files. Defaults to $XDG_DATA_HOME/feedsync, or
	// ~/.local/share/feedsync when XDG_DATA_HOME is unset.
	DataDir string `yaml:"data_dir"`

	// PageSize is the number of events fetched per page. Defaults to 20;
	// must be between 1 and 100.
	PageSize int `yaml:"page_size"`

	// PollInterval is how often the new-events count is polled. Defaults
	// to 30s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RequestTimeout bounds each non-streaming API request. Defaults to 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server used by
	// the run subcommand. Defaults to "127.0.0.1:9100".
	HealthAddr string `yaml:"health_addr"`

	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// ConnectivityConfig controls the reachability prober.
type ConnectivityConfig struct {
	// ProbePath is requested relative to APIBaseURL. Defaults to "/health".
	ProbePath string `yaml:"probe_path"`

	// ProbeInterval is the delay between probes while online. Defaults to
	// 15s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// MaxBackoff caps the exponential delay between probes while offline.
	// Defaults to 2m.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Disabled skips probing; the client then always reports online.
	Disabled bool `yaml:"disabled"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return nil
}

// DefaultDataDir returns the per-user data directory used when data_dir is
// omitted.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "feedsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "feedsync")
	}
	return "feedsync-data"
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 20
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9100"
	}
	if cfg.Connectivity.ProbePath == "" {
		cfg.Connectivity.ProbePath = "/health"
	}
	if cfg.Connectivity.ProbeInterval == 0 {
		cfg.Connectivity.ProbeInterval = 15 * time.Second
	}
	if cfg.Connectivity.MaxBackoff == 0 {
		cfg.Connectivity.MaxBackoff = 2 * time.Minute
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	} else if u, err := url.Parse(cfg.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base_url %q must be an absolute http(s) URL", cfg.APIBaseURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("api_base_url scheme %q must be http or https", u.Scheme))
	}
	if cfg.PageSize < 1 || cfg.PageSize > 100 {
		errs = append(errs, fmt.Errorf("page_size %d must be between 1 and 100", cfg.PageSize))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval %s must be positive", cfg.PollInterval))
	}
	if cfg.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout %s must be positive", cfg.RequestTimeout))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Connectivity.ProbeInterval < 0 {
		errs = append(errs, fmt.Errorf("connectivity.probe_interval %s must be positive", cfg.Connectivity.ProbeInterval))
	}
	if cfg.Connectivity.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("connectivity.max_backoff %s must be positive", cfg.Connectivity.MaxBackoff))
	}

	return errors.Join(errs...)
}
