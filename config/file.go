package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pevans/wpharvest/logger"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither --config nor WPHARVEST_CONFIG is
// set.
const DefaultConfigPath = "wpharvest.yaml"

// Environment variables that override file values.
const (
	EnvConfigPath = "WPHARVEST_CONFIG"
	EnvDataDir    = "WPHARVEST_DATA_DIR"
	EnvStateDSN   = "WPHARVEST_STATE_DSN"
	EnvLogLevel   = "WPHARVEST_LOG_LEVEL"
)

var defaultSites = []string{
	"kurir.mk",
	"republika.mk",
	"centar.mk",
	"sportmedia.mk",
	"magazin.mk",
	"smartportal.mk",
	"makpress.mk",
	"irl.mk",
	"a1on.mk",
	"plusinfo.mk",
	"mkd-news.com",
	"mkinfo.mk",
	"slobodenpecat.mk",
	"press24.mk",
	"nezavisen.mk",
	"trn.mk",
	"4news.mk",
	"racin.mk",
	"netpress.com.mk",
	"makedonija24.mk",
	"infomax.mk",
	"puls24.mk",
}

// Default returns the built-in configuration.
func Default() *Config {
	sites := make([]SiteConfig, 0, len(defaultSites))
	for _, name := range defaultSites {
		sites = append(sites, SiteConfig{Name: name})
	}

	return &Config{
		DataDir: "data",
		State: StateConfig{
			DSN: "wpharvest.db",
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Fetch: FetchConfig{
			PostsPerPage:             100,
			MaxConcurrentRequests:    5,
			RequestTimeoutSeconds:    20,
			InterRequestDelaySeconds: 1,
		},
		Retry: RetryConfig{
			MaxAttempts:        5,
			BackoffBaseSeconds: 2,
			Multiplier:         2,
			MaxDelaySeconds:    60,
			Jitter:             0.25,
		},
		// Accept-Encoding is left to net/http so gzip bodies are decoded
		// transparently.
		Headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Accept":          "application/json, text/plain, */*",
			"Accept-Language": "en-US,en;q=0.9",
		},
		ListingURLTemplate:    "https://{site}/wp-json/wp/v2/posts",
		CategoriesURLTemplate: "https://{site}/wp-json/wp/v2/categories",
		Sites:                 sites,
	}
}

// ResolvePath picks the config file path: an explicit path wins, then
// WPHARVEST_CONFIG, then DefaultConfigPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if val := os.Getenv(EnvConfigPath); val != "" {
		return val
	}
	return DefaultConfigPath
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. A missing file is not an
// error: the defaults are used. A file that exists but cannot be parsed is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values with environment variables, which have the
// highest priority.
func (c *Config) ApplyEnv() {
	if val := os.Getenv(EnvDataDir); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv(EnvStateDSN); val != "" {
		c.State.DSN = val
	}
	if val := os.Getenv(EnvLogLevel); val != "" {
		c.Logging.Level = val
	}
}

// WriteDefaultConfigFile writes the default configuration to path. It
// returns false without writing if the file exists and force is not set.
func WriteDefaultConfigFile(path string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return false, fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return false, fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}

	return true, nil
}
