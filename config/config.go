package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pevans/wpharvest/logger"
	"gopkg.in/yaml.v3"
)

// Configuration validation errors.
var (
	ErrNoSites              = errors.New("at least one site is required")
	ErrSiteMissingName      = errors.New("site name is required")
	ErrDuplicateSite        = errors.New("site names must be unique")
	ErrMissingListingURL    = errors.New("listing_url_template is required")
	ErrMissingCategoriesURL = errors.New("categories_url_template is required")
	ErrInvalidPostsPerPage  = errors.New("fetch.posts_per_page must be between 1 and 100")
	ErrInvalidConcurrency   = errors.New("fetch.max_concurrent_requests must be at least 1")
	ErrInvalidTimeout       = errors.New("fetch.request_timeout_seconds must be positive")
	ErrInvalidDelay         = errors.New("fetch.inter_request_delay_seconds must be non-negative")
	ErrInvalidMaxAttempts   = errors.New("retry.max_attempts must be at least 1")
	ErrInvalidBackoffBase   = errors.New("retry.backoff_base_seconds must be non-negative")
	ErrInvalidMultiplier    = errors.New("retry.multiplier must be >= 1.0")
	ErrInvalidJitter        = errors.New("retry.jitter must be between 0 and 1")
	ErrMissingDataDir       = errors.New("data_dir is required")
	ErrInvalidLogLevel      = errors.New("logging.level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat     = errors.New("logging.format must be 'console' or 'json'")
)

// SitePlaceholder is replaced by the site name in URL templates.
const SitePlaceholder = "{site}"

// Config is the complete harvester configuration.
type Config struct {
	DataDir               string            `yaml:"data_dir"`
	State                 StateConfig       `yaml:"state"`
	Logging               logger.Config     `yaml:"logging"`
	Fetch                 FetchConfig       `yaml:"fetch"`
	Retry                 RetryConfig       `yaml:"retry"`
	Headers               map[string]string `yaml:"headers"`
	ListingURLTemplate    string            `yaml:"listing_url_template"`
	CategoriesURLTemplate string            `yaml:"categories_url_template"`
	Sites                 []SiteConfig      `yaml:"sites"`
}

// StateConfig locates the SQLite run-state database. An empty DSN disables
// run history.
type StateConfig struct {
	DSN string `yaml:"dsn"`
}

// FetchConfig holds pagination and HTTP settings shared by all sites.
type FetchConfig struct {
	PostsPerPage             int     `yaml:"posts_per_page"`
	MaxConcurrentRequests    int     `yaml:"max_concurrent_requests"`
	RequestTimeoutSeconds    float64 `yaml:"request_timeout_seconds"`
	InterRequestDelaySeconds float64 `yaml:"inter_request_delay_seconds"`
}

// RetryConfig defines the backoff policy for retryable request failures.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	BackoffBaseSeconds float64 `yaml:"backoff_base_seconds"`
	Multiplier         float64 `yaml:"multiplier"`
	MaxDelaySeconds    float64 `yaml:"max_delay_seconds"`
	Jitter             float64 `yaml:"jitter"`
}

// SiteConfig is one configured WordPress site. Either template may be left
// empty to use the global one.
type SiteConfig struct {
	Name                  string `yaml:"name"`
	ListingURLTemplate    string `yaml:"listing_url_template,omitempty"`
	CategoriesURLTemplate string `yaml:"categories_url_template,omitempty"`
}

// UnmarshalYAML accepts either a bare site name or a mapping.
func (s *SiteConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Name = strings.TrimSpace(node.Value)
		return nil
	}

	type plain SiteConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = SiteConfig(p)
	return nil
}

// Site is a site with its URL templates resolved.
type Site struct {
	Name          string `json:"name"`
	ListingURL    string `json:"listing_url"`
	CategoriesURL string `json:"categories_url"`
}

// Validate checks the configuration for values the harvester cannot run
// with.
func (c *Config) Validate() error {
	if len(c.Sites) == 0 {
		return ErrNoSites
	}

	seen := make(map[string]bool, len(c.Sites))
	for i, site := range c.Sites {
		if site.Name == "" {
			return fmt.Errorf("%w: sites[%d]", ErrSiteMissingName, i)
		}
		if seen[site.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateSite, site.Name)
		}
		seen[site.Name] = true

		if site.ListingURLTemplate == "" && c.ListingURLTemplate == "" {
			return fmt.Errorf("%w: %s", ErrMissingListingURL, site.Name)
		}
		if site.CategoriesURLTemplate == "" && c.CategoriesURLTemplate == "" {
			return fmt.Errorf("%w: %s", ErrMissingCategoriesURL, site.Name)
		}
	}

	if c.DataDir == "" {
		return ErrMissingDataDir
	}

	// WordPress caps per_page at 100
	if c.Fetch.PostsPerPage < 1 || c.Fetch.PostsPerPage > 100 {
		return ErrInvalidPostsPerPage
	}
	if c.Fetch.MaxConcurrentRequests < 1 {
		return ErrInvalidConcurrency
	}
	if c.Fetch.RequestTimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if c.Fetch.InterRequestDelaySeconds < 0 {
		return ErrInvalidDelay
	}

	if c.Retry.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.Retry.BackoffBaseSeconds < 0 {
		return ErrInvalidBackoffBase
	}
	if c.Retry.Multiplier < 1.0 {
		return ErrInvalidMultiplier
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return ErrInvalidJitter
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return ErrInvalidLogFormat
	}

	return nil
}

// ResolvedSites returns every configured site with URL templates expanded.
func (c *Config) ResolvedSites() []Site {
	sites := make([]Site, 0, len(c.Sites))
	for _, sc := range c.Sites {
		sites = append(sites, c.Resolve(sc))
	}
	return sites
}

// Resolve expands the URL templates for one site.
func (c *Config) Resolve(sc SiteConfig) Site {
	listing := sc.ListingURLTemplate
	if listing == "" {
		listing = c.ListingURLTemplate
	}
	categories := sc.CategoriesURLTemplate
	if categories == "" {
		categories = c.CategoriesURLTemplate
	}

	return Site{
		Name:          sc.Name,
		ListingURL:    expandTemplate(listing, sc.Name),
		CategoriesURL: expandTemplate(categories, sc.Name),
	}
}

// FindSites returns the resolved sites matching the given names, in the
// order given. Unknown names are reported together.
func (c *Config) FindSites(names []string) ([]Site, error) {
	byName := make(map[string]SiteConfig, len(c.Sites))
	for _, sc := range c.Sites {
		byName[sc.Name] = sc
	}

	var sites []Site
	var unknown []string
	for _, name := range names {
		sc, ok := byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		sites = append(sites, c.Resolve(sc))
	}

	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown sites: %s", strings.Join(unknown, ", "))
	}
	return sites, nil
}

// expandTemplate substitutes the site name. "{}" is accepted as a shorter
// placeholder.
func expandTemplate(template, name string) string {
	out := strings.ReplaceAll(template, SitePlaceholder, name)
	return strings.ReplaceAll(out, "{}", name)
}

// RequestTimeout returns the per-request timeout.
func (f FetchConfig) RequestTimeout() time.Duration {
	return seconds(f.RequestTimeoutSeconds)
}

// InterRequestDelay returns the minimum gap between requests to one site.
func (f FetchConfig) InterRequestDelay() time.Duration {
	return seconds(f.InterRequestDelaySeconds)
}

// BaseDelay returns the first backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return seconds(r.BackoffBaseSeconds)
}

// MaxDelay returns the backoff cap; zero means uncapped.
func (r RetryConfig) MaxDelay() time.Duration {
	return seconds(r.MaxDelaySeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// String returns a short summary of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Sites: %d, PerPage: %d, Concurrency: %d, DataDir: %s}",
		len(c.Sites),
		c.Fetch.PostsPerPage,
		c.Fetch.MaxConcurrentRequests,
		c.DataDir,
	)
}
