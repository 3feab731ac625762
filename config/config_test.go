package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"no sites", func(c *Config) { c.Sites = nil }, ErrNoSites},
		{"empty name", func(c *Config) { c.Sites = []SiteConfig{{Name: ""}} }, ErrSiteMissingName},
		{"duplicate", func(c *Config) { c.Sites = []SiteConfig{{Name: "a"}, {Name: "a"}} }, ErrDuplicateSite},
		{"no listing template", func(c *Config) { c.ListingURLTemplate = "" }, ErrMissingListingURL},
		{"no categories template", func(c *Config) { c.CategoriesURLTemplate = "" }, ErrMissingCategoriesURL},
		{"no data dir", func(c *Config) { c.DataDir = "" }, ErrMissingDataDir},
		{"per page zero", func(c *Config) { c.Fetch.PostsPerPage = 0 }, ErrInvalidPostsPerPage},
		{"concurrency zero", func(c *Config) { c.Fetch.MaxConcurrentRequests = 0 }, ErrInvalidConcurrency},
		{"timeout zero", func(c *Config) { c.Fetch.RequestTimeoutSeconds = 0 }, ErrInvalidTimeout},
		{"negative delay", func(c *Config) { c.Fetch.InterRequestDelaySeconds = -1 }, ErrInvalidDelay},
		{"attempts zero", func(c *Config) { c.Retry.MaxAttempts = 0 }, ErrInvalidMaxAttempts},
		{"negative base", func(c *Config) { c.Retry.BackoffBaseSeconds = -1 }, ErrInvalidBackoffBase},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }, ErrInvalidMultiplier},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }, ErrInvalidJitter},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, ErrInvalidLogLevel},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, ErrInvalidLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_SiteTemplateOverridesGlobal(t *testing.T) {
	cfg := Default()
	cfg.ListingURLTemplate = ""
	cfg.Sites = []SiteConfig{{
		Name:               "example.com",
		ListingURLTemplate: "https://{site}/api/posts",
	}}

	assert.NoError(t, cfg.Validate())
}

func TestResolve_ExpandsTemplates(t *testing.T) {
	cfg := Default()

	site := cfg.Resolve(SiteConfig{Name: "kurir.mk"})
	assert.Equal(t, "kurir.mk", site.Name)
	assert.Equal(t, "https://kurir.mk/wp-json/wp/v2/posts", site.ListingURL)
	assert.Equal(t, "https://kurir.mk/wp-json/wp/v2/categories", site.CategoriesURL)

	site = cfg.Resolve(SiteConfig{
		Name:                  "legacy.mk",
		ListingURLTemplate:    "http://{}/posts",
		CategoriesURLTemplate: "http://{}/cats",
	})
	assert.Equal(t, "http://legacy.mk/posts", site.ListingURL)
	assert.Equal(t, "http://legacy.mk/cats", site.CategoriesURL)
}

func TestFindSites(t *testing.T) {
	cfg := Default()

	sites, err := cfg.FindSites([]string{"trn.mk", "kurir.mk"})
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "trn.mk", sites[0].Name, "order follows the request")
	assert.Equal(t, "kurir.mk", sites[1].Name)

	_, err = cfg.FindSites([]string{"kurir.mk", "nope.mk", "nada.mk"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.mk, nada.mk")
}

func TestSiteConfig_UnmarshalScalarOrMapping(t *testing.T) {
	var sites []SiteConfig
	err := yaml.Unmarshal([]byte(`
- plain.mk
- name: custom.mk
  categories_url_template: "https://{site}/cats"
`), &sites)
	require.NoError(t, err)
	require.Len(t, sites, 2)

	assert.Equal(t, SiteConfig{Name: "plain.mk"}, sites[0])
	assert.Equal(t, "custom.mk", sites[1].Name)
	assert.Equal(t, "https://{site}/cats", sites[1].CategoriesURLTemplate)
}

func TestDurations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "20s", cfg.Fetch.RequestTimeout().String())
	assert.Equal(t, "1s", cfg.Fetch.InterRequestDelay().String())
	assert.Equal(t, "2s", cfg.Retry.BaseDelay().String())
	assert.Equal(t, "1m0s", cfg.Retry.MaxDelay().String())
}
