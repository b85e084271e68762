// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Site      SiteConfig      `mapstructure:"site"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	DB        DBConfig        `mapstructure:"db"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SiteConfig identifies the catalog site and the hosts the validator trusts.
type SiteConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	SitemapURL     string   `mapstructure:"sitemap_url"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	// ImageDomains widens the allow-list for image URLs only (CDN hosts).
	ImageDomains []string `mapstructure:"image_domains"`
	UserAgent    string   `mapstructure:"user_agent"`
}

// HTTPConfig configures fetch timeouts, politeness delays, and retries.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	DelayMinSeconds   float64 `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds   float64 `mapstructure:"delay_max_seconds"`
	OvernightMinSecs  float64 `mapstructure:"overnight_min_seconds"`
	OvernightMaxSecs  float64 `mapstructure:"overnight_max_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffBase       float64 `mapstructure:"backoff_base"`
	BackoffMaxSeconds float64 `mapstructure:"backoff_max_seconds"`
}

// CrawlConfig governs walker behavior.
type CrawlConfig struct {
	MaxPagesDefault int `mapstructure:"max_pages_default"`
	// MaxPagesHard caps any single run regardless of the CLI request.
	MaxPagesHard int `mapstructure:"max_pages_hard"`
}

// DiscoveryConfig tunes field discovery sampling. The frequency threshold
// and sample size are heuristic and deliberately configurable rather than
// hard-coded.
type DiscoveryConfig struct {
	SampleSize     int     `mapstructure:"sample_size"`
	MinFrequency   float64 `mapstructure:"min_frequency"`
	MaxSamplePages int     `mapstructure:"max_sample_pages"`
}

// DBConfig points at the SQLite store.
type DBConfig struct {
	Path string `mapstructure:"path"`
	// BusyTimeoutMs bounds waits on the write lock while the companion
	// reader holds a snapshot.
	BusyTimeoutMs int `mapstructure:"busy_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://www.bike-components.de")
	v.SetDefault("site.sitemap_url", "https://www.bike-components.de/assets/sitemap/others-en.xml")
	v.SetDefault("site.allowed_domains", []string{
		"www.bike-components.de",
		"bike-components.de",
	})
	v.SetDefault("site.image_domains", []string{
		"assets.bike-components.de",
		"media.bike-components.de",
	})
	v.SetDefault("site.user_agent", "catalog-crawler/0.1 (polite; contact site operator before scaling)")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.delay_min_seconds", 1.0)
	v.SetDefault("http.delay_max_seconds", 3.0)
	v.SetDefault("http.overnight_min_seconds", 10.0)
	v.SetDefault("http.overnight_max_seconds", 30.0)
	v.SetDefault("http.max_retries", 5)
	v.SetDefault("http.backoff_base", 2.0)
	v.SetDefault("http.backoff_max_seconds", 60.0)
	v.SetDefault("crawl.max_pages_default", 10)
	v.SetDefault("crawl.max_pages_hard", 50)
	v.SetDefault("discovery.sample_size", 15)
	v.SetDefault("discovery.min_frequency", 0.3)
	v.SetDefault("discovery.max_sample_pages", 3)
	v.SetDefault("db.path", "data/products.db")
	v.SetDefault("db.busy_timeout_ms", 5000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url must be set")
	}
	if len(c.Site.AllowedDomains) == 0 {
		return fmt.Errorf("site.allowed_domains must include at least one host")
	}
	if c.Site.UserAgent == "" {
		return fmt.Errorf("site.user_agent must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.DelayMinSeconds < 0 || c.HTTP.DelayMaxSeconds < c.HTTP.DelayMinSeconds {
		return fmt.Errorf("http delay window must satisfy 0 <= min <= max")
	}
	if c.HTTP.OvernightMinSecs < 0 || c.HTTP.OvernightMaxSecs < c.HTTP.OvernightMinSecs {
		return fmt.Errorf("http overnight delay window must satisfy 0 <= min <= max")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffBase <= 1 {
		return fmt.Errorf("http.backoff_base must be > 1")
	}
	if c.HTTP.BackoffMaxSeconds <= 0 {
		return fmt.Errorf("http.backoff_max_seconds must be > 0")
	}
	if c.Crawl.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawl.max_pages_default must be > 0")
	}
	if c.Crawl.MaxPagesHard < c.Crawl.MaxPagesDefault {
		return fmt.Errorf("crawl.max_pages_hard must be >= crawl.max_pages_default")
	}
	if c.Discovery.SampleSize <= 0 {
		return fmt.Errorf("discovery.sample_size must be > 0")
	}
	if c.Discovery.MinFrequency <= 0 || c.Discovery.MinFrequency > 1 {
		return fmt.Errorf("discovery.min_frequency must be in (0, 1]")
	}
	if c.Discovery.MaxSamplePages <= 0 {
		return fmt.Errorf("discovery.max_sample_pages must be > 0")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path must be set")
	}
	return nil
}

// RequestTimeout converts the configured timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffMax converts the configured retry backoff cap into a duration.
func (c Config) BackoffMax() time.Duration {
	return secondsToDuration(c.HTTP.BackoffMaxSeconds)
}

// DelayWindow returns the politeness delay bounds for the requested mode.
func (c Config) DelayWindow(overnight bool) (time.Duration, time.Duration) {
	if overnight {
		return secondsToDuration(c.HTTP.OvernightMinSecs), secondsToDuration(c.HTTP.OvernightMaxSecs)
	}
	return secondsToDuration(c.HTTP.DelayMinSeconds), secondsToDuration(c.HTTP.DelayMaxSeconds)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
