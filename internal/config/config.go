// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/textforge/harvest/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Robots     RobotsConfig     `mapstructure:"robots"`
	Trap       TrapConfig       `mapstructure:"trap"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Seeds      []SeedConfig     `mapstructure:"seeds"`
}

// CrawlerConfig governs the worker pool and politeness defaults.
type CrawlerConfig struct {
	Concurrency     int    `mapstructure:"concurrency"`
	UserAgent       string `mapstructure:"user_agent"`
	DefaultDelayMs  int    `mapstructure:"default_delay_ms"`
	JitterMinMs     int    `mapstructure:"jitter_min_ms"`
	JitterMaxMs     int    `mapstructure:"jitter_max_ms"`
	MaxDepthDefault int    `mapstructure:"max_depth_default"`
	MaxPagesDefault int    `mapstructure:"max_pages_default"`
}

// HTTPConfig configures fetch timeout, retry, and redirect behavior.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxAttempts    int `mapstructure:"max_attempts"`
	BackoffBaseMs  int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs   int `mapstructure:"backoff_max_ms"`
	MaxRedirects   int `mapstructure:"max_redirects"`
}

// RobotsConfig controls the robots.txt cache.
type RobotsConfig struct {
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`
}

// TrapConfig sets trap-filter thresholds.
type TrapConfig struct {
	MaxPageNumber      int `mapstructure:"max_page_number"`
	MaxDateDepth       int `mapstructure:"max_date_depth"`
	PatternRepeatLimit int `mapstructure:"pattern_repeat_limit"`
}

// CheckpointConfig selects and locates the checkpoint backend.
type CheckpointConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// SinkConfig locates the emitted-record stream.
type SinkConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SeedConfig declares one crawl source: a domain, its seed URLs, and its
// per-domain caps. Zero caps fall back to the crawler defaults.
type SeedConfig struct {
	Domain     string   `mapstructure:"domain"`
	URLs       []string `mapstructure:"urls"`
	Kind       string   `mapstructure:"kind"`
	MaxDepth   int      `mapstructure:"max_depth"`
	MaxPages   int      `mapstructure:"max_pages"`
	MinDelayMs int      `mapstructure:"min_delay_ms"`
}

// Load builds a Config from an optional file plus HARVEST_* environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
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
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "harvest-bot/1.0 (+https://github.com/textforge/harvest)")
	v.SetDefault("crawler.default_delay_ms", 3000)
	v.SetDefault("crawler.jitter_min_ms", 300)
	v.SetDefault("crawler.jitter_max_ms", 1200)
	v.SetDefault("crawler.max_depth_default", 1)
	v.SetDefault("crawler.max_pages_default", 200)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_attempts", 4)
	v.SetDefault("http.backoff_base_ms", 500)
	v.SetDefault("http.backoff_max_ms", 60000)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("robots.cache_ttl_minutes", 60)
	v.SetDefault("trap.max_page_number", 50)
	v.SetDefault("trap.max_date_depth", 2)
	v.SetDefault("trap.pattern_repeat_limit", 500)
	v.SetDefault("checkpoint.driver", "sqlite")
	v.SetDefault("checkpoint.path", "data/checkpoint.db")
	v.SetDefault("sink.path", "data/records.jsonl")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.JitterMinMs > c.Crawler.JitterMaxMs {
		return fmt.Errorf("crawler.jitter_min_ms must be <= crawler.jitter_max_ms")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must be >= 0")
	}
	switch c.Checkpoint.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("checkpoint.driver must be sqlite, postgres, or memory")
	}
	if c.Checkpoint.Driver == "postgres" && c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint.dsn is required for the postgres driver")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the status server is enabled")
	}
	for i, seed := range c.Seeds {
		if seed.Domain == "" {
			return fmt.Errorf("seeds[%d].domain is required", i)
		}
		if len(seed.URLs) == 0 {
			return fmt.Errorf("seeds[%d].urls must not be empty", i)
		}
		switch crawler.SourceKind(seed.Kind) {
		case crawler.KindNews, crawler.KindForum:
		default:
			return fmt.Errorf("seeds[%d].kind must be news or forum", i)
		}
	}
	return nil
}

// FetchTimeout returns the per-fetch timeout.
func (c HTTPConfig) FetchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffBase returns the base delay of the exponential backoff sequence.
func (c HTTPConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the backoff cap.
func (c HTTPConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// DefaultDelay returns the configured per-domain delay floor.
func (c CrawlerConfig) DefaultDelay() time.Duration {
	return time.Duration(c.DefaultDelayMs) * time.Millisecond
}

// Jitter returns the configured jitter range.
func (c CrawlerConfig) Jitter() (min, max time.Duration) {
	return time.Duration(c.JitterMinMs) * time.Millisecond,
		time.Duration(c.JitterMaxMs) * time.Millisecond
}

// RobotsTTL returns the robots.txt cache lifetime.
func (c RobotsConfig) RobotsTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// DepthCap resolves the seed's depth cap against the crawler default.
func (s SeedConfig) DepthCap(defaults CrawlerConfig) int {
	if s.MaxDepth > 0 {
		return s.MaxDepth
	}
	return defaults.MaxDepthDefault
}

// PageBudget resolves the seed's page budget against the crawler default.
func (s SeedConfig) PageBudget(defaults CrawlerConfig) int {
	if s.MaxPages > 0 {
		return s.MaxPages
	}
	return defaults.MaxPagesDefault
}

// MinDelay resolves the seed's delay floor against the crawler default.
func (s SeedConfig) MinDelay(defaults CrawlerConfig) time.Duration {
	if s.MinDelayMs > 0 {
		return time.Duration(s.MinDelayMs) * time.Millisecond
	}
	return defaults.DefaultDelay()
}
