// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// AppName names the config directory under $XDG_CONFIG_HOME.
const AppName = "sitecrawler"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Lightweight LightweightConfig `mapstructure:"lightweight"`
	Rendering   RenderingConfig   `mapstructure:"rendering"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Robots      RobotsConfig      `mapstructure:"robots"`
	Server      ServerConfig      `mapstructure:"server"`
	Output      OutputConfig      `mapstructure:"output"`
	GCS         GCSConfig         `mapstructure:"gcs"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlConfig holds crawl request defaults and crawler-wide policy.
type CrawlConfig struct {
	MaxPages           int           `mapstructure:"max_pages"`
	MaxDepth           int           `mapstructure:"max_depth"`
	Concurrency        int           `mapstructure:"concurrency"`
	Timeout            time.Duration `mapstructure:"timeout"`
	IncludePatterns    []string      `mapstructure:"include_patterns"`
	ExcludePatterns    []string      `mapstructure:"exclude_patterns"`
	AllowBackwards     bool          `mapstructure:"allow_backwards"`
	AllowExternal      bool          `mapstructure:"allow_external"`
	DiscoverEverywhere bool          `mapstructure:"discover_everywhere"`
	IgnoreSitemap      bool          `mapstructure:"ignore_sitemap"`
	Engine             string        `mapstructure:"engine"`
	Escalate           bool          `mapstructure:"escalate"`
	Formats            []string      `mapstructure:"formats"`
	OnlyMainContent    bool          `mapstructure:"only_main_content"`
	WaitFor            time.Duration `mapstructure:"wait_for"`
	UserAgent          string        `mapstructure:"user_agent"`
	DenyDomains        []string      `mapstructure:"deny_domains"`
	MinCrawlDelay      time.Duration `mapstructure:"min_crawl_delay"`
	TransportRetries   int           `mapstructure:"transport_retries"`
	StatusRetries      int           `mapstructure:"status_retries"`
	RetryAfterCeiling  time.Duration `mapstructure:"retry_after_ceiling"`
	ResultBuffer       int           `mapstructure:"result_buffer"`
	MaxSitemapURLs     int           `mapstructure:"max_sitemap_urls"`
}

// LightweightConfig tunes the HTTP engine.
type LightweightConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// RenderingConfig tunes the headless browser engine.
type RenderingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ExecPath       string        `mapstructure:"exec_path"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Settle         string        `mapstructure:"settle"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	IdleWindow     time.Duration `mapstructure:"idle_window"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
}

// DetectorConfig sets the thresholds that trigger escalation.
type DetectorConfig struct {
	MinTextLength int `mapstructure:"min_text_length"`
	BodyThreshold int `mapstructure:"body_threshold"`
}

// RobotsConfig controls robots.txt handling.
type RobotsConfig struct {
	Respect   bool          `mapstructure:"respect"`
	Overrides []string      `mapstructure:"overrides"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ForScrape bool          `mapstructure:"for_scrape"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// APIKey, when set, is required on /v1 routes via X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// OutputConfig selects the local sinks.
type OutputConfig struct {
	// JSONL is a file path for newline-delimited results; "-" means stdout.
	JSONL string `mapstructure:"jsonl"`
	// Dir stores one markdown/html/screenshot file set per page when set.
	Dir string `mapstructure:"dir"`
}

// GCSConfig configures the artifact bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// PostgresConfig controls access to the result store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ProjectID exports spans to Cloud Trace; empty keeps them in-process.
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk and environment. An empty path looks for
// config.yaml in $XDG_CONFIG_HOME/sitecrawler and the working directory; a
// missing file there is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITECRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/" + AppName)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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

// Dir returns the per-user configuration directory.
func Dir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("crawl.max_pages", crawler.DefaultMaxPages)
	v.SetDefault("crawl.max_depth", crawler.DefaultMaxDepth)
	v.SetDefault("crawl.concurrency", 5)
	v.SetDefault("crawl.engine", string(crawler.EngineLightweight))
	v.SetDefault("crawl.escalate", true)
	v.SetDefault("crawl.formats", []string{string(crawler.FormatMarkdown)})
	v.SetDefault("crawl.only_main_content", true)
	v.SetDefault("crawl.user_agent", crawler.DefaultUserAgent)
	v.SetDefault("crawl.transport_retries", 1)
	v.SetDefault("crawl.status_retries", 1)
	v.SetDefault("crawl.retry_after_ceiling", "30s")
	v.SetDefault("crawl.max_sitemap_urls", 5000)
	v.SetDefault("lightweight.timeout", "30s")
	v.SetDefault("lightweight.max_redirects", 5)
	v.SetDefault("lightweight.max_body_bytes", 10<<20)
	v.SetDefault("rendering.enabled", false)
	v.SetDefault("rendering.max_parallel", 2)
	v.SetDefault("rendering.timeout", "60s")
	v.SetDefault("rendering.settle", "network_idle")
	v.SetDefault("rendering.settle_delay", "500ms")
	v.SetDefault("rendering.idle_window", "500ms")
	v.SetDefault("rendering.viewport_width", 1920)
	v.SetDefault("rendering.viewport_height", 1080)
	v.SetDefault("detector.min_text_length", 200)
	v.SetDefault("detector.body_threshold", 2048)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.timeout", "10s")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("gcs.prefix", "pages")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be positive")
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be positive")
	}
	if _, ok := crawler.ParseEngineKind(c.Crawl.Engine); !ok {
		return fmt.Errorf("crawl.engine %q is not lightweight or rendering", c.Crawl.Engine)
	}
	for _, f := range c.Crawl.Formats {
		if _, err := crawler.ParseFormat(f); err != nil {
			return fmt.Errorf("crawl.formats: %w", err)
		}
	}
	if c.Lightweight.Timeout <= 0 {
		return fmt.Errorf("lightweight.timeout must be positive")
	}
	if c.Lightweight.MaxRedirects < 0 {
		return fmt.Errorf("lightweight.max_redirects must be >= 0")
	}
	if c.Rendering.Enabled && c.Rendering.MaxParallel <= 0 {
		return fmt.Errorf("rendering.max_parallel must be > 0 when rendering is enabled")
	}
	if c.Rendering.Enabled && c.Rendering.Settle != "fixed" && c.Rendering.Settle != "network_idle" {
		return fmt.Errorf("rendering.settle must be fixed or network_idle")
	}
	engine, _ := crawler.ParseEngineKind(c.Crawl.Engine)
	if engine == crawler.EngineRendering && !c.Rendering.Enabled {
		return fmt.Errorf("crawl.engine is rendering but rendering.enabled is false")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ScrapeOptions converts the crawl defaults into per-page options.
func (c Config) ScrapeOptions() (crawler.ScrapeOptions, error) {
	opts := crawler.ScrapeOptions{
		OnlyMainContent: c.Crawl.OnlyMainContent,
		WaitFor:         c.Crawl.WaitFor,
		Escalate:        c.Crawl.Escalate,
	}
	if engine, ok := crawler.ParseEngineKind(c.Crawl.Engine); ok {
		opts.Engine = engine
	}
	for _, raw := range c.Crawl.Formats {
		f, err := crawler.ParseFormat(raw)
		if err != nil {
			return crawler.ScrapeOptions{}, err
		}
		opts.Formats = append(opts.Formats, f)
	}
	return opts, nil
}

// CrawlRequest builds a request for startURL from the crawl defaults.
func (c Config) CrawlRequest(startURL string) (crawler.CrawlRequest, error) {
	scrape, err := c.ScrapeOptions()
	if err != nil {
		return crawler.CrawlRequest{}, err
	}
	return crawler.CrawlRequest{
		StartURL:           startURL,
		MaxPages:           c.Crawl.MaxPages,
		MaxDepth:           c.Crawl.MaxDepth,
		IncludePatterns:    c.Crawl.IncludePatterns,
		ExcludePatterns:    c.Crawl.ExcludePatterns,
		AllowBackwards:     c.Crawl.AllowBackwards,
		AllowExternal:      c.Crawl.AllowExternal,
		Concurrency:        c.Crawl.Concurrency,
		CrawlTimeout:       c.Crawl.Timeout,
		DiscoverEverywhere: c.Crawl.DiscoverEverywhere,
		IgnoreSitemap:      c.Crawl.IgnoreSitemap,
		Scrape:             scrape,
	}, nil
}

// CrawlerOptions returns the crawler-wide options.
func (c Config) CrawlerOptions() crawler.Options {
	engine, _ := crawler.ParseEngineKind(c.Crawl.Engine)
	return crawler.Options{
		DefaultEngine:     engine,
		UserAgent:         c.Crawl.UserAgent,
		RespectRobots:     c.Robots.Respect,
		RobotsOverrides:   c.Robots.Overrides,
		RobotsTimeout:     c.Robots.Timeout,
		ScrapeRobots:      c.Robots.ForScrape,
		Concurrency:       c.Crawl.Concurrency,
		ResultBuffer:      c.Crawl.ResultBuffer,
		TransportRetries:  c.Crawl.TransportRetries,
		StatusRetries:     c.Crawl.StatusRetries,
		RetryAfterCeiling: c.Crawl.RetryAfterCeiling,
		MinCrawlDelay:     c.Crawl.MinCrawlDelay,
		DenyDomains:       c.Crawl.DenyDomains,
		MaxSitemapURLs:    c.Crawl.MaxSitemapURLs,
	}
}
