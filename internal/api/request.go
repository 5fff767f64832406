package api

import (
	"fmt"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type scrapeOptionsBody struct {
	Formats         []string          `json:"formats"`
	Headers         map[string]string `json:"headers"`
	OnlyMainContent *bool             `json:"only_main_content"`
	WaitForMs       *int              `json:"wait_for_ms"`
	Engine          *string           `json:"engine"`
	Escalate        *bool             `json:"escalate"`
	TimeoutMs       *int              `json:"timeout_ms"`
}

type scrapeBody struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
	scrapeOptionsBody
}

type crawlBody struct {
	URL                string             `json:"url"`
	MaxPages           *int               `json:"max_pages"`
	MaxDepth           *int               `json:"max_depth"`
	IncludePatterns    []string           `json:"include_patterns"`
	ExcludePatterns    []string           `json:"exclude_patterns"`
	AllowBackwards     *bool              `json:"allow_backwards"`
	AllowExternal      *bool              `json:"allow_external"`
	Concurrency        *int               `json:"concurrency"`
	TimeoutSeconds     *int               `json:"timeout_seconds"`
	DiscoverEverywhere *bool              `json:"discover_everywhere"`
	IgnoreSitemap      *bool              `json:"ignore_sitemap"`
	ScrapeOptions      *scrapeOptionsBody `json:"scrape_options"`
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func msOrDefault(ms *int, def time.Duration) time.Duration {
	if ms == nil {
		return def
	}
	return time.Duration(*ms) * time.Millisecond
}

// apply overlays the body on the configured defaults.
func (b scrapeOptionsBody) apply(opts crawler.ScrapeOptions) (crawler.ScrapeOptions, error) {
	if len(b.Formats) > 0 {
		opts.Formats = nil
		for _, raw := range b.Formats {
			f, err := crawler.ParseFormat(raw)
			if err != nil {
				return crawler.ScrapeOptions{}, err
			}
			opts.Formats = append(opts.Formats, f)
		}
	}
	if b.Engine != nil {
		kind, ok := crawler.ParseEngineKind(*b.Engine)
		if !ok {
			return crawler.ScrapeOptions{}, fmt.Errorf("unknown engine %q", *b.Engine)
		}
		opts.Engine = kind
	}
	opts.Headers = b.Headers
	opts.OnlyMainContent = valueOrDefault(b.OnlyMainContent, opts.OnlyMainContent)
	opts.Escalate = valueOrDefault(b.Escalate, opts.Escalate)
	opts.WaitFor = msOrDefault(b.WaitForMs, opts.WaitFor)
	opts.Timeout = msOrDefault(b.TimeoutMs, opts.Timeout)
	return opts, opts.Validate()
}

func (b scrapeBody) options(cfg config.Config) (crawler.ScrapeOptions, error) {
	base, err := cfg.ScrapeOptions()
	if err != nil {
		return crawler.ScrapeOptions{}, err
	}
	return b.apply(base)
}

func (b crawlBody) request(cfg config.Config) (crawler.CrawlRequest, error) {
	if b.URL == "" {
		return crawler.CrawlRequest{}, fmt.Errorf("url is required")
	}
	req, err := cfg.CrawlRequest(b.URL)
	if err != nil {
		return crawler.CrawlRequest{}, err
	}
	req.MaxPages = valueOrDefault(b.MaxPages, req.MaxPages)
	req.MaxDepth = valueOrDefault(b.MaxDepth, req.MaxDepth)
	if b.IncludePatterns != nil {
		req.IncludePatterns = b.IncludePatterns
	}
	if b.ExcludePatterns != nil {
		req.ExcludePatterns = b.ExcludePatterns
	}
	req.AllowBackwards = valueOrDefault(b.AllowBackwards, req.AllowBackwards)
	req.AllowExternal = valueOrDefault(b.AllowExternal, req.AllowExternal)
	req.Concurrency = valueOrDefault(b.Concurrency, req.Concurrency)
	if b.TimeoutSeconds != nil {
		req.CrawlTimeout = time.Duration(*b.TimeoutSeconds) * time.Second
	}
	req.DiscoverEverywhere = valueOrDefault(b.DiscoverEverywhere, req.DiscoverEverywhere)
	req.IgnoreSitemap = valueOrDefault(b.IgnoreSitemap, req.IgnoreSitemap)
	if b.ScrapeOptions != nil {
		req.Scrape, err = b.ScrapeOptions.apply(req.Scrape)
		if err != nil {
			return crawler.CrawlRequest{}, err
		}
	}
	return req, req.Validate()
}
