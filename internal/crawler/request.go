package crawler

import (
	"fmt"
	"net/http"

	"github.com/JakeFAU/sitecrawler/internal/urlfilter"
)

// Request defaults applied when a field is left at its zero value.
const (
	DefaultMaxPages = 10
	DefaultMaxDepth = 2
)

// Validate reports configuration errors that make the request unusable. Every
// error wraps ErrInvalidRequest.
func (r CrawlRequest) Validate() error {
	if _, err := urlfilter.Normalize(r.StartURL, ""); err != nil {
		return fmt.Errorf("%w: start url %q: %w", ErrInvalidRequest, r.StartURL, err)
	}
	if r.MaxPages < 0 {
		return fmt.Errorf("%w: max pages must be >= 0", ErrInvalidRequest)
	}
	if r.MaxDepth < 0 {
		return fmt.Errorf("%w: max depth must be >= 0", ErrInvalidRequest)
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must be >= 0", ErrInvalidRequest)
	}
	if r.CrawlTimeout < 0 {
		return fmt.Errorf("%w: crawl timeout must be >= 0", ErrInvalidRequest)
	}
	return r.Scrape.Validate()
}

// Validate checks formats, engine and timeouts.
func (o ScrapeOptions) Validate() error {
	for _, f := range o.Formats {
		switch f {
		case FormatMarkdown, FormatHTML, FormatScreenshot:
		default:
			return fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, f)
		}
	}
	switch o.Engine {
	case "", EngineLightweight, EngineRendering:
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalidRequest, o.Engine)
	}
	if o.Timeout < 0 || o.WaitFor < 0 {
		return fmt.Errorf("%w: timeouts must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// ParseFormat maps user input onto a Format.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(raw); f {
	case FormatMarkdown, FormatHTML, FormatScreenshot:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, raw)
	}
}

// withDefaults fills zero-valued limits from the crawler options.
func (r CrawlRequest) withDefaults(opts Options) CrawlRequest {
	if r.MaxPages == 0 {
		r.MaxPages = DefaultMaxPages
	}
	if r.Concurrency == 0 {
		r.Concurrency = opts.Concurrency
	}
	if len(r.Scrape.Formats) == 0 {
		r.Scrape.Formats = []Format{FormatMarkdown}
	}
	return r
}

// httpHeaders converts the option map into canonical request headers.
func (o ScrapeOptions) httpHeaders() http.Header {
	if len(o.Headers) == 0 {
		return nil
	}
	out := make(http.Header, len(o.Headers))
	for k, v := range o.Headers {
		out.Set(k, v)
	}
	return out
}
