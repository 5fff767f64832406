// Package crawler defines the crawl data model and the orchestrator that turns a
// CrawlRequest into a lazy stream of ScrapeResult records.
package crawler

import (
	"net/http"
	"strings"
	"time"
)

// EngineKind names a fetch strategy.
type EngineKind string

// Supported engines.
const (
	EngineLightweight EngineKind = "lightweight"
	EngineRendering   EngineKind = "rendering"
)

// ParseEngineKind maps user input onto an EngineKind. Unknown values return false.
func ParseEngineKind(raw string) (EngineKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lightweight", "http", "light":
		return EngineLightweight, true
	case "rendering", "render", "browser", "headless":
		return EngineRendering, true
	default:
		return "", false
	}
}

// Format selects which representations a ScrapeResult carries.
type Format string

// Output formats.
const (
	FormatMarkdown   Format = "markdown"
	FormatHTML       Format = "html"
	FormatScreenshot Format = "screenshot"
)

// ScrapeOptions controls how a single page is fetched and converted.
type ScrapeOptions struct {
	Formats         []Format
	Headers         map[string]string
	OnlyMainContent bool
	// WaitFor is the settle delay used by the rendering engine.
	WaitFor time.Duration
	// Engine overrides the crawler's default engine when set.
	Engine EngineKind
	// Escalate re-fetches thin lightweight responses with the rendering engine.
	Escalate bool
	// Timeout bounds each fetch. Zero selects the engine default.
	Timeout time.Duration
}

// DefaultScrapeOptions returns markdown-only, main-content options.
func DefaultScrapeOptions() ScrapeOptions {
	return ScrapeOptions{
		Formats:         []Format{FormatMarkdown},
		OnlyMainContent: true,
	}
}

// Wants reports whether the format was requested. An empty list means markdown.
func (o ScrapeOptions) Wants(f Format) bool {
	if len(o.Formats) == 0 {
		return f == FormatMarkdown
	}
	for _, candidate := range o.Formats {
		if candidate == f {
			return true
		}
	}
	return false
}

// CrawlRequest describes one crawl invocation. It is not modified once a crawl starts.
type CrawlRequest struct {
	StartURL        string
	MaxPages        int
	MaxDepth        int
	IncludePatterns []string
	ExcludePatterns []string
	AllowBackwards  bool
	AllowExternal   bool
	Concurrency     int
	// CrawlTimeout is an optional wall-clock limit; reaching it cancels the crawl.
	CrawlTimeout time.Duration
	// DiscoverEverywhere also harvests links from stripped boilerplate regions.
	DiscoverEverywhere bool
	IgnoreSitemap      bool
	Scrape             ScrapeOptions
}

// FrontierEntry is a URL accepted for visiting.
type FrontierEntry struct {
	URL            string
	Depth          int
	DiscoveredFrom string
}

// ResultError is the serializable failure attached to a ScrapeResult.
type ResultError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func (e *ResultError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// ScrapeResult is emitted once for every dequeued frontier entry.
type ScrapeResult struct {
	URL            string         `json:"url"`
	Depth          int            `json:"depth"`
	DiscoveredFrom string         `json:"discovered_from,omitempty"`
	Markdown       string         `json:"markdown,omitempty"`
	RawHTML        string         `json:"raw_html,omitempty"`
	Screenshot     []byte         `json:"screenshot,omitempty"`
	StatusCode     int            `json:"status_code"`
	Error          *ResultError   `json:"error,omitempty"`
	Skipped        bool           `json:"skipped,omitempty"`
	Links          []string       `json:"links,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Success reports whether the page was fetched and produced content.
func (r ScrapeResult) Success() bool {
	if r.Error != nil || r.Skipped {
		return false
	}
	return r.Markdown != "" || r.RawHTML != "" || len(r.Screenshot) > 0
}

// Outcome labels the result as completed, failed or skipped.
func (r ScrapeResult) Outcome() string {
	switch {
	case r.Skipped:
		return OutcomeSkipped
	case r.Error != nil:
		return OutcomeFailed
	default:
		return OutcomeCompleted
	}
}

// Result outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Rejection records a discovered URL that was never fetched.
type Rejection struct {
	URL    string    `json:"url"`
	Reason ErrorKind `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

// Summary accounts for every URL a crawl touched.
type Summary struct {
	CrawlID    string      `json:"crawl_id"`
	StartURL   string      `json:"start_url"`
	Discovered int         `json:"discovered"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Rejected   []Rejection `json:"rejected,omitempty"`
	Unvisited  []string    `json:"unvisited,omitempty"`
	Cancelled  bool        `json:"cancelled"`
	ElapsedMs  int64       `json:"elapsed_ms"`
}

// FetchRequest captures everything an engine needs to fetch a URL.
type FetchRequest struct {
	URL        string
	Headers    http.Header
	Timeout    time.Duration
	WaitFor    time.Duration
	Screenshot bool
}

// FetchOutcome is what an engine returns for a response, whatever its status.
type FetchOutcome struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Screenshot []byte
	Elapsed    time.Duration
	Engine     EngineKind
}

// ContentType returns the media type of the response without parameters.
func (o FetchOutcome) ContentType() string {
	if o.Headers == nil {
		return ""
	}
	ct := o.Headers.Get("Content-Type")
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsHTML reports whether the body should be handed to the extractor.
func (o FetchOutcome) IsHTML() bool {
	ct := o.ContentType()
	return ct == "" || ct == "text/html" || ct == "application/xhtml+xml"
}

// Extraction is the extractor's view of a page.
type Extraction struct {
	Markdown    string
	Title       string
	Description string
	Links       []string
	Degraded    bool
}
