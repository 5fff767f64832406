package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecrawler/internal/robots"
	"github.com/JakeFAU/sitecrawler/internal/urlfilter"
)

// DefaultUserAgent identifies the crawler when none is configured.
const DefaultUserAgent = "Mozilla/5.0 (compatible; sitecrawler/1.0)"

const (
	defaultConcurrency    = 5
	defaultRobotsTimeout  = 10 * time.Second
	defaultMaxSitemapURLs = 5000
)

// Deps are the collaborators a Crawler drives.
type Deps struct {
	// Lightweight is required; it also fetches robots.txt and sitemaps.
	Lightweight Fetcher
	// Rendering is optional. Without it rendering requests fail and
	// escalation is disabled.
	Rendering Fetcher
	Extractor Extractor
	Detector  SufficiencyDetector
	Hasher    Hasher
	Clock     Clock
	IDs       IDGenerator
	// NewRobots builds the robots resolver for one crawl. Nil selects a
	// resolver backed by the lightweight engine.
	NewRobots func() RobotsResolver
	// NewGate builds the crawl-delay gate for one crawl. Nil selects a
	// per-host token bucket.
	NewGate func() DelayGate
	// TracerProvider records crawl and page spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
}

// Options configure crawler-wide behavior. Zero values select defaults.
type Options struct {
	DefaultEngine   EngineKind
	UserAgent       string
	RespectRobots   bool
	RobotsOverrides []string
	RobotsTimeout   time.Duration
	// ScrapeRobots makes single-page scrapes consult robots.txt too.
	ScrapeRobots bool
	Concurrency  int
	// ResultBuffer sizes the result channel. Defaults to the crawl's concurrency.
	ResultBuffer int
	// TransportRetries and StatusRetries bound retries of timeouts and
	// connection errors, and of 429/503 responses. Negative disables.
	TransportRetries  int
	StatusRetries     int
	RetryAfterCeiling time.Duration
	// MinCrawlDelay spaces requests to a host even without a robots Crawl-delay.
	MinCrawlDelay  time.Duration
	DenyDomains    []string
	MaxSitemapURLs int
}

func (o Options) withDefaults() Options {
	if o.DefaultEngine == "" {
		o.DefaultEngine = EngineLightweight
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.RobotsTimeout <= 0 {
		o.RobotsTimeout = defaultRobotsTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.TransportRetries == 0 {
		o.TransportRetries = defaultTransportRetries
	}
	if o.StatusRetries == 0 {
		o.StatusRetries = defaultStatusRetries
	}
	if o.MaxSitemapURLs <= 0 {
		o.MaxSitemapURLs = defaultMaxSitemapURLs
	}
	return o
}

// Crawler turns CrawlRequests into result streams. It holds no per-crawl
// state and is safe for concurrent use.
type Crawler struct {
	deps   Deps
	opts   Options
	retry  retryPolicy
	logger *zap.Logger
}

// New validates the dependencies and returns a Crawler.
func New(deps Deps, opts Options) (*Crawler, error) {
	if deps.Lightweight == nil {
		return nil, errors.New("crawler requires a lightweight fetcher")
	}
	if deps.Extractor == nil {
		return nil, errors.New("crawler requires an extractor")
	}
	opts = opts.withDefaults()
	if _, ok := ParseEngineKind(string(opts.DefaultEngine)); !ok {
		return nil, fmt.Errorf("unknown default engine %q", opts.DefaultEngine)
	}
	if opts.DefaultEngine == EngineRendering && deps.Rendering == nil {
		return nil, fmt.Errorf("default engine %q: %w", opts.DefaultEngine, ErrEngineUnavailable)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	c := &Crawler{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger,
	}
	c.retry = newRetryPolicy(opts, c.now)
	return c, nil
}

// Crawl validates req, seeds the frontier and starts the workers. Results are
// produced lazily: a consumer that stops reading pauses the crawl. Only an
// invalid request returns an error; per-page failures arrive as results.
func (c *Crawler) Crawl(ctx context.Context, req CrawlRequest) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.withDefaults(c.opts)
	if err := c.checkEngine(req.Scrape); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	start, err := urlfilter.Normalize(req.StartURL, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.StartURL = start
	filter, err := urlfilter.NewPolicy(urlfilter.Config{
		StartURL:        start,
		MaxDepth:        req.MaxDepth,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
		AllowBackwards:  req.AllowBackwards,
		AllowExternal:   req.AllowExternal,
		DenyDomains:     c.opts.DenyDomains,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var (
		crawlCtx context.Context
		cancel   context.CancelFunc
	)
	if req.CrawlTimeout > 0 {
		crawlCtx, cancel = context.WithTimeout(ctx, req.CrawlTimeout)
	} else {
		crawlCtx, cancel = context.WithCancel(ctx)
	}

	buffer := c.opts.ResultBuffer
	if buffer <= 0 {
		buffer = req.Concurrency
	}
	state := &crawlState{
		crawler:  c,
		id:       c.newID(),
		req:      req,
		filter:   filter,
		robots:   c.newRobots(),
		gate:     c.newGate(),
		frontier: newFrontier(),
		visited:  NewVisitedSet(),
		results:  make(chan ScrapeResult, buffer),
		rejected: make(map[string]Rejection),
	}
	state.logger = c.logger.With(zap.String("crawl_id", state.id))
	stream := newStream(state.id, state.results, cancel)

	state.logger.Info("crawl started",
		zap.String("start_url", start),
		zap.Int("max_pages", req.MaxPages),
		zap.Int("max_depth", req.MaxDepth),
		zap.Int("concurrency", req.Concurrency),
	)
	go state.run(crawlCtx, stream)
	return stream, nil
}

// CrawlAll runs a crawl to completion and collects every result.
func (c *Crawler) CrawlAll(ctx context.Context, req CrawlRequest) ([]ScrapeResult, Summary, error) {
	stream, err := c.Crawl(ctx, req)
	if err != nil {
		return nil, Summary{}, err
	}
	var results []ScrapeResult
	for result := range stream.Results() {
		results = append(results, result)
	}
	return results, stream.Wait(), nil
}

// Scrape fetches and extracts a single page. Robots rules are consulted only
// when Options.ScrapeRobots is set. Failures are reported in the result.
func (c *Crawler) Scrape(ctx context.Context, rawURL string, opts ScrapeOptions) ScrapeResult {
	if len(opts.Formats) == 0 {
		opts.Formats = []Format{FormatMarkdown}
	}
	if err := opts.Validate(); err != nil {
		return ScrapeResult{URL: rawURL, Error: &ResultError{Kind: KindInvalidRequest, Detail: err.Error()}}
	}
	canonical, err := urlfilter.Normalize(rawURL, "")
	if err != nil {
		return ScrapeResult{URL: rawURL, Error: &ResultError{Kind: KindPolicyRejected, Detail: err.Error()}}
	}
	id := c.newID()
	if c.opts.ScrapeRobots {
		scheme, host, _ := urlfilter.Root(canonical)
		if !c.newRobots().PolicyFor(ctx, scheme, host).IsAllowed(canonical) {
			result := skippedResult(FrontierEntry{URL: canonical}, id, KindRobotsDisallowed, robotsDetail)
			metrics.ObservePage(canonical, result.Outcome(), 0)
			return result
		}
	}
	result, _ := c.scrapePage(ctx, pageJob{
		entry:   FrontierEntry{URL: canonical},
		crawlID: id,
		opts:    opts,
		extract: ExtractOptions{OnlyMainContent: opts.OnlyMainContent},
	})
	metrics.ObservePage(canonical, result.Outcome(), len(result.RawHTML)+len(result.Markdown))
	return result
}

// ScrapeMany scrapes urls concurrently. Results keep the input order.
func (c *Crawler) ScrapeMany(ctx context.Context, urls []string, opts ScrapeOptions) []ScrapeResult {
	results := make([]ScrapeResult, len(urls))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, raw := range urls {
		g.Go(func() error {
			results[i] = c.Scrape(ctx, raw, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Crawler) checkEngine(opts ScrapeOptions) error {
	kind := opts.Engine
	if kind == "" {
		kind = c.opts.DefaultEngine
	}
	if kind == EngineRendering && c.deps.Rendering == nil {
		return fmt.Errorf("engine %q: %w", kind, ErrEngineUnavailable)
	}
	return nil
}

func (c *Crawler) newRobots() RobotsResolver {
	if c.deps.NewRobots != nil {
		return c.deps.NewRobots()
	}
	return robots.NewResolver(c.robotsFetch, robots.Config{
		UserAgent: c.opts.UserAgent,
		Respect:   c.opts.RespectRobots,
		Overrides: c.opts.RobotsOverrides,
		Logger:    c.logger,
		Clock:     c.now,
	})
}

func (c *Crawler) robotsFetch(ctx context.Context, rawURL string) (int, []byte, error) {
	outcome, err := c.deps.Lightweight.Fetch(ctx, FetchRequest{URL: rawURL, Timeout: c.opts.RobotsTimeout})
	if err != nil {
		return 0, nil, err
	}
	return outcome.StatusCode, outcome.Body, nil
}

func (c *Crawler) newGate() DelayGate {
	if c.deps.NewGate != nil {
		return c.deps.NewGate()
	}
	return ratelimit.New(ratelimit.Config{DefaultDelay: c.opts.MinCrawlDelay})
}

func (c *Crawler) newID() string {
	if c.deps.IDs != nil {
		if id, err := c.deps.IDs.NewID(); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

func (c *Crawler) now() time.Time {
	if c.deps.Clock != nil {
		return c.deps.Clock.Now()
	}
	return time.Now()
}
