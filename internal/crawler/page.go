package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/urlfilter"
)

// pageJob is everything scrapePage needs for one entry.
type pageJob struct {
	entry   FrontierEntry
	crawlID string
	opts    ScrapeOptions
	extract ExtractOptions
}

// engineFor picks the engine for a request. A screenshot needs a browser, so
// it selects the rendering engine whenever one is configured.
func (c *Crawler) engineFor(opts ScrapeOptions) EngineKind {
	if opts.Wants(FormatScreenshot) && c.deps.Rendering != nil {
		return EngineRendering
	}
	if opts.Engine != "" {
		return opts.Engine
	}
	return c.opts.DefaultEngine
}

func (c *Crawler) fetcherFor(kind EngineKind) Fetcher {
	if kind == EngineRendering {
		return c.deps.Rendering
	}
	return c.deps.Lightweight
}

// scrapePage fetches, escalates and extracts one entry inside a trace span. It
// returns the result and the canonical form of the URL the fetch ended on
// after redirects.
func (c *Crawler) scrapePage(ctx context.Context, job pageJob) (ScrapeResult, string) {
	ctx, span := c.tracer().Start(ctx, "crawler.page", trace.WithAttributes(
		attribute.String("url.full", job.entry.URL),
		attribute.Int("crawl.depth", job.entry.Depth),
		attribute.String("crawl.id", job.crawlID),
	))
	defer span.End()
	result, finalURL := c.fetchPage(ctx, job)
	annotatePageSpan(span, result)
	return result, finalURL
}

func (c *Crawler) fetchPage(ctx context.Context, job pageJob) (ScrapeResult, string) {
	started := c.now()
	entry := job.entry
	result := ScrapeResult{
		URL:            entry.URL,
		Depth:          entry.Depth,
		DiscoveredFrom: entry.DiscoveredFrom,
		Metadata: map[string]any{
			"crawl_id": job.crawlID,
			"depth":    entry.Depth,
		},
	}
	finalURL := entry.URL

	engine := c.engineFor(job.opts)
	fetcher := c.fetcherFor(engine)
	if fetcher == nil {
		result.Error = resultError(fmt.Errorf("engine %q: %w", engine, ErrEngineUnavailable))
		return result, finalURL
	}
	request := FetchRequest{
		URL:        entry.URL,
		Headers:    job.opts.httpHeaders(),
		Timeout:    job.opts.Timeout,
		WaitFor:    job.opts.WaitFor,
		Screenshot: engine == EngineRendering && job.opts.Wants(FormatScreenshot),
	}

	outcome, attempts, err := c.fetchWithRetry(ctx, fetcher, engine, request)
	result.Metadata["engine"] = string(engine)
	result.Metadata["attempts"] = attempts
	if err != nil {
		result.Error = resultError(err)
		result.Metadata["elapsed_ms"] = c.now().Sub(started).Milliseconds()
		if ctx.Err() == nil {
			c.logger.Debug("fetch failed", zap.String("url", entry.URL), zap.Error(err))
		}
		return result, finalURL
	}

	escalated := false
	if c.shouldEscalate(engine, job.opts, outcome) {
		metrics.ObserveEscalation()
		rendered, renderAttempts, renderErr := c.fetchWithRetry(ctx, c.deps.Rendering, EngineRendering, request)
		result.Metadata["attempts"] = attempts + renderAttempts
		if renderErr != nil {
			if ctx.Err() == nil {
				c.logger.Warn("escalation failed; keeping lightweight response",
					zap.String("url", entry.URL), zap.Error(renderErr))
			}
		} else {
			outcome = rendered
			engine = EngineRendering
			escalated = true
		}
	}
	result.Metadata["engine"] = string(engine)
	result.Metadata["escalated"] = escalated

	result.StatusCode = outcome.StatusCode
	if outcome.FinalURL != "" {
		finalURL = outcome.FinalURL
		result.Metadata["final_url"] = outcome.FinalURL
	}
	canonicalFinal, err := urlfilter.Normalize(finalURL, "")
	if err != nil {
		canonicalFinal = entry.URL
	}
	result.Metadata["content_type"] = outcome.ContentType()
	result.Metadata["content_length"] = len(outcome.Body)
	if c.deps.Hasher != nil && len(outcome.Body) > 0 {
		if sum, err := c.deps.Hasher.Hash(outcome.Body); err == nil {
			result.Metadata["content_hash"] = sum
		}
	}

	if outcome.StatusCode < 200 || outcome.StatusCode >= 300 {
		result.Error = &ResultError{
			Kind:   KindHTTP,
			Detail: strings.TrimSpace(fmt.Sprintf("HTTP %d %s", outcome.StatusCode, http.StatusText(outcome.StatusCode))),
		}
		result.Metadata["elapsed_ms"] = c.now().Sub(started).Milliseconds()
		return result, canonicalFinal
	}

	c.applyContent(&result, job, outcome, finalURL)
	result.Metadata["elapsed_ms"] = c.now().Sub(started).Milliseconds()
	return result, canonicalFinal
}

// applyContent fills the requested formats, links and page metadata.
func (c *Crawler) applyContent(result *ScrapeResult, job pageJob, outcome FetchOutcome, finalURL string) {
	if job.opts.Wants(FormatScreenshot) && len(outcome.Screenshot) > 0 {
		result.Screenshot = outcome.Screenshot
	}
	if !outcome.IsHTML() {
		if strings.HasPrefix(outcome.ContentType(), "text/") && job.opts.Wants(FormatMarkdown) {
			result.Markdown = string(outcome.Body)
		}
		return
	}
	if job.opts.Wants(FormatHTML) {
		result.RawHTML = string(outcome.Body)
	}

	extraction := c.deps.Extractor.Extract(outcome.Body, finalURL, job.extract)
	if job.opts.Wants(FormatMarkdown) {
		result.Markdown = extraction.Markdown
	}
	result.Links = extraction.Links
	if extraction.Title != "" {
		result.Metadata["title"] = extraction.Title
	}
	if extraction.Description != "" {
		result.Metadata["description"] = extraction.Description
	}
	result.Metadata["extraction_degraded"] = extraction.Degraded
	if extraction.Degraded {
		metrics.ObserveExtractionDegraded()
	}
}

func (c *Crawler) shouldEscalate(engine EngineKind, opts ScrapeOptions, outcome FetchOutcome) bool {
	if engine != EngineLightweight || !opts.Escalate {
		return false
	}
	if c.deps.Rendering == nil || c.deps.Detector == nil {
		return false
	}
	return c.deps.Detector.Insufficient(outcome)
}

// fetchWithRetry runs request until it succeeds, fails terminally or the retry
// budget runs out. It returns the last outcome and the number of attempts.
func (c *Crawler) fetchWithRetry(ctx context.Context, fetcher Fetcher, engine EngineKind, request FetchRequest) (FetchOutcome, int, error) {
	for attempt := 1; ; attempt++ {
		started := c.now()
		outcome, err := fetcher.Fetch(ctx, request)
		metrics.ObserveFetch(string(engine), c.now().Sub(started))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome, attempt, fmt.Errorf("fetch %s: %w", request.URL, ctxErr)
		}
		wait, reason, retry := c.retry.next(attempt, outcome, err)
		if !retry {
			return outcome, attempt, err
		}
		metrics.ObserveRetry(reason)
		c.logger.Debug("retrying fetch",
			zap.String("url", request.URL),
			zap.String("reason", reason),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if err := sleepContext(ctx, wait); err != nil {
			return outcome, attempt, err
		}
	}
}

const robotsDetail = "disallowed by robots.txt"

// skippedResult is emitted for an entry that is dequeued but not fetched.
func skippedResult(entry FrontierEntry, crawlID string, kind ErrorKind, detail string) ScrapeResult {
	return ScrapeResult{
		URL:            entry.URL,
		Depth:          entry.Depth,
		DiscoveredFrom: entry.DiscoveredFrom,
		Skipped:        true,
		Error:          &ResultError{Kind: kind, Detail: detail},
		Metadata: map[string]any{
			"crawl_id": crawlID,
			"depth":    entry.Depth,
		},
	}
}
