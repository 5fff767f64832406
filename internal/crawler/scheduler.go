package crawler

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/urlfilter"
)

// crawlState is everything one Crawl owns. Nothing in it outlives the crawl.
type crawlState struct {
	crawler  *Crawler
	id       string
	req      CrawlRequest
	filter   *urlfilter.Policy
	robots   RobotsResolver
	gate     DelayGate
	frontier *frontier
	visited  *VisitedSet
	results  chan ScrapeResult
	logger   *zap.Logger

	// reserved counts page slots taken against MaxPages. A slot is taken
	// before dispatch and given back only when the page is abandoned.
	reserved atomic.Int64
	// dequeued counts entries taken off the frontier and not handed back.
	dequeued atomic.Int64

	mu            sync.Mutex
	completed     int
	failed        int
	skipped       int
	rejected      map[string]Rejection
	rejectedOrder []string
}

// run seeds the frontier, drives the workers and publishes the summary.
func (s *crawlState) run(ctx context.Context, stream *Stream) {
	started := s.crawler.now()
	ctx, span := s.crawler.tracer().Start(ctx, "crawler.crawl", trace.WithAttributes(
		attribute.String("crawl.id", s.id),
		attribute.String("crawl.start_url", s.req.StartURL),
		attribute.Int("crawl.max_pages", s.req.MaxPages),
		attribute.Int("crawl.max_depth", s.req.MaxDepth),
	))
	stop := context.AfterFunc(ctx, s.frontier.Close)
	defer stop()

	s.seed(ctx)

	var g errgroup.Group
	for range s.req.Concurrency {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	_ = g.Wait()
	close(s.results)

	summary := s.summary(ctx.Err() != nil)
	summary.ElapsedMs = s.crawler.now().Sub(started).Milliseconds()
	status := "completed"
	if summary.Cancelled {
		status = "cancelled"
	}
	metrics.ObserveCrawl(status)
	annotateCrawlSpan(span, summary)
	span.End()
	s.logger.Info("crawl finished",
		zap.String("status", status),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("rejected", len(summary.Rejected)),
		zap.Int("unvisited", len(summary.Unvisited)),
		zap.Int("visited", s.visited.Len()),
		zap.Int64("elapsed_ms", summary.ElapsedMs),
	)
	stream.finish(summary)
	stream.Cancel()
}

// seed queues the start URL and, unless disabled, sitemap entries at depth 1.
func (s *crawlState) seed(ctx context.Context) {
	s.frontier.Push(FrontierEntry{URL: s.req.StartURL})
	if s.req.IgnoreSitemap || s.req.MaxDepth < 1 {
		return
	}
	for _, link := range s.sitemapLinks(ctx) {
		canonical, err := urlfilter.Normalize(link.url, "")
		if err != nil || s.frontier.Known(canonical) {
			continue
		}
		if decision := s.filter.Accept(canonical, 1); !decision.Accepted {
			s.reject(canonical, KindPolicyRejected, string(decision.Reason))
			continue
		}
		s.frontier.Push(FrontierEntry{URL: canonical, Depth: 1, DiscoveredFrom: link.source})
	}
}

func (s *crawlState) work(ctx context.Context) {
	for {
		entry, ok := s.frontier.Next()
		if !ok {
			return
		}
		s.dequeued.Add(1)
		metrics.IncActiveWorkers()
		s.process(ctx, entry)
		metrics.DecActiveWorkers()
		s.frontier.Done()
	}
}

// process handles one dequeued entry and emits at most one result for it.
// Entries abandoned because the crawl stopped go back on the frontier so the
// summary reports them as unvisited.
func (s *crawlState) process(ctx context.Context, entry FrontierEntry) {
	if ctx.Err() != nil {
		s.abandon(entry)
		return
	}
	if !s.visited.MarkIfNew(entry.URL) {
		// Only a redirect from another page can claim a queued URL first.
		result := skippedResult(entry, s.id, KindDuplicate, "already fetched as a redirect target")
		if !s.emit(ctx, result) {
			s.abandon(entry)
		}
		return
	}
	if s.capReached() {
		s.abandon(entry)
		s.frontier.Close()
		return
	}

	scheme, host, err := urlfilter.Root(entry.URL)
	if err != nil {
		result := ScrapeResult{
			URL:            entry.URL,
			Depth:          entry.Depth,
			DiscoveredFrom: entry.DiscoveredFrom,
			Error:          &ResultError{Kind: KindPolicyRejected, Detail: err.Error()},
		}
		if !s.emit(ctx, result) {
			s.abandon(entry)
		}
		return
	}
	policy := s.robots.PolicyFor(ctx, scheme, host)
	if ctx.Err() != nil {
		s.abandon(entry)
		return
	}
	if !policy.IsAllowed(entry.URL) {
		s.reject(entry.URL, KindRobotsDisallowed, "")
		if !s.emit(ctx, skippedResult(entry, s.id, KindRobotsDisallowed, robotsDetail)) {
			s.abandon(entry)
		}
		return
	}

	reserved, last := s.reservePage()
	if !reserved {
		s.abandon(entry)
		s.frontier.Close()
		return
	}
	if last {
		s.frontier.Close()
	}

	if err := s.gate.Wait(ctx, host, policy.Delay()); err != nil {
		s.releasePage()
		s.abandon(entry)
		return
	}

	result, finalURL := s.crawler.scrapePage(ctx, pageJob{
		entry:   entry,
		crawlID: s.id,
		opts:    s.req.Scrape,
		extract: ExtractOptions{
			OnlyMainContent:    s.req.Scrape.OnlyMainContent,
			DiscoverEverywhere: s.req.DiscoverEverywhere,
		},
	})
	if ctx.Err() != nil {
		s.releasePage()
		s.abandon(entry)
		return
	}
	if finalURL != entry.URL {
		s.visited.MarkIfNew(finalURL)
		s.frontier.Seen(finalURL)
	}
	if result.Error == nil {
		s.enqueueLinks(ctx, entry, result.Links)
	}
	if !s.emit(ctx, result) {
		s.releasePage()
		s.abandon(entry)
	}
}

// enqueueLinks filters links discovered on entry and queues the accepted ones
// one level deeper. Links robots.txt disallows are recorded and never queued.
func (s *crawlState) enqueueLinks(ctx context.Context, entry FrontierEntry, links []string) {
	depth := entry.Depth + 1
	for _, link := range links {
		if s.frontier.Known(link) {
			continue
		}
		if decision := s.filter.Accept(link, depth); !decision.Accepted {
			s.reject(link, KindPolicyRejected, string(decision.Reason))
			continue
		}
		scheme, host, err := urlfilter.Root(link)
		if err != nil {
			continue
		}
		if !s.robots.PolicyFor(ctx, scheme, host).IsAllowed(link) {
			s.frontier.Seen(link)
			s.reject(link, KindRobotsDisallowed, "")
			continue
		}
		if s.frontier.Push(FrontierEntry{URL: link, Depth: depth, DiscoveredFrom: entry.URL}) {
			s.unreject(link)
		}
	}
}

// emit hands result to the consumer, blocking while the buffer is full.
func (s *crawlState) emit(ctx context.Context, result ScrapeResult) bool {
	select {
	case s.results <- result:
	case <-ctx.Done():
		return false
	}
	s.mu.Lock()
	switch result.Outcome() {
	case OutcomeSkipped:
		s.skipped++
	case OutcomeFailed:
		s.failed++
	default:
		s.completed++
	}
	s.mu.Unlock()
	metrics.ObservePage(result.URL, result.Outcome(), len(result.RawHTML)+len(result.Markdown))
	s.logger.Debug("result emitted",
		zap.String("url", result.URL),
		zap.String("outcome", result.Outcome()),
		zap.Int("depth", result.Depth),
	)
	return true
}

// abandon hands entry back to the frontier so it is reported as unvisited.
func (s *crawlState) abandon(entry FrontierEntry) {
	s.dequeued.Add(-1)
	s.frontier.Requeue(entry)
}

func (s *crawlState) capReached() bool {
	return s.reserved.Load() >= int64(s.req.MaxPages)
}

// reservePage takes one page slot. last reports whether it was the final one.
func (s *crawlState) reservePage() (ok, last bool) {
	limit := int64(s.req.MaxPages)
	for {
		current := s.reserved.Load()
		if current >= limit {
			return false, false
		}
		if s.reserved.CompareAndSwap(current, current+1) {
			return true, current+1 == limit
		}
	}
}

func (s *crawlState) releasePage() {
	s.reserved.Add(-1)
}

func (s *crawlState) reject(url string, kind ErrorKind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rejected[url]; !ok {
		s.rejectedOrder = append(s.rejectedOrder, url)
	}
	s.rejected[url] = Rejection{URL: url, Reason: kind, Detail: detail}
}

func (s *crawlState) unreject(url string) {
	s.mu.Lock()
	delete(s.rejected, url)
	s.mu.Unlock()
}

func (s *crawlState) summary(cancelled bool) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	rejected := make([]Rejection, 0, len(s.rejected))
	for _, url := range s.rejectedOrder {
		if r, ok := s.rejected[url]; ok {
			rejected = append(rejected, r)
			delete(s.rejected, url)
		}
	}
	return Summary{
		CrawlID:    s.id,
		StartURL:   s.req.StartURL,
		Discovered: int(s.dequeued.Load()),
		Completed:  s.completed,
		Failed:     s.failed,
		Skipped:    s.skipped,
		Rejected:   rejected,
		Unvisited:  s.frontier.Remaining(),
		Cancelled:  cancelled,
	}
}
