package sink

import (
	"context"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// ResultStore persists page rows and crawl summaries.
type ResultStore interface {
	SaveResult(ctx context.Context, crawlID string, result crawler.ScrapeResult, at time.Time) error
	SaveSummary(ctx context.Context, summary crawler.Summary, at time.Time) error
	Close()
}

// StoreSink writes results into a ResultStore.
type StoreSink struct {
	store ResultStore
	clock crawler.Clock
}

// NewStoreSink wraps store. A nil clock uses the wall clock.
func NewStoreSink(store ResultStore, clock crawler.Clock) *StoreSink {
	return &StoreSink{store: store, clock: clock}
}

func (s *StoreSink) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, result crawler.ScrapeResult) error {
	return s.store.SaveResult(ctx, crawlID(result, "scrape"), result, s.now())
}

// WriteSummary implements SummaryWriter.
func (s *StoreSink) WriteSummary(ctx context.Context, summary crawler.Summary) error {
	return s.store.SaveSummary(ctx, summary, s.now())
}

// Close releases the store.
func (s *StoreSink) Close() error {
	s.store.Close()
	return nil
}
