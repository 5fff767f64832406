// Package sink delivers crawl results to their destinations: a JSONL stream,
// per-page blobs on disk or GCS, Pub/Sub events and Postgres rows.
package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Sink receives every result of a crawl or scrape.
type Sink interface {
	Write(ctx context.Context, result crawler.ScrapeResult) error
	Close() error
}

// SummaryWriter is implemented by sinks that also record the crawl summary.
type SummaryWriter interface {
	WriteSummary(ctx context.Context, summary crawler.Summary) error
}

// Named labels a sink for logs and metrics.
type Named struct {
	Name string
	Sink Sink
}

// Fanout writes each result to every sink. One sink failing does not stop the
// others; the failures are logged, counted and returned joined.
type Fanout struct {
	sinks  []Named
	logger *zap.Logger
}

// NewFanout builds a Fanout. Nil sinks are skipped.
func NewFanout(logger *zap.Logger, sinks ...Named) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Named, 0, len(sinks))
	for _, s := range sinks {
		if s.Sink != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept, logger: logger}
}

// Len reports how many sinks are attached.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Write implements Sink.
func (f *Fanout) Write(ctx context.Context, result crawler.ScrapeResult) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Sink.Write(ctx, result); err != nil {
			f.fail(s.Name, "sink write failed", err, zap.String("url", result.URL))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// WriteSummary forwards the summary to every sink that records one.
func (f *Fanout) WriteSummary(ctx context.Context, summary crawler.Summary) error {
	var errs []error
	for _, s := range f.sinks {
		sw, ok := s.Sink.(SummaryWriter)
		if !ok {
			continue
		}
		if err := sw.WriteSummary(ctx, summary); err != nil {
			f.fail(s.Name, "sink summary failed", err, zap.String("crawl_id", summary.CrawlID))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Sink.Close(); err != nil {
			f.fail(s.Name, "sink close failed", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) fail(name, msg string, err error, fields ...zap.Field) {
	metrics.ObserveSinkFailure(name)
	f.logger.Warn(msg, append(fields, zap.String("sink", name), zap.Error(err))...)
}

// Drain writes every result of the stream to s and returns the crawl summary
// with the number of failed writes. Sink errors never stop the crawl, and
// results of a cancelled crawl are still delivered.
func Drain(ctx context.Context, stream *crawler.Stream, s Sink) (crawler.Summary, int) {
	ctx = context.WithoutCancel(ctx)
	failures := 0
	for result := range stream.Results() {
		if err := s.Write(ctx, result); err != nil {
			failures++
		}
	}
	summary := stream.Wait()
	if sw, ok := s.(SummaryWriter); ok {
		if err := sw.WriteSummary(ctx, summary); err != nil {
			failures++
		}
	}
	return summary, failures
}

// crawlID returns the crawl identifier recorded in result metadata, or fallback.
func crawlID(result crawler.ScrapeResult, fallback string) string {
	if id, ok := result.Metadata["crawl_id"].(string); ok && id != "" {
		return id
	}
	return fallback
}
