package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Publisher sends a JSON-encodable payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// PageEvent is the message published for each result. Page bodies are not
// included; consumers fetch them from the blob sink when needed.
type PageEvent struct {
	Type        string               `json:"type"`
	CrawlID     string               `json:"crawl_id"`
	URL         string               `json:"url"`
	Depth       int                  `json:"depth"`
	StatusCode  int                  `json:"status_code"`
	Outcome     string               `json:"outcome"`
	Error       *crawler.ResultError `json:"error,omitempty"`
	ContentHash string               `json:"content_hash,omitempty"`
	LinkCount   int                  `json:"link_count"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// CrawlEvent is published once per crawl with its summary.
type CrawlEvent struct {
	Type       string          `json:"type"`
	Summary    crawler.Summary `json:"summary"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Event types.
const (
	EventPage          = "page"
	EventCrawlFinished = "crawl_finished"
)

// PublishSink publishes a PageEvent per result and a CrawlEvent per summary.
type PublishSink struct {
	pub   Publisher
	topic string
	clock crawler.Clock
}

// NewPublishSink publishes to topic through pub.
func NewPublishSink(pub Publisher, topic string, clock crawler.Clock) *PublishSink {
	return &PublishSink{pub: pub, topic: topic, clock: clock}
}

func (s *PublishSink) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Write implements Sink.
func (s *PublishSink) Write(ctx context.Context, result crawler.ScrapeResult) error {
	hash, _ := result.Metadata["content_hash"].(string)
	event := PageEvent{
		Type:        EventPage,
		CrawlID:     crawlID(result, ""),
		URL:         result.URL,
		Depth:       result.Depth,
		StatusCode:  result.StatusCode,
		Outcome:     result.Outcome(),
		Error:       result.Error,
		ContentHash: hash,
		LinkCount:   len(result.Links),
		OccurredAt:  s.now(),
	}
	if _, err := s.pub.Publish(ctx, s.topic, event); err != nil {
		return fmt.Errorf("publish page event: %w", err)
	}
	return nil
}

// WriteSummary implements SummaryWriter.
func (s *PublishSink) WriteSummary(ctx context.Context, summary crawler.Summary) error {
	event := CrawlEvent{Type: EventCrawlFinished, Summary: summary, OccurredAt: s.now()}
	if _, err := s.pub.Publish(ctx, s.topic, event); err != nil {
		return fmt.Errorf("publish crawl event: %w", err)
	}
	return nil
}

// Close flushes the publisher.
func (s *PublishSink) Close() error {
	return s.pub.Close()
}
