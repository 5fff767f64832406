package crawler

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JakeFAU/sitecrawler/internal/crawler"

func (c *Crawler) tracer() trace.Tracer {
	if c.deps.TracerProvider != nil {
		return c.deps.TracerProvider.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

func annotatePageSpan(span trace.Span, result ScrapeResult) {
	attrs := []attribute.KeyValue{
		attribute.String("crawl.outcome", result.Outcome()),
		attribute.Int("http.response.status_code", result.StatusCode),
		attribute.Int("crawl.links", len(result.Links)),
	}
	if engine, ok := result.Metadata["engine"].(string); ok {
		attrs = append(attrs, attribute.String("crawl.engine", engine))
	}
	if escalated, ok := result.Metadata["escalated"].(bool); ok {
		attrs = append(attrs, attribute.Bool("crawl.escalated", escalated))
	}
	span.SetAttributes(attrs...)
	if result.Error != nil {
		span.SetAttributes(attribute.String("crawl.error_kind", string(result.Error.Kind)))
		span.SetStatus(codes.Error, result.Error.Detail)
	}
}

func annotateCrawlSpan(span trace.Span, summary Summary) {
	span.SetAttributes(
		attribute.Int("crawl.discovered", summary.Discovered),
		attribute.Int("crawl.completed", summary.Completed),
		attribute.Int("crawl.failed", summary.Failed),
		attribute.Int("crawl.skipped", summary.Skipped),
		attribute.Int("crawl.rejected", len(summary.Rejected)),
		attribute.Int("crawl.unvisited", len(summary.Unvisited)),
		attribute.Bool("crawl.cancelled", summary.Cancelled),
	)
}
