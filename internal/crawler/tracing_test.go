package crawler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestCrawlRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	light := newMapFetcher(EngineLightweight)
	light.html("/", `<p>home</p><a href="/missing">gone</a>`)

	c := newTestCrawler(t, Deps{Lightweight: light, TracerProvider: provider}, Options{})
	_, summary, err := c.CrawlAll(context.Background(), CrawlRequest{StartURL: testHost + "/", MaxPages: 5, MaxDepth: 1, IgnoreSitemap: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	var crawlSpan sdktrace.ReadOnlySpan
	pages := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "crawler.crawl":
			crawlSpan = span
		case "crawler.page":
			url, ok := spanAttr(span, "url.full")
			require.True(t, ok)
			pages[url.AsString()] = span
		}
	}
	require.NotNil(t, crawlSpan)
	require.Len(t, pages, 2)

	completed, ok := spanAttr(crawlSpan, "crawl.completed")
	require.True(t, ok)
	assert.Equal(t, int64(1), completed.AsInt64())

	home := pages[testHost+"/"]
	assert.Equal(t, crawlSpan.SpanContext().TraceID(), home.SpanContext().TraceID())
	assert.Equal(t, crawlSpan.SpanContext().SpanID(), home.Parent().SpanID())
	assert.Equal(t, codes.Unset, home.Status().Code)

	missing := pages[testHost+"/missing"]
	assert.Equal(t, codes.Error, missing.Status().Code)
	assert.Equal(t, "HTTP 404 Not Found", missing.Status().Description)
	kind, ok := spanAttr(missing, "crawl.error_kind")
	require.True(t, ok)
	assert.Equal(t, string(KindHTTP), kind.AsString())
}

func TestScrapeRecordsPageSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	light := newMapFetcher(EngineLightweight)
	light.html("/page", `<p>content</p>`)

	c := newTestCrawler(t, Deps{Lightweight: light, TracerProvider: provider}, Options{})
	result := c.Scrape(context.Background(), testHost+"/page", ScrapeOptions{})
	require.True(t, result.Success())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "crawler.page", spans[0].Name())
	engine, ok := spanAttr(spans[0], "crawl.engine")
	require.True(t, ok)
	assert.Equal(t, "lightweight", engine.AsString())
}
