package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	memorypublisher "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
)

var (
	_ Sink          = (*Fanout)(nil)
	_ Sink          = (*JSONL)(nil)
	_ Sink          = (*BlobSink)(nil)
	_ Sink          = (*PublishSink)(nil)
	_ Sink          = (*StoreSink)(nil)
	_ SummaryWriter = (*Fanout)(nil)
	_ Publisher     = (*memorypublisher.Publisher)(nil)
	_ ResultStore   = (*postgres.ResultStore)(nil)
)

func sampleResult() crawler.ScrapeResult {
	return crawler.ScrapeResult{
		URL:        "https://example.com/docs/getting-started",
		Depth:      1,
		Markdown:   "# Getting started",
		RawHTML:    "<h1>Getting started</h1>",
		StatusCode: 200,
		Links:      []string{"https://example.com/docs/next"},
		Metadata:   map[string]any{"crawl_id": "crawl-1", "content_hash": "abc"},
	}
}

type recordingSink struct {
	results   []crawler.ScrapeResult
	summaries []crawler.Summary
	err       error
	closed    bool
}

func (r *recordingSink) Write(_ context.Context, result crawler.ScrapeResult) error {
	r.results = append(r.results, result)
	return r.err
}

func (r *recordingSink) WriteSummary(_ context.Context, summary crawler.Summary) error {
	r.summaries = append(r.summaries, summary)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	broken := &recordingSink{err: errors.New("disk full")}
	healthy := &recordingSink{}
	fan := NewFanout(zap.New(core),
		Named{Name: "broken", Sink: broken},
		Named{Name: "nil", Sink: nil},
		Named{Name: "healthy", Sink: healthy},
	)
	assert.Equal(t, 2, fan.Len())

	err := fan.Write(context.Background(), sampleResult())
	require.ErrorContains(t, err, "broken: disk full")
	assert.Len(t, healthy.results, 1)
	assert.Equal(t, 1, logs.FilterMessage("sink write failed").Len())

	require.Error(t, fan.WriteSummary(context.Background(), crawler.Summary{CrawlID: "crawl-1"}))
	assert.Len(t, healthy.summaries, 1)

	require.Error(t, fan.Close())
	assert.True(t, broken.closed)
	assert.True(t, healthy.closed)
}

func TestJSONLWritesResultsThenSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewJSONL(&buf)
	require.NoError(t, s.Write(context.Background(), sampleResult()))
	require.NoError(t, s.WriteSummary(context.Background(), crawler.Summary{CrawlID: "crawl-1", Completed: 1}))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first crawler.ScrapeResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "https://example.com/docs/getting-started", first.URL)
	assert.Contains(t, lines[0], "<h1>", "HTML is not escaped")

	var last struct {
		Summary crawler.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, 1, last.Summary.Completed)
}

func TestOpenJSONLCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "results.jsonl")
	s, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), sampleResult()))
	require.NoError(t, s.Close())

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
}

func TestBlobSinkWritesArtifacts(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	s := NewBlobSink(store, "/pages/")
	result := sampleResult()
	result.Screenshot = []byte{0x89, 'P', 'N', 'G'}
	require.NoError(t, s.Write(context.Background(), result))
	require.NoError(t, s.WriteSummary(context.Background(), crawler.Summary{CrawlID: "crawl-1"}))

	base := "pages/crawl-1/" + objectBasename(result.URL)
	assert.Equal(t, []string{
		base + ".html",
		base + ".json",
		base + ".md",
		base + ".png",
		"pages/crawl-1/_summary.json",
	}, store.Paths())

	md, ok := store.Get(base + ".md")
	require.True(t, ok)
	assert.Equal(t, "# Getting started", string(md.Data))
	assert.Equal(t, "text/markdown; charset=utf-8", md.ContentType)

	rec, ok := store.Get(base + ".json")
	require.True(t, ok)
	var record pageRecord
	require.NoError(t, json.Unmarshal(rec.Data, &record))
	assert.Equal(t, crawler.OutcomeCompleted, record.Outcome)
	assert.Equal(t, "memory://"+base+".png", record.Artifacts["screenshot"])
}

func TestBlobSinkSkipsEmptyFormats(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	s := NewBlobSink(store, "")
	failed := crawler.ScrapeResult{
		URL:        "https://example.com/missing",
		StatusCode: http.StatusNotFound,
		Error:      &crawler.ResultError{Kind: crawler.KindHTTP, Detail: "HTTP 404 Not Found"},
	}
	require.NoError(t, s.Write(context.Background(), failed))
	paths := store.Paths()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "scrape/example.com_missing_"))
	assert.True(t, strings.HasSuffix(paths[0], ".json"))
}

func TestObjectBasename(t *testing.T) {
	t.Parallel()

	a := objectBasename("https://example.com/docs/a b?x=1")
	b := objectBasename("https://example.com/docs/a b?x=2")
	assert.True(t, strings.HasPrefix(a, "example.com_docs_a_20b_"), a)
	assert.NotEqual(t, a, b, "query string changes the digest")
	assert.True(t, strings.HasPrefix(objectBasename("https://example.com/"), "example.com_root_"))
	assert.Len(t, objectBasename("::not a url"), 16)
	long := objectBasename("https://example.com/" + strings.Repeat("segment/", 40))
	assert.LessOrEqual(t, len(long), len("example.com_")+maxPathPart+1+16)
}

func TestPublishSinkPublishesEvents(t *testing.T) {
	t.Parallel()

	pub := memorypublisher.New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewPublishSink(pub, "pages", system.NewFixed(at))

	require.NoError(t, s.Write(context.Background(), sampleResult()))
	require.NoError(t, s.WriteSummary(context.Background(), crawler.Summary{CrawlID: "crawl-1", Completed: 1}))
	require.NoError(t, s.Close())

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "pages", msgs[0].Topic)

	var page PageEvent
	require.NoError(t, msgs[0].Decode(&page))
	assert.Equal(t, EventPage, page.Type)
	assert.Equal(t, "crawl-1", page.CrawlID)
	assert.Equal(t, "abc", page.ContentHash)
	assert.Equal(t, 1, page.LinkCount)
	assert.True(t, page.OccurredAt.Equal(at))

	var done CrawlEvent
	require.NoError(t, msgs[1].Decode(&done))
	assert.Equal(t, EventCrawlFinished, done.Type)
	assert.Equal(t, 1, done.Summary.Completed)

	pub.FailWith(errors.New("unavailable"))
	require.ErrorContains(t, s.Write(context.Background(), sampleResult()), "unavailable")
}

func TestStoreSinkSavesRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := postgres.NewResultStoreWithPool(mock, "", "")
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewStoreSink(store, system.NewFixed(at))

	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs("crawl-1", pgxmock.AnyArg(), 1, "", 200, crawler.OutcomeCompleted,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs("crawl-1", "", 0, 0, 0, 0, pgxmock.AnyArg(), pgxmock.AnyArg(), false, int64(0), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectClose()

	require.NoError(t, s.Write(context.Background(), sampleResult()))
	require.NoError(t, s.WriteSummary(context.Background(), crawler.Summary{CrawlID: "crawl-1"}))
	require.NoError(t, s.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

type siteFetcher map[string]string

func (f siteFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchOutcome, error) {
	body, ok := f[req.URL]
	if !ok {
		return crawler.FetchOutcome{URL: req.URL, FinalURL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return crawler.FetchOutcome{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
		Engine:     crawler.EngineLightweight,
	}, nil
}

func TestDrainDeliversEveryResultAndSummary(t *testing.T) {
	t.Parallel()

	site := siteFetcher{
		"https://example.com/":  `<html><body><main><h1>Home</h1><p>Welcome home.</p><a href="/a">A</a><a href="/b">B</a></main></body></html>`,
		"https://example.com/a": `<html><body><main><h1>A</h1><p>Page A.</p></main></body></html>`,
		"https://example.com/b": `<html><body><main><h1>B</h1><p>Page B.</p></main></body></html>`,
	}
	c, err := crawler.New(crawler.Deps{Lightweight: site, Extractor: extract.New(zap.NewNop())}, crawler.Options{})
	require.NoError(t, err)

	stream, err := c.Crawl(context.Background(), crawler.CrawlRequest{
		StartURL:      "https://example.com/",
		MaxPages:      10,
		MaxDepth:      1,
		IgnoreSitemap: true,
	})
	require.NoError(t, err)

	rec := &recordingSink{}
	summary, failures := Drain(context.Background(), stream, rec)
	assert.Zero(t, failures)
	assert.Len(t, rec.results, 3)
	require.Len(t, rec.summaries, 1)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, summary, rec.summaries[0])
}
