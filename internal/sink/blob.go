package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/storage"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// maxPathPart keeps object names well under filesystem name limits.
const maxPathPart = 80

// BlobSink stores each page as a set of objects under <prefix>/<crawl id>/:
// .md, .html and .png for the captured formats plus a .json record.
type BlobSink struct {
	store  storage.BlobStore
	prefix string
}

// NewBlobSink writes through store. prefix may be empty.
func NewBlobSink(store storage.BlobStore, prefix string) *BlobSink {
	return &BlobSink{store: store, prefix: strings.Trim(prefix, "/")}
}

type pageRecord struct {
	URL            string               `json:"url"`
	Depth          int                  `json:"depth"`
	DiscoveredFrom string               `json:"discovered_from,omitempty"`
	StatusCode     int                  `json:"status_code"`
	Outcome        string               `json:"outcome"`
	Error          *crawler.ResultError `json:"error,omitempty"`
	Links          []string             `json:"links,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
	Artifacts      map[string]string    `json:"artifacts,omitempty"`
}

// Write implements Sink.
func (s *BlobSink) Write(ctx context.Context, result crawler.ScrapeResult) error {
	base := path.Join(s.prefix, crawlID(result, "scrape"), objectBasename(result.URL))

	artifacts := make(map[string]string)
	var errs []error
	put := func(format, ext, contentType string, data []byte) {
		if len(data) == 0 {
			return
		}
		uri, err := s.store.PutObject(ctx, base+ext, contentType, bytes.NewReader(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("put %s: %w", format, err))
			return
		}
		artifacts[format] = uri
	}
	put(string(crawler.FormatMarkdown), ".md", "text/markdown; charset=utf-8", []byte(result.Markdown))
	put(string(crawler.FormatHTML), ".html", "text/html; charset=utf-8", []byte(result.RawHTML))
	put(string(crawler.FormatScreenshot), ".png", "image/png", result.Screenshot)

	record, err := json.MarshalIndent(pageRecord{
		URL:            result.URL,
		Depth:          result.Depth,
		DiscoveredFrom: result.DiscoveredFrom,
		StatusCode:     result.StatusCode,
		Outcome:        result.Outcome(),
		Error:          result.Error,
		Links:          result.Links,
		Metadata:       result.Metadata,
		Artifacts:      artifacts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal page record: %w", err)
	}
	if _, err := s.store.PutObject(ctx, base+".json", "application/json", bytes.NewReader(record)); err != nil {
		errs = append(errs, fmt.Errorf("put record: %w", err))
	}
	return errors.Join(errs...)
}

// WriteSummary stores the crawl summary next to the page objects.
func (s *BlobSink) WriteSummary(ctx context.Context, summary crawler.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	name := path.Join(s.prefix, summary.CrawlID, "_summary.json")
	if _, err := s.store.PutObject(ctx, name, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *BlobSink) Close() error { return nil }

// objectBasename turns a URL into a readable, collision-resistant object name:
// host, sanitized path and a short digest of the full URL.
func objectBasename(raw string) string {
	digest := sha256.Short(raw, 16)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return digest
	}
	host := invalidNameChars.ReplaceAllString(u.Hostname(), "_")
	p := strings.Trim(u.EscapedPath(), "/")
	if p == "" {
		p = "root"
	}
	p = strings.Trim(invalidNameChars.ReplaceAllString(p, "_"), "_")
	if len(p) > maxPathPart {
		p = p[:maxPathPart]
	}
	return fmt.Sprintf("%s_%s_%s", host, p, digest)
}
