// Package postgres persists crawl results and run summaries in Postgres.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names created by schema.sql.
const (
	DefaultPagesTable = "crawl_pages"
	DefaultRunsTable  = "crawl_runs"
)

// ResultStoreConfig controls the Postgres connection pool used for result rows.
type ResultStoreConfig struct {
	DSN             string
	PagesTable      string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ResultStore writes one row per scraped page and one row per finished crawl.
type ResultStore struct {
	pool       execCloser
	pagesTable string
	runsTable  string
}

// NewResultStore connects a pool using the provided config.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewResultStoreWithPool(pool, cfg.PagesTable, cfg.RunsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool execCloser, pagesTable, runsTable string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if pagesTable == "" {
		pagesTable = DefaultPagesTable
	}
	if runsTable == "" {
		runsTable = DefaultRunsTable
	}
	for _, table := range []string{pagesTable, runsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ResultStore{pool: pool, pagesTable: pagesTable, runsTable: runsTable}, nil
}

// EnsureSchema creates the result tables when they do not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	ddl := strings.NewReplacer(
		DefaultPagesTable, s.pagesTable,
		DefaultRunsTable, s.runsTable,
	).Replace(schemaSQL)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create result tables: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveResult upserts the row for one page of a crawl.
func (s *ResultStore) SaveResult(ctx context.Context, crawlID string, result crawler.ScrapeResult, at time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if crawlID == "" {
		return fmt.Errorf("crawl id is required")
	}
	linksJSON, err := marshalList(result.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	metadata := result.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var errKind, errDetail *string
	if result.Error != nil {
		kind := string(result.Error.Kind)
		errKind, errDetail = &kind, &result.Error.Detail
	}
	var contentHash *string
	if h, ok := metadata["content_hash"].(string); ok && h != "" {
		contentHash = &h
	}
	var markdown *string
	if result.Markdown != "" {
		markdown = &result.Markdown
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	crawl_id,
	url,
	depth,
	discovered_from,
	status_code,
	outcome,
	error_kind,
	error_detail,
	content_hash,
	markdown,
	links,
	metadata,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (crawl_id, url) DO UPDATE SET
	status_code = EXCLUDED.status_code,
	outcome = EXCLUDED.outcome,
	error_kind = EXCLUDED.error_kind,
	error_detail = EXCLUDED.error_detail,
	content_hash = EXCLUDED.content_hash,
	markdown = EXCLUDED.markdown,
	links = EXCLUDED.links,
	metadata = EXCLUDED.metadata,
	recorded_at = EXCLUDED.recorded_at`, s.pagesTable)

	args := []any{
		crawlID,
		result.URL,
		result.Depth,
		result.DiscoveredFrom,
		result.StatusCode,
		result.Outcome(),
		errKind,
		errDetail,
		contentHash,
		markdown,
		linksJSON,
		metadataJSON,
		at,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page %s: %w", result.URL, err)
	}
	return nil
}

// SaveSummary upserts the run row for a finished crawl.
func (s *ResultStore) SaveSummary(ctx context.Context, summary crawler.Summary, at time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if summary.CrawlID == "" {
		return fmt.Errorf("crawl id is required")
	}
	rejected := summary.Rejected
	if rejected == nil {
		rejected = []crawler.Rejection{}
	}
	rejectedJSON, err := json.Marshal(rejected)
	if err != nil {
		return fmt.Errorf("marshal rejected: %w", err)
	}
	unvisitedJSON, err := marshalList(summary.Unvisited)
	if err != nil {
		return fmt.Errorf("marshal unvisited: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	crawl_id,
	start_url,
	discovered,
	completed,
	failed,
	skipped,
	rejected,
	unvisited,
	cancelled,
	elapsed_ms,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (crawl_id) DO UPDATE SET
	discovered = EXCLUDED.discovered,
	completed = EXCLUDED.completed,
	failed = EXCLUDED.failed,
	skipped = EXCLUDED.skipped,
	rejected = EXCLUDED.rejected,
	unvisited = EXCLUDED.unvisited,
	cancelled = EXCLUDED.cancelled,
	elapsed_ms = EXCLUDED.elapsed_ms,
	finished_at = EXCLUDED.finished_at`, s.runsTable)

	args := []any{
		summary.CrawlID,
		summary.StartURL,
		summary.Discovered,
		summary.Completed,
		summary.Failed,
		summary.Skipped,
		rejectedJSON,
		unvisitedJSON,
		summary.Cancelled,
		summary.ElapsedMs,
		at,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert crawl run %s: %w", summary.CrawlID, err)
	}
	return nil
}

func marshalList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}
