package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// JSONL writes one JSON object per result, newline separated, and a final
// {"summary": ...} line when the crawl ends.
type JSONL struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONL writes to w. Close does not close w.
func NewJSONL(w io.Writer) *JSONL {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONL{enc: enc}
}

// OpenJSONL creates (or truncates) the file at path and writes to it.
func OpenJSONL(path string) (*JSONL, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create jsonl directory: %w", err)
		}
	}
	// #nosec G304 -- the output path is operator supplied.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open jsonl output: %w", err)
	}
	s := NewJSONL(f)
	s.closer = f
	return s, nil
}

// Write implements Sink.
func (s *JSONL) Write(_ context.Context, result crawler.ScrapeResult) error {
	return s.encode(result)
}

// WriteSummary implements SummaryWriter.
func (s *JSONL) WriteSummary(_ context.Context, summary crawler.Summary) error {
	return s.encode(struct {
		Summary crawler.Summary `json:"summary"`
	}{summary})
}

func (s *JSONL) encode(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		return fmt.Errorf("encode jsonl record: %w", err)
	}
	return nil
}

// Close closes the underlying file when the sink opened it.
func (s *JSONL) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
