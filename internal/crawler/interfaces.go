package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/robots"
)

// Fetcher retrieves one URL. Non-2xx responses are returned as outcomes; only
// transport and render failures produce a *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchOutcome, error)
}

// RobotsResolver returns the cached robots policy for a scheme and host.
type RobotsResolver interface {
	PolicyFor(ctx context.Context, scheme, host string) robots.Policy
}

// Extractor converts markup into markdown and outbound links.
type Extractor interface {
	Extract(markup []byte, baseURL string, opts ExtractOptions) Extraction
}

// ExtractOptions tunes a single extraction.
type ExtractOptions struct {
	OnlyMainContent    bool
	DiscoverEverywhere bool
}

// SufficiencyDetector decides whether a lightweight body is too thin to keep.
type SufficiencyDetector interface {
	Insufficient(outcome FetchOutcome) bool
}

// DelayGate spaces dispatches to the same host.
type DelayGate interface {
	Wait(ctx context.Context, host string, delay time.Duration) error
}

// Hasher computes digests of page bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl IDs.
type IDGenerator interface {
	NewID() (string, error)
}
