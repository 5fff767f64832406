package robots

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// defaultMaxBytes bounds how much of a robots.txt body is parsed.
const defaultMaxBytes = 512 << 10

// FetchFunc retrieves rawURL and returns the response status and body.
// Transport failures return an error.
type FetchFunc func(ctx context.Context, rawURL string) (int, []byte, error)

// Config tunes a Resolver.
type Config struct {
	// UserAgent is the crawler's User-Agent header; its product token is
	// matched against User-agent groups.
	UserAgent string
	// Respect disables all robots checks when false.
	Respect bool
	// Overrides lists hosts whose robots.txt is never consulted.
	Overrides []string
	MaxBytes  int
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Resolver memoizes one Policy per scheme and host. Concurrent first lookups
// for the same host share a single fetch.
type Resolver struct {
	fetch     FetchFunc
	agent     string
	respect   bool
	overrides map[string]struct{}
	maxBytes  int
	logger    *zap.Logger
	now       func() time.Time

	cache sync.Map
	group singleflight.Group
}

// NewResolver builds a Resolver around fetch.
func NewResolver(fetch FetchFunc, cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			overrides[host] = struct{}{}
		}
	}
	return &Resolver{
		fetch:     fetch,
		agent:     ProductToken(cfg.UserAgent),
		respect:   cfg.Respect,
		overrides: overrides,
		maxBytes:  maxBytes,
		logger:    logger,
		now:       now,
	}
}

// PolicyFor returns the policy for host, fetching robots.txt on first use.
// A failed fetch or non-2xx status yields a permissive policy.
func (r *Resolver) PolicyFor(ctx context.Context, scheme, host string) Policy {
	host = strings.ToLower(host)
	if !r.respect || r.fetch == nil {
		return Permissive(host)
	}
	if _, skip := r.overrides[hostname(host)]; skip {
		return Permissive(host)
	}
	key := scheme + "://" + host
	if cached, ok := r.cache.Load(key); ok {
		if policy, ok := cached.(Policy); ok {
			return policy
		}
	}

	value, _, _ := r.group.Do(key, func() (any, error) {
		if cached, ok := r.cache.Load(key); ok {
			return cached, nil
		}
		policy := r.load(ctx, key, host)
		if ctx.Err() == nil {
			r.cache.Store(key, policy)
		}
		return policy, nil
	})
	policy, ok := value.(Policy)
	if !ok {
		return Permissive(host)
	}
	return policy
}

// cached reports how many domains have a resolved policy.
func (r *Resolver) cached() int {
	count := 0
	r.cache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (r *Resolver) load(ctx context.Context, root, host string) Policy {
	robotsURL := root + "/robots.txt"
	status, body, err := r.fetch(ctx, robotsURL)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", host),
			zap.Error(err),
		)
		metrics.ObserveRobotsFetch("error")
		return r.failed(host)
	}
	if status < 200 || status > 299 {
		r.logger.Debug("robots unavailable; allowing access",
			zap.String("host", host),
			zap.Int("status", status),
		)
		metrics.ObserveRobotsFetch(fmt.Sprintf("%dxx", status/100))
		return r.failed(host)
	}
	if len(body) > r.maxBytes {
		body = body[:r.maxBytes]
	}
	policy := Parse(host, body, r.agent)
	policy.FetchedAt = r.now()
	metrics.ObserveRobotsFetch("ok")
	r.logger.Debug("robots policy cached",
		zap.String("host", host),
		zap.Int("disallow_rules", len(policy.Disallow)),
		zap.Duration("crawl_delay", policy.CrawlDelay),
		zap.Int("hosts_cached", r.cached()),
	)
	return policy
}

func (r *Resolver) failed(host string) Policy {
	policy := Permissive(host)
	policy.FetchedAt = r.now()
	policy.FetchFailed = true
	return policy
}

func hostname(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 && !strings.Contains(host[idx:], "]") {
		return host[:idx]
	}
	return host
}

// ProductToken extracts the crawler name robots.txt groups are matched
// against, e.g. "sitecrawler" from "Mozilla/5.0 (compatible; sitecrawler/1.0)".
func ProductToken(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	const marker = "compatible;"
	if idx := strings.Index(strings.ToLower(ua), marker); idx >= 0 {
		ua = ua[idx+len(marker):]
	}
	fields := strings.FieldsFunc(ua, func(r rune) bool {
		return r == '/' || r == ';' || r == ' ' || r == '(' || r == ')'
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
