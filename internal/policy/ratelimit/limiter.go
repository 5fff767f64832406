// Package ratelimit spaces requests to the same host. It backs the crawl-delay
// gate: each host gets a token bucket refilled once per delay interval.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Limiter manages per-host crawl delays.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*hostLimiter
	defaultDelay time.Duration
}

type hostLimiter struct {
	limiter *rate.Limiter
	delay   time.Duration
}

// Config holds limiter configuration.
type Config struct {
	// DefaultDelay is the minimum spacing applied to every host, even when
	// robots.txt declares no Crawl-delay.
	DefaultDelay time.Duration
}

// New creates a new Limiter. One Limiter serves one crawl.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters:     make(map[string]*hostLimiter),
		defaultDelay: cfg.DefaultDelay,
	}
}

// Wait blocks until the host may be contacted again. The effective spacing is
// the larger of delay and the configured default. The first call for a host
// never blocks.
func (l *Limiter) Wait(ctx context.Context, host string, delay time.Duration) error {
	if delay < l.defaultDelay {
		delay = l.defaultDelay
	}
	if delay <= 0 {
		return nil
	}
	host = strings.ToLower(host)
	limiter := l.limiterFor(host, delay)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("crawl delay wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveCrawlDelay(host, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(host string, delay time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.limiters[host]
	if !exists {
		entry = &hostLimiter{limiter: rate.NewLimiter(rate.Every(delay), 1), delay: delay}
		l.limiters[host] = entry
		return entry.limiter
	}
	if entry.delay != delay {
		entry.limiter.SetLimit(rate.Every(delay))
		entry.delay = delay
	}
	return entry.limiter
}
