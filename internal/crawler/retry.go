package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTransportRetries  = 1
	defaultStatusRetries     = 1
	defaultRetryBaseDelay    = 250 * time.Millisecond
	defaultRetryMaxDelay     = 5 * time.Second
	defaultRetryAfterCeiling = 30 * time.Second
)

// retryPolicy decides whether a fetch earns another attempt and how long to
// wait before it.
type retryPolicy struct {
	transportRetries  int
	statusRetries     int
	baseDelay         time.Duration
	maxDelay          time.Duration
	retryAfterCeiling time.Duration
	now               func() time.Time
}

func newRetryPolicy(opts Options, now func() time.Time) retryPolicy {
	p := retryPolicy{
		transportRetries:  opts.TransportRetries,
		statusRetries:     opts.StatusRetries,
		baseDelay:         defaultRetryBaseDelay,
		maxDelay:          defaultRetryMaxDelay,
		retryAfterCeiling: opts.RetryAfterCeiling,
		now:               now,
	}
	if p.transportRetries < 0 {
		p.transportRetries = 0
	}
	if p.statusRetries < 0 {
		p.statusRetries = 0
	}
	if p.retryAfterCeiling <= 0 {
		p.retryAfterCeiling = defaultRetryAfterCeiling
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// next reports whether attempt (1-based) should be followed by another, the
// delay before it and a short reason label.
func (p retryPolicy) next(attempt int, outcome FetchOutcome, err error) (time.Duration, string, bool) {
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Retryable() || attempt > p.transportRetries {
			return 0, "", false
		}
		return p.backoff(attempt), string(fe.Kind), true
	}
	if !IsRetryableStatus(outcome.StatusCode) || attempt > p.statusRetries {
		return 0, "", false
	}
	reason := strconv.Itoa(outcome.StatusCode)
	if wait, ok := p.retryAfter(outcome.Headers); ok {
		return wait, reason, true
	}
	return p.backoff(attempt), reason, true
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date,
// capped at the configured ceiling.
func (p retryPolicy) retryAfter(headers http.Header) (time.Duration, bool) {
	if headers == nil {
		return 0, false
	}
	value := strings.TrimSpace(headers.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	var wait time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		wait = at.Sub(p.now())
	} else {
		return 0, false
	}
	if wait < 0 {
		wait = 0
	}
	if wait > p.retryAfterCeiling {
		wait = p.retryAfterCeiling
	}
	return wait, true
}

// backoff returns a jittered exponential delay for the given attempt.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
