package crawler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyTransportErrors(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(Options{TransportRetries: 1}, nil)

	wait, reason, ok := p.next(1, FetchOutcome{}, NewFetchError(KindTimeout, context.DeadlineExceeded))
	require.True(t, ok)
	assert.Equal(t, "timeout", reason)
	assert.GreaterOrEqual(t, wait, defaultRetryBaseDelay/2)
	assert.LessOrEqual(t, wait, defaultRetryBaseDelay)

	_, _, ok = p.next(2, FetchOutcome{}, NewFetchError(KindTimeout, context.DeadlineExceeded))
	assert.False(t, ok, "budget spent")

	_, _, ok = p.next(1, FetchOutcome{}, NewFetchError(KindTooManyRedirects, ErrTooManyRedirects))
	assert.False(t, ok)

	_, _, ok = p.next(1, FetchOutcome{}, errors.New("untyped"))
	assert.False(t, ok)
}

func TestRetryPolicyStatusCodes(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(Options{StatusRetries: 2}, nil)

	_, reason, ok := p.next(1, FetchOutcome{StatusCode: http.StatusTooManyRequests}, nil)
	require.True(t, ok)
	assert.Equal(t, "429", reason)

	_, _, ok = p.next(3, FetchOutcome{StatusCode: http.StatusServiceUnavailable}, nil)
	assert.False(t, ok)

	for _, status := range []int{http.StatusOK, http.StatusNotFound, http.StatusInternalServerError} {
		_, _, ok = p.next(1, FetchOutcome{StatusCode: status}, nil)
		assert.False(t, ok, "status %d", status)
	}
}

func TestRetryPolicyHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := newRetryPolicy(Options{StatusRetries: 1, RetryAfterCeiling: 10 * time.Second}, func() time.Time { return now })

	outcome := FetchOutcome{StatusCode: http.StatusServiceUnavailable, Headers: http.Header{"Retry-After": []string{"3"}}}
	wait, _, ok := p.next(1, outcome, nil)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, wait)

	outcome.Headers.Set("Retry-After", "3600")
	wait, _, _ = p.next(1, outcome, nil)
	assert.Equal(t, 10*time.Second, wait)

	outcome.Headers.Set("Retry-After", now.Add(5*time.Second).Format(http.TimeFormat))
	wait, _, _ = p.next(1, outcome, nil)
	assert.Equal(t, 5*time.Second, wait)

	outcome.Headers.Set("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat))
	wait, _, _ = p.next(1, outcome, nil)
	assert.Zero(t, wait)
}

func TestRetryPolicyDisabled(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(Options{TransportRetries: -1, StatusRetries: -1}, nil)
	_, _, ok := p.next(1, FetchOutcome{}, NewFetchError(KindConnection, errors.New("reset")))
	assert.False(t, ok)
	_, _, ok = p.next(1, FetchOutcome{StatusCode: http.StatusTooManyRequests}, nil)
	assert.False(t, ok)
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(Options{}, nil)
	for attempt := 1; attempt < 12; attempt++ {
		assert.LessOrEqual(t, p.backoff(attempt), defaultRetryMaxDelay)
	}
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
