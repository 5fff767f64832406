package headless

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)
	_, err = NewChromedp(Config{Settle: "eventually"})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, SettleFixed, fetcher.cfg.Settle)
	require.Equal(t, defaultNavigationTimeout, fetcher.cfg.NavigationTimeout)
	require.Equal(t, 1920, fetcher.cfg.ViewportWidth)
	require.Equal(t, 1080, fetcher.cfg.ViewportHeight)
}

func TestFetcherTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, 60*time.Second, fetcher.timeout(crawler.FetchRequest{}))
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.timeout(crawler.FetchRequest{}))
	require.Equal(t, 5*time.Second, fetcher.timeout(crawler.FetchRequest{Timeout: 5 * time.Second}))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	f := &Fetcher{}

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	err := f.classify(context.Background(), expired, errors.New("chromedp run: context deadline exceeded"))
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindRenderTimeout, fe.Kind)

	err = f.classify(context.Background(), context.Background(), errors.New("page load error net::ERR_CONNECTION_REFUSED"))
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindConnection, fe.Kind)

	parent, cancelParent := context.WithCancel(context.Background())
	cancelParent()
	err = f.classify(parent, parent, errors.New("boom"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.acquire(ctx), context.DeadlineExceeded)

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-Single": {"c"}, "X-Empty": {}}
	netHeaders := toNetworkHeaders(src)
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "c", netHeaders["X-Single"])
	require.NotContains(t, netHeaders, "X-Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": []interface{}{"a=1", "b=2"}},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 404, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestIdleTrackerAccounting(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	tracker := newIdleTracker(clock.Now)

	tracker.observe(&network.EventRequestWillBeSent{RequestID: "1"})
	tracker.observe(&network.EventRequestWillBeSent{RequestID: "2"})
	tracker.observe(&network.EventRequestWillBeSent{RequestID: "2"})
	require.Equal(t, 2, tracker.inFlight())

	tracker.observe(&network.EventLoadingFinished{RequestID: "1"})
	tracker.observe(&network.EventLoadingFinished{RequestID: "1"})
	require.Equal(t, 1, tracker.inFlight())

	clock.Advance(time.Second)
	require.False(t, tracker.idleFor(500*time.Millisecond))

	tracker.observe(&network.EventLoadingFailed{RequestID: "2"})
	require.Equal(t, 0, tracker.inFlight())
	require.False(t, tracker.idleFor(500*time.Millisecond))

	clock.Advance(400 * time.Millisecond)
	require.False(t, tracker.idleFor(500*time.Millisecond))
	clock.Advance(100 * time.Millisecond)
	require.True(t, tracker.idleFor(500*time.Millisecond))

	tracker.observe(&network.EventResponseReceived{})
	require.True(t, tracker.idleFor(500*time.Millisecond))
}

func TestIdleTrackerWait(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(time.Now)
	require.NoError(t, tracker.wait(context.Background(), 20*time.Millisecond))

	busy := newIdleTracker(time.Now)
	busy.observe(&network.EventRequestWillBeSent{RequestID: "long-poll"})
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := busy.wait(ctx, 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "1 in flight")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
