package robots

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolverSingleFlight(t *testing.T) {
	t.Parallel()

	var (
		calls     atomic.Int32
		requested atomic.Value
	)
	release := make(chan struct{})
	fetch := func(_ context.Context, rawURL string) (int, []byte, error) {
		calls.Add(1)
		requested.Store(rawURL)
		<-release
		return 200, []byte("User-agent: *\nDisallow: /admin\n"), nil
	}
	r := NewResolver(fetch, Config{UserAgent: "sitecrawler", Respect: true, Logger: zap.NewNop()})

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan Policy, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.PolicyFor(context.Background(), "https", "example.com")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "https://example.com/robots.txt", requested.Load())
	for p := range results {
		require.False(t, p.IsAllowed("https://example.com/admin/edit"))
	}

	// cached afterwards
	r.PolicyFor(context.Background(), "https", "example.com")
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, r.cached())
}

func TestResolverPermissiveOnFailure(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := map[string]FetchFunc{
		"timeout": func(context.Context, string) (int, []byte, error) {
			return 0, nil, context.DeadlineExceeded
		},
		"connection": func(context.Context, string) (int, []byte, error) {
			return 0, nil, errors.New("connection refused")
		},
		"server error": func(context.Context, string) (int, []byte, error) {
			return 503, []byte("User-agent: *\nDisallow: /\n"), nil
		},
		"not found": func(context.Context, string) (int, []byte, error) {
			return 404, nil, nil
		},
	}
	for name, fetch := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(fetch, Config{Respect: true, Clock: func() time.Time { return fixed }})
			p := r.PolicyFor(context.Background(), "https", "example.com")
			require.True(t, p.FetchFailed)
			require.True(t, p.IsAllowed("https://example.com/anything"))
			require.Equal(t, fixed, p.FetchedAt)
		})
	}
}

func TestResolverRespectAndOverrides(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fetch := func(context.Context, string) (int, []byte, error) {
		calls.Add(1)
		return 200, []byte("User-agent: *\nDisallow: /\n"), nil
	}

	off := NewResolver(fetch, Config{Respect: false})
	require.True(t, off.PolicyFor(context.Background(), "https", "example.com").IsAllowed("https://example.com/x"))

	overridden := NewResolver(fetch, Config{Respect: true, Overrides: []string{"Example.com"}})
	require.True(t, overridden.PolicyFor(context.Background(), "https", "example.com:8443").IsAllowed("https://example.com:8443/x"))

	require.Zero(t, calls.Load())
}

func TestResolverTruncatesLargeBodies(t *testing.T) {
	t.Parallel()

	body := []byte("User-agent: *\nDisallow: /a\n" + string(make([]byte, 64)) + "\nDisallow: /b\n")
	fetch := func(context.Context, string) (int, []byte, error) {
		return 200, body, nil
	}
	r := NewResolver(fetch, Config{Respect: true, MaxBytes: 30})
	p := r.PolicyFor(context.Background(), "http", "example.com")
	require.False(t, p.IsAllowed("http://example.com/a"))
	require.True(t, p.IsAllowed("http://example.com/b"))
}

func TestProductToken(t *testing.T) {
	t.Parallel()

	require.Equal(t, "sitecrawler", ProductToken("Mozilla/5.0 (compatible; sitecrawler/1.0)"))
	require.Equal(t, "sitecrawler", ProductToken("SiteCrawler/2.1 (+https://example.com/bot)"))
	require.Equal(t, "sitecrawler", ProductToken("sitecrawler"))
	require.Equal(t, "", ProductToken("  "))
}
