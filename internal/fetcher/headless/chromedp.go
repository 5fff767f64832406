// Package headless contains the rendering engine, which loads pages in
// headless Chrome and reads the realized DOM.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// SettleMode selects how the engine decides a page has finished loading.
type SettleMode string

// Settle modes.
const (
	SettleFixed       SettleMode = "fixed"
	SettleNetworkIdle SettleMode = "network_idle"
)

const (
	defaultNavigationTimeout = 60 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultIdleWindow        = 500 * time.Millisecond
	defaultViewportWidth     = 1920
	defaultViewportHeight    = 1080
	idlePollInterval         = 50 * time.Millisecond
)

// Config controls the behavior of the rendering engine.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Settle            SettleMode
	// SettleDelay is the fixed wait when the request carries no WaitFor.
	SettleDelay time.Duration
	// IdleWindow is how long the page must have no in-flight requests.
	IdleWindow     time.Duration
	ViewportWidth  int
	ViewportHeight int
	ExecPath       string
	Logger         *zap.Logger
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
// The browser starts on first use; each fetch runs in its own tab.
type Fetcher struct {
	cfg           Config
	limiter       chan struct{}
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc

	startOnce sync.Once
	startErr  error
}

// NewChromedp creates a rendering engine backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	switch cfg.Settle {
	case "":
		cfg.Settle = SettleFixed
	case SettleFixed, SettleNetworkIdle:
	default:
		return nil, fmt.Errorf("unknown settle mode %q", cfg.Settle)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = defaultIdleWindow
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = defaultViewportWidth, defaultViewportHeight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.browserCancel()
	f.allocCancel()
}

// Fetch navigates to the URL, waits for the page to settle and returns the
// realized DOM. Exceeding the timeout yields a RenderTimeout FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchOutcome, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchOutcome{}, err
	}
	defer f.release()

	if err := f.start(); err != nil {
		return crawler.FetchOutcome{}, crawler.NewFetchError(crawler.KindConnection, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(f.browser)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	runCtx, cancel := context.WithTimeout(tabCtx, f.timeout(request))
	defer cancel()

	meta := newResponseMeta()
	idle := newIdleTracker(time.Now)
	chromedp.ListenTarget(runCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.observe(ev)
	})

	start := time.Now()
	page, err := f.runHeadless(runCtx, request, idle)
	if err != nil {
		classified := f.classify(ctx, runCtx, err)
		f.logger.Debug("rendering fetch failed",
			zap.String("url", request.URL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(classified),
		)
		return crawler.FetchOutcome{}, classified
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, page.finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "text/html; charset=utf-8")
	}

	return crawler.FetchOutcome{
		URL:        request.URL,
		FinalURL:   responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(page.html),
		Screenshot: page.screenshot,
		Elapsed:    time.Since(start),
		Engine:     crawler.EngineRendering,
	}, nil
}

func (f *Fetcher) start() error {
	f.startOnce.Do(func() {
		if err := chromedp.Run(f.browser); err != nil {
			f.startErr = fmt.Errorf("start browser: %w", err)
		}
	})
	return f.startErr
}

type renderedPage struct {
	html       string
	finalURL   string
	screenshot []byte
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest, idle *idleTracker) (renderedPage, error) {
	var page renderedPage
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		f.settleAction(request, idle),
		chromedp.Location(&page.finalURL),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	}
	if request.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&page.screenshot, 100))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (f *Fetcher) settleAction(request crawler.FetchRequest, idle *idleTracker) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if f.cfg.Settle == SettleNetworkIdle {
			if request.WaitFor > 0 {
				if err := chromedp.Sleep(request.WaitFor).Do(ctx); err != nil {
					return err
				}
			}
			return idle.wait(ctx, f.cfg.IdleWindow)
		}
		delay := request.WaitFor
		if delay <= 0 {
			delay = f.cfg.SettleDelay
		}
		return chromedp.Sleep(delay).Do(ctx)
	})
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(f.cfg.ViewportWidth), int64(f.cfg.ViewportHeight), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// classify maps a chromedp failure onto the fetch error taxonomy. The caller's
// own cancellation is passed through untouched.
func (f *Fetcher) classify(parent, run context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("rendering canceled: %w", parent.Err())
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return crawler.NewFetchError(crawler.KindRenderTimeout, err)
	}
	return crawler.NewFetchError(crawler.KindConnection, err)
}

func (f *Fetcher) timeout(request crawler.FetchRequest) time.Duration {
	if request.Timeout > 0 {
		return request.Timeout
	}
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rendering slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture records the main document response; subresources are ignored.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url != "" {
		// Frames after the first document keep their own status.
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

// idleTracker counts in-flight network requests for the network_idle settle mode.
type idleTracker struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	now          func() time.Time
}

func newIdleTracker(now func() time.Time) *idleTracker {
	return &idleTracker{
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: now(),
		now:          now,
	}
}

func (t *idleTracker) observe(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastActivity = t.now()
}

func (t *idleTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *idleTracker) idleFor(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= window
}

// wait blocks until the page has been idle for window or ctx ends.
func (t *idleTracker) wait(ctx context.Context, window time.Duration) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if t.idleFor(window) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for network idle (%d in flight): %w", t.inFlight(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
