package cmd

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/headless/detector"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	pubsubpublisher "github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitecrawler/internal/sink"
	"github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	"github.com/JakeFAU/sitecrawler/internal/storage/local"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
)

// buildCrawler assembles the crawler from configuration. The returned cleanup
// shuts the browser down and must be called once the crawler is idle.
func buildCrawler(cfg config.Config, logger *zap.Logger) (*crawler.Crawler, func(), error) {
	metrics.Init()

	light := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawl.UserAgent,
		Timeout:      cfg.Lightweight.Timeout,
		MaxRedirects: cfg.Lightweight.MaxRedirects,
		MaxBodySize:  cfg.Lightweight.MaxBodyBytes,
		Logger:       logger.Named("lightweight"),
	})

	cleanup := func() {}
	var rendering crawler.Fetcher
	if cfg.Rendering.Enabled {
		browser, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Rendering.MaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			NavigationTimeout: cfg.Rendering.Timeout,
			Settle:            headless.SettleMode(cfg.Rendering.Settle),
			SettleDelay:       cfg.Rendering.SettleDelay,
			IdleWindow:        cfg.Rendering.IdleWindow,
			ViewportWidth:     cfg.Rendering.ViewportWidth,
			ViewportHeight:    cfg.Rendering.ViewportHeight,
			ExecPath:          cfg.Rendering.ExecPath,
			Logger:            logger.Named("rendering"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init rendering engine: %w", err)
		}
		rendering = browser
		cleanup = browser.Close
	}

	c, err := crawler.New(crawler.Deps{
		Lightweight: light,
		Rendering:   rendering,
		Extractor:   extract.New(logger.Named("extract")),
		Detector:    detector.NewHeuristic(cfg.Detector.MinTextLength, cfg.Detector.BodyThreshold),
		Hasher:      sha256.New(),
		Clock:       system.New(),
		IDs:         uuid.New(),
		Logger:      logger,
	}, cfg.CrawlerOptions())
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init crawler: %w", err)
	}
	return c, cleanup, nil
}

// buildSinks opens every configured destination. defaultStdout adds a stdout
// JSONL sink when no JSONL output is configured.
func buildSinks(ctx context.Context, cfg config.Config, logger *zap.Logger, defaultStdout bool) (*sink.Fanout, func(), error) {
	var (
		named   []sink.Named
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*sink.Fanout, func(), error) {
		cleanup()
		return nil, nil, err
	}
	keep := func(name string, s sink.Sink) {
		named = append(named, sink.Named{Name: name, Sink: s})
		closers = append(closers, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sink failed", zap.String("sink", name), zap.Error(err))
			}
		})
	}

	switch jsonl := cfg.Output.JSONL; {
	case jsonl == "-" || (jsonl == "" && defaultStdout):
		keep("jsonl", sink.NewJSONL(os.Stdout))
	case jsonl != "":
		s, err := sink.OpenJSONL(jsonl)
		if err != nil {
			return fail(err)
		}
		keep("jsonl", s)
	}

	if cfg.Output.Dir != "" {
		store, err := local.New(local.Config{BaseDir: cfg.Output.Dir})
		if err != nil {
			return fail(fmt.Errorf("init output dir: %w", err))
		}
		keep("local", sink.NewBlobSink(store, ""))
	}

	if cfg.GCS.Bucket != "" {
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fail(fmt.Errorf("create gcs client: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCS.Bucket})
		if err != nil {
			return fail(err)
		}
		keep("gcs", sink.NewBlobSink(store, cfg.GCS.Prefix))
	}

	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("create pubsub client: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		pub := pubsubpublisher.New(client, map[string]string{"source": "sitecrawler"})
		keep("pubsub", sink.NewPublishSink(pub, cfg.PubSub.TopicName, system.New()))
	}

	if cfg.Postgres.DSN != "" {
		store, err := postgres.NewResultStore(ctx, postgres.ResultStoreConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return fail(err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fail(err)
		}
		keep("postgres", sink.NewStoreSink(store, system.New()))
	}

	fan := sink.NewFanout(logger, named...)
	logger.Debug("sinks ready", zap.Int("count", fan.Len()))
	return fan, cleanup, nil
}
