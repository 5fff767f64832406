package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/sink"
)

// crawlFlags override the configured crawl defaults when set on the command line.
type crawlFlags struct {
	maxPages           int
	maxDepth           int
	concurrency        int
	timeout            time.Duration
	include            []string
	exclude            []string
	allowBackwards     bool
	allowExternal      bool
	discoverEverywhere bool
	ignoreSitemap      bool
	engine             string
	formats            []string
	jsonl              string
	dir                string
}

func (f *crawlFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.maxPages, "max-pages", 0, "maximum pages to fetch")
	fs.IntVar(&f.maxDepth, "max-depth", 0, "maximum link depth from the start URL")
	fs.IntVar(&f.concurrency, "concurrency", 0, "parallel fetches")
	fs.DurationVar(&f.timeout, "timeout", 0, "overall crawl deadline (0 means none)")
	fs.StringSliceVar(&f.include, "include", nil, "only follow paths matching these regexps")
	fs.StringSliceVar(&f.exclude, "exclude", nil, "never follow paths matching these regexps")
	fs.BoolVar(&f.allowBackwards, "allow-backwards", false, "follow links outside the start path")
	fs.BoolVar(&f.allowExternal, "allow-external", false, "follow links to other hosts")
	fs.BoolVar(&f.discoverEverywhere, "discover-everywhere", false, "collect links from navigation and footers too")
	fs.BoolVar(&f.ignoreSitemap, "ignore-sitemap", false, "do not seed from sitemap.xml")
	fs.StringVar(&f.engine, "engine", "", "lightweight or rendering")
	fs.StringSliceVar(&f.formats, "formats", nil, "markdown, html, screenshot")
	fs.StringVar(&f.jsonl, "output", "", `JSONL output file ("-" for stdout)`)
	fs.StringVar(&f.dir, "dir", "", "write per-page artifacts under this directory")
}

// apply copies every changed flag onto cfg and revalidates it.
func (f *crawlFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("max-pages", func() { cfg.Crawl.MaxPages = f.maxPages })
	set("max-depth", func() { cfg.Crawl.MaxDepth = f.maxDepth })
	set("concurrency", func() { cfg.Crawl.Concurrency = f.concurrency })
	set("timeout", func() { cfg.Crawl.Timeout = f.timeout })
	set("include", func() { cfg.Crawl.IncludePatterns = f.include })
	set("exclude", func() { cfg.Crawl.ExcludePatterns = f.exclude })
	set("allow-backwards", func() { cfg.Crawl.AllowBackwards = f.allowBackwards })
	set("allow-external", func() { cfg.Crawl.AllowExternal = f.allowExternal })
	set("discover-everywhere", func() { cfg.Crawl.DiscoverEverywhere = f.discoverEverywhere })
	set("ignore-sitemap", func() { cfg.Crawl.IgnoreSitemap = f.ignoreSitemap })
	set("engine", func() { cfg.Crawl.Engine = f.engine })
	set("formats", func() { cfg.Crawl.Formats = f.formats })
	set("output", func() { cfg.Output.JSONL = f.jsonl })
	set("dir", func() { cfg.Output.Dir = f.dir })
	return cfg.Validate()
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl URL",
		Short: "Crawl a site starting from URL",
		Long: `Crawls the site section under URL, breadth first, within the configured
page and depth limits. Every page is delivered to the configured sinks as it
completes, followed by a summary of the crawl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.cfg
			if err := flags.apply(cmd.Flags(), &cfg); err != nil {
				return err
			}
			return runCrawl(cmd, cfg, a.logger, args[0])
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func runCrawl(cmd *cobra.Command, cfg config.Config, logger *zap.Logger, startURL string) error {
	ctx := cmd.Context()
	req, err := cfg.CrawlRequest(startURL)
	if err != nil {
		return err
	}

	c, closeCrawler, err := buildCrawler(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCrawler()

	out, closeSinks, err := buildSinks(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer closeSinks()

	stream, err := c.Crawl(ctx, req)
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	logger.Info("crawl started", zap.String("crawl_id", stream.ID()), zap.String("url", req.StartURL))

	summary, failures := sink.Drain(ctx, stream, out)
	logger.Info("crawl finished",
		zap.String("crawl_id", summary.CrawlID),
		zap.Int("discovered", summary.Discovered),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("unvisited", len(summary.Unvisited)),
		zap.Bool("cancelled", summary.Cancelled),
		zap.Int64("elapsed_ms", summary.ElapsedMs),
		zap.Int("sink_failures", failures),
	)
	return nil
}
