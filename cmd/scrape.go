package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
)

type scrapeFlags struct {
	engine          string
	formats         []string
	escalate        bool
	onlyMainContent bool
	waitFor         time.Duration
	jsonl           string
	dir             string
}

func (f *scrapeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.engine, "engine", "", "lightweight or rendering")
	fs.StringSliceVar(&f.formats, "formats", nil, "markdown, html, screenshot")
	fs.BoolVar(&f.escalate, "escalate", true, "re-fetch thin pages with the rendering engine")
	fs.BoolVar(&f.onlyMainContent, "only-main-content", true, "drop navigation, headers and footers")
	fs.DurationVar(&f.waitFor, "wait-for", 0, "extra settle time before capturing a rendered page")
	fs.StringVar(&f.jsonl, "output", "", `JSONL output file ("-" for stdout)`)
	fs.StringVar(&f.dir, "dir", "", "write per-page artifacts under this directory")
}

func (f *scrapeFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("engine") {
		cfg.Crawl.Engine = f.engine
	}
	if fs.Changed("formats") {
		cfg.Crawl.Formats = f.formats
	}
	if fs.Changed("escalate") {
		cfg.Crawl.Escalate = f.escalate
	}
	if fs.Changed("only-main-content") {
		cfg.Crawl.OnlyMainContent = f.onlyMainContent
	}
	if fs.Changed("wait-for") {
		cfg.Crawl.WaitFor = f.waitFor
	}
	if fs.Changed("output") {
		cfg.Output.JSONL = f.jsonl
	}
	if fs.Changed("dir") {
		cfg.Output.Dir = f.dir
	}
	return cfg.Validate()
}

// newScrapeCmd creates the 'scrape' subcommand.
func newScrapeCmd() *cobra.Command {
	flags := &scrapeFlags{}
	cmd := &cobra.Command{
		Use:   "scrape URL...",
		Short: "Fetch single pages without following links",
		Long: `Fetches each URL once and converts it to markdown. Results are written
to stdout as JSON lines unless another output is configured.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.cfg
			if err := flags.apply(cmd.Flags(), &cfg); err != nil {
				return err
			}
			return runScrape(cmd.Context(), cfg, a.logger, args)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func runScrape(ctx context.Context, cfg config.Config, logger *zap.Logger, urls []string) error {
	opts, err := cfg.ScrapeOptions()
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

	results := c.ScrapeMany(ctx, urls, opts)
	failed := 0
	for _, result := range results {
		if !result.Success() {
			failed++
		}
		_ = out.Write(context.WithoutCancel(ctx), result)
	}
	logger.Info("scrape finished", zap.Int("pages", len(results)), zap.Int("failed", failed))
	return nil
}
