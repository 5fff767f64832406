// Package cmd defines and implements the CLI commands for the sitecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/telemetry"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

// appKeyType is the key for storing the app in the command context.
type appKeyType string

const appKey appKeyType = "app"

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	tracing *telemetry.Provider
}

// newRootCmd creates and configures the root command. a is filled in once
// configuration is loaded so the caller can release it after the command runs.
func newRootCmd(a *app) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Crawl a website and turn its pages into markdown.",
		Long: `sitecrawler fetches a single page or an entire site section, converts
each page to clean markdown and reports the outgoing links. Pages are fetched
over plain HTTP and escalated to a headless browser when the HTTP response is
too thin to be useful.`,
		SilenceUsage: true,

		// Loads configuration and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			a.cfg, a.logger = cfg, logger
			if cfg.Tracing.Enabled {
				a.tracing, err = telemetry.Init(cmd.Context(), telemetry.Config{
					ServiceName: config.AppName,
					Version:     Version,
					ProjectID:   cfg.Tracing.ProjectID,
					SampleRatio: cfg.Tracing.SampleRatio,
				})
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s/config.yaml, then ./config.yaml)", config.Dir()))

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// close flushes pending spans and the logger. It runs whether or not the
// command succeeded.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil && a.logger != nil {
		a.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// execute runs root and then releases what its pre-run hook set up.
func execute(ctx context.Context, root *cobra.Command, a *app) error {
	defer a.close(ctx)
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	if err := execute(ctx, newRootCmd(a), a); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
