package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/download"
	"knowledge-base/collab-ingester/internal/eventlog"
	"knowledge-base/collab-ingester/internal/gate"
	"knowledge-base/collab-ingester/internal/metrics"
	"knowledge-base/collab-ingester/internal/monitor"
	"knowledge-base/collab-ingester/internal/source"
	"knowledge-base/collab-ingester/internal/store"
	"knowledge-base/collab-ingester/internal/trigger"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var (
		cfgPath string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "collab-ingester",
		Short: "Poll collaboration platforms into a local knowledge base",
		Long: `collab-ingester watches configured Slack channels and Drive scopes,
downloads newly appeared eligible attachments, classifies trigger text,
and appends every outcome to a local JSON event log.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, verbose)
		},
	}
	rootCmd.Flags().StringVar(&cfgPath, "config", "config.yml", "path to YAML config")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable verbose logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string, verbose bool) error {
	log.Printf("collab-ingester %s starting...", Version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Shared single-writer stores; monitors serialize through them.
	logStore := eventlog.New(cfg.EventLog)
	var catalog *store.Catalog
	if cfg.Catalog != "" {
		catalog, err = store.OpenCatalog(cfg.Catalog)
		if err != nil {
			return err
		}
		defer catalog.Close()
	}

	admission := gate.New(cfg.Download)
	dl := download.New(cfg.DownloadDir)

	if cfg.Metrics.Enable && cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, sc := range cfg.Sources {
		src, err := source.NewFromConfig(sc)
		if err != nil {
			return fmt.Errorf("build source %q: %w", sc.Type, err)
		}

		// Sources that know the monitoring identity resolve it up front;
		// an auth failure here is startup-fatal by design.
		selfID := ""
		if ident, ok := src.(interface {
			Identity(context.Context) (string, error)
		}); ok {
			selfID, err = ident.Identity(ctx)
			if err != nil {
				return fmt.Errorf("%s: authenticate: %w", src.Name(), err)
			}
		}

		classifier, err := trigger.New(cfg.Triggers, selfID)
		if err != nil {
			return fmt.Errorf("%s: triggers: %w", src.Name(), err)
		}

		mon, err := monitor.New(monitor.Config{
			Source:     src,
			Gate:       admission,
			Classifier: classifier,
			Downloader: dl,
			Log:        logStore,
			Catalog:    catalog,
			Interval:   cfg.Interval,
			Backlog:    cfg.Backlog,
			Verbose:    verbose,
		})
		if err != nil {
			return fmt.Errorf("%s: monitor: %w", src.Name(), err)
		}

		color.Green("monitoring %s (interval=%s)", src.Name(), cfg.Interval)
		g.Go(func() error { return mon.Run(ctx) })
		started++
	}
	if started == 0 {
		return fmt.Errorf("no sources started")
	}

	log.Printf("collab-ingester started: %d source(s), downloads -> %s, log -> %s",
		started, cfg.DownloadDir, cfg.EventLog)

	if err := g.Wait(); err != nil {
		color.Red("exited: %v", err)
		return err
	}
	log.Printf("collab-ingester stopped")
	return nil
}
