// Package cmd defines the CLI commands of the campuscrawler executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/clock/system"
	"github.com/campusarchive/crawler/internal/config"
	"github.com/campusarchive/crawler/internal/dispatcher"
	"github.com/campusarchive/crawler/internal/filestore"
	"github.com/campusarchive/crawler/internal/ingest"
	"github.com/campusarchive/crawler/internal/logging"
	"github.com/campusarchive/crawler/internal/parse"
	"github.com/campusarchive/crawler/internal/portal"
	"github.com/campusarchive/crawler/internal/ratelimit"
	"github.com/campusarchive/crawler/internal/resolve"
	"github.com/campusarchive/crawler/internal/session"
	"github.com/campusarchive/crawler/internal/store"
	"github.com/campusarchive/crawler/internal/store/memory"
	"github.com/campusarchive/crawler/internal/store/postgres"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campuscrawler",
		Short: "Resilient crawler for a legacy academic portal",
		Long: `campuscrawler logs into a session-authenticated academic portal,
traverses its navigation graph and reconciles the scraped pages into a
relational archive of departments, courses, classes, enrollments,
buildings and attachments. Interrupted passes resume from their last
checkpoint.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "campuscrawler: %v\n", err)
		os.Exit(1)
	}
}

// pipeline bundles the wired service graph behind the commands.
type pipeline struct {
	cfg         config.Config
	logger      *zap.Logger
	store       store.Store
	coordinator *ingest.Coordinator
}

// buildPipeline wires config into the full crawl stack: session manager,
// dispatcher, parser registry, resolver, blob store and coordinator.
func buildPipeline(ctx context.Context) (*pipeline, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	clock := system.New()
	urls := portal.URLs{Root: cfg.Portal.RootURL, Institution: cfg.Portal.Institution}

	sessions, err := session.New(session.Config{
		LoginURL:         urls.Login(),
		Username:         cfg.Auth.Username,
		Password:         cfg.Auth.Password,
		UserAgent:        cfg.Portal.UserAgent,
		MaxLoginAttempts: cfg.Auth.MaxLoginAttempts,
		TTL:              cfg.SessionTTL(),
		Timeout:          cfg.HTTPTimeout(),
	}, clock, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("init session manager: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSec: cfg.Crawl.RequestsPerSec,
		Burst:          cfg.Crawl.Burst,
	})
	policy := portal.RetryPolicy{
		MaxAttempts: cfg.Crawl.MaxRetries,
		BaseDelay:   cfg.BackoffInitial(),
		MaxDelay:    cfg.BackoffMax(),
	}
	fetcher := dispatcher.New(urls, limiter, sessions, policy, clock, logger.Named("dispatch"))

	var st store.Store
	if cfg.DB.DSN != "" {
		st, err = postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		}, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	} else {
		logger.Warn("db.dsn not set, using in-memory store")
		st = memory.New()
	}

	blobs, err := filestore.New(cfg.Files.BaseDir, st, logger.Named("files"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init file store: %w", err)
	}

	resolver := resolve.New(st, logger.Named("resolve"))
	registry := parse.NewRegistry(logger.Named("parse"))
	coordinator := ingest.New(fetcher, registry, resolver, blobs, st, clock, logger.Named("ingest"))

	return &pipeline{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		coordinator: coordinator,
	}, nil
}

func (p *pipeline) passConfig() ingest.Config {
	return ingest.Config{
		Workers:         p.cfg.Crawl.Workers,
		CommitBatchSize: p.cfg.Crawl.CommitBatchSize,
		FailurePasses:   p.cfg.Crawl.FailurePasses,
		QueueDepth:      p.cfg.Crawl.QueueDepth,
		FirstYear:       p.cfg.Portal.FirstYear,
		LastYear:        p.cfg.Portal.LastYear,
		FailedPageDir:   p.cfg.Files.FailedPageDir,
	}
}

func (p *pipeline) close() {
	p.store.Close()
	_ = p.logger.Sync()
}
