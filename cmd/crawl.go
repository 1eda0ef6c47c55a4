package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/ingest"
)

// newCrawlCmd creates the 'crawl' subcommand: one full pass over the
// configured year range, resumable later if interrupted.
func newCrawlCmd() *cobra.Command {
	var firstYear, lastYear int
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl pass over the portal",
		Long: `Seeds the frontier from the configured year range, traverses the
portal's navigation graph and commits reconciled entities in batches.
SIGINT drains in-flight work and flushes a final checkpoint; the printed
pass id can be handed to 'resume' afterwards.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPass(cmd.Context(), func(ctx context.Context, p *pipeline) (*ingest.PassHandle, error) {
				cfg := p.passConfig()
				if firstYear > 0 {
					cfg.FirstYear = firstYear
				}
				if lastYear > 0 {
					cfg.LastYear = lastYear
				}
				return p.coordinator.Start(ctx, cfg)
			})
		},
	}
	cmd.Flags().IntVar(&firstYear, "first-year", 0, "override the first academic year to crawl")
	cmd.Flags().IntVar(&lastYear, "last-year", 0, "override the last academic year to crawl")
	return cmd
}

// newResumeCmd creates the 'resume' subcommand.
func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <pass-id>",
		Short: "Resume a checkpointed crawl pass",
		Long: `Loads the checkpoint of an earlier pass and continues it. Targets
already recorded as completed are skipped; the rest of the frontier is
rebuilt from the seeds and rediscovered along the way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd.Context(), func(ctx context.Context, p *pipeline) (*ingest.PassHandle, error) {
				return p.coordinator.Resume(ctx, p.passConfig(), args[0])
			})
		},
	}
	return cmd
}

// runPass wires the pipeline, launches a pass and blocks until it
// settles or a signal asks it to stop.
func runPass(ctx context.Context, launch func(context.Context, *pipeline) (*ingest.PassHandle, error)) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	// The pass owns its own context so signal handling stays cooperative:
	// cancellation drains workers and flushes the final checkpoint.
	handle, err := launch(context.Background(), p)
	if err != nil {
		return err
	}
	p.logger.Info("pass running", zap.String("pass", handle.ID()))

	select {
	case <-ctx.Done():
		p.logger.Info("stop requested, draining", zap.String("pass", handle.ID()))
		handle.Stop()
		<-handle.Done()
	case <-handle.Done():
	}

	status := handle.Status()
	p.logger.Info("pass finished",
		zap.String("pass", status.ID),
		zap.String("state", string(status.State)),
		zap.Int("completed", status.Completed),
		zap.Int("failures", len(status.Failures)))
	if err := handle.Err(); err != nil {
		return fmt.Errorf("pass %s failed: %w", status.ID, err)
	}
	return nil
}
