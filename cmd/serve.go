package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/api"
)

// newServeCmd creates the 'serve' subcommand: the control API plus the
// Prometheus endpoint, with passes launched over HTTP.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API server",
		Long: `Starts the HTTP control surface: pass lifecycle under /v1/passes,
entity lookup under /v1/entities and Prometheus metrics on /metrics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	// Passes launched through the API outlive the launching request but
	// stop with the server.
	passCtx, cancelPasses := context.WithCancel(context.Background())
	defer cancelPasses()

	apiServer := api.NewServer(passCtx, p.coordinator, p.store, p.passConfig(), p.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", p.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("control api started", zap.Int("port", p.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	p.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		p.logger.Error("server shutdown error", zap.Error(err))
	}
	p.logger.Info("shutdown complete")
	return nil
}
