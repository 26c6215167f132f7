package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/browsercast/castrelay/internal/config"
	internalhttp "github.com/browsercast/castrelay/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every castrelay service in one process",
	Long: `Run the relay, metadata, chat and thumbnail services together.

Each service listens on its own port (relay.port, metadata.port, chat.port,
thumbnail.port). Use the individual subcommands to run them separately.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// service is one HTTP listener plus the resources that outlive its requests.
type service struct {
	name   string
	server *internalhttp.Server
	// start runs before the listener opens.
	start func(ctx context.Context) error
	// stop runs after the listener has shut down.
	stop func(ctx context.Context) error
}

// serviceBuilder constructs a service from the loaded configuration.
type serviceBuilder func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error)

func runServe(cmd *cobra.Command, _ []string) error {
	return runServices(cmd.Context(), newMetadataService, newRelayService, newChatService, newThumbnailService)
}

// runServices builds the services, serves them until SIGINT or SIGTERM and
// then shuts them down in reverse order.
func runServices(parent context.Context, builders ...serviceBuilder) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	services := make([]*service, 0, len(builders))
	defer func() {
		shutdownServices(services, cfg.Server.ShutdownTimeout, logger)
	}()

	for _, build := range builders {
		svc, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		services = append(services, svc)
		if svc.start != nil {
			if err := svc.start(ctx); err != nil {
				return fmt.Errorf("starting %s: %w", svc.name, err)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			if err := svc.server.ListenAndServe(gctx); err != nil {
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			return nil
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}
	return err
}

func shutdownServices(services []*service, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if svc.stop == nil {
			continue
		}
		if err := svc.stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("service shutdown failed",
				slog.String("service", svc.name),
				slog.String("error", err.Error()),
			)
		}
	}
	logger.Info("castrelay stopped")
}
