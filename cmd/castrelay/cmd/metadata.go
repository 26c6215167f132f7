package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/browsercast/castrelay/internal/config"
	"github.com/browsercast/castrelay/internal/database"
	internalhttp "github.com/browsercast/castrelay/internal/http"
	"github.com/browsercast/castrelay/internal/http/handlers"
	"github.com/browsercast/castrelay/internal/observability"
	"github.com/browsercast/castrelay/internal/repository"
	streamsvc "github.com/browsercast/castrelay/internal/service"
	"github.com/browsercast/castrelay/internal/version"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Run the stream metadata service",
	Long: `Run the service that owns stream records and publish authorization.

Routes:
- POST /streams, GET /streams, GET /streams/{streamKey}
- POST /rtmp-auth and /stream_end (RTMP server and relay callbacks)
- GET /health and /livez
- OpenAPI documentation at /docs`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServices(cmd.Context(), newMetadataService)
	},
}

func init() {
	rootCmd.AddCommand(metadataCmd)

	metadataCmd.Flags().Int("port", 3001, "Port to listen on")
	metadataCmd.Flags().String("database-driver", "sqlite", "Database driver (sqlite, postgres, mysql)")
	metadataCmd.Flags().String("database", "castrelay.db", "Database DSN or SQLite file path")

	mustBindPFlag("metadata.port", metadataCmd.Flags().Lookup("port"))
	mustBindPFlag("database.driver", metadataCmd.Flags().Lookup("database-driver"))
	mustBindPFlag("database.dsn", metadataCmd.Flags().Lookup("database"))
}

func newMetadataService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	logger = observability.WithComponent(logger, "metadata")

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	streamService := streamsvc.NewStreamService(repository.NewStreamRepository(db.DB)).WithLogger(logger)

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server, cfg.Metadata.Port), logger, "castrelay metadata", version.Short())
	handlers.NewHealthHandler(version.Short()).
		WithDB(db.DB).
		Register(server.API())
	streams := handlers.NewStreamHandler(streamService).WithLogger(logger)
	streams.Register(server.API())
	streams.RegisterChiRoutes(server.Router())

	return &service{
		name:   "metadata",
		server: server,
		stop: func(context.Context) error {
			return db.Close()
		},
	}, nil
}
