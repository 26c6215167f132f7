package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/browsercast/castrelay/internal/config"
	"github.com/browsercast/castrelay/internal/ffmpeg"
	internalhttp "github.com/browsercast/castrelay/internal/http"
	"github.com/browsercast/castrelay/internal/http/handlers"
	"github.com/browsercast/castrelay/internal/httpclient"
	"github.com/browsercast/castrelay/internal/metadata"
	"github.com/browsercast/castrelay/internal/observability"
	"github.com/browsercast/castrelay/internal/relay"
	"github.com/browsercast/castrelay/internal/version"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the WebSocket to RTMP relay",
	Long: `Accept browser encoders on ws://host:port/<streamId>?password=<secret>.

Every authorized stream gets its own ffmpeg process that reads WebM from the
socket and publishes FLV to the RTMP server. The listener also serves:
- GET /health and /livez
- GET /api/v1/sessions and DELETE /api/v1/sessions/{streamID}
- OpenAPI documentation at /docs`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServices(cmd.Context(), newRelayService)
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().Int("port", 3000, "Port to listen on")
	relayCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default: auto-detect)")
	relayCmd.Flags().String("rtmp-base", "rtmp://nginx-rtmp:1935", "RTMP server base URL")
	relayCmd.Flags().String("metadata-url", "http://main-backend:3001", "Metadata service base URL")

	mustBindPFlag("relay.port", relayCmd.Flags().Lookup("port"))
	mustBindPFlag("ffmpeg.binary_path", relayCmd.Flags().Lookup("ffmpeg"))
	mustBindPFlag("relay.rtmp_base", relayCmd.Flags().Lookup("rtmp-base"))
	mustBindPFlag("relay.metadata_url", relayCmd.Flags().Lookup("metadata-url"))
}

func newRelayService(_ context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	logger = observability.WithComponent(logger, "relay")

	binary, err := ffmpeg.ResolveBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("resolving ffmpeg: %w", err)
	}
	logger.Info("using ffmpeg", slog.String("path", binary))

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Logger = logger
	authorizer := metadata.NewClient(cfg.Relay.MetadataURL, cfg.Relay.RTMPBase, cfg.Relay.RTMPApp, httpclient.New(httpCfg))

	spawner := &relay.FFmpegSpawner{
		Binary:   binary,
		Options:  ffmpeg.IngestOptionsFromConfig(cfg.FFmpeg),
		RTMPBase: cfg.Relay.RTMPBase,
		RTMPApp:  cfg.Relay.RTMPApp,
		Logger:   logger,
	}
	manager := relay.NewManager(relay.ManagerConfigFromConfig(cfg.Relay), spawner, authorizer, logger)

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server, cfg.Relay.Port), logger, "castrelay relay", version.Short())
	handlers.NewHealthHandler(version.Short()).
		WithSessionCounter(manager.Len).
		Register(server.API())
	handlers.NewSessionHandler(manager).
		WithLogger(logger).
		Register(server.API())
	handlers.NewIngestHandler(manager, cfg.Relay.MaxFrameSize.Bytes()).
		WithLogger(logger).
		RegisterChiRoutes(server.Router())

	logger.Info("relay configured",
		slog.String("rtmp_base", cfg.Relay.RTMPBase),
		slog.String("metadata_url", cfg.Relay.MetadataURL),
		slog.Int("max_sessions", cfg.Relay.MaxSessions),
		slog.String("max_frame_size", cfg.Relay.MaxFrameSize.String()),
	)

	return &service{
		name:   "relay",
		server: server,
		stop:   manager.Shutdown,
	}, nil
}
