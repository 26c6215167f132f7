package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/browsercast/castrelay/internal/config"
	"github.com/browsercast/castrelay/internal/ffmpeg"
	internalhttp "github.com/browsercast/castrelay/internal/http"
	"github.com/browsercast/castrelay/internal/http/handlers"
	"github.com/browsercast/castrelay/internal/httpclient"
	"github.com/browsercast/castrelay/internal/metadata"
	"github.com/browsercast/castrelay/internal/observability"
	"github.com/browsercast/castrelay/internal/scheduler"
	"github.com/browsercast/castrelay/internal/thumbnail"
	"github.com/browsercast/castrelay/internal/version"
)

const pruneJob = "thumbnail-prune"

var thumbnailCmd = &cobra.Command{
	Use:   "thumbnail",
	Short: "Run the stream thumbnail service",
	Long: `Serve JPEG previews of live streams at GET /api/thumbnail?id=<key>&size=sm|md|lg.

Frames are captured from the stream's HLS playlist with ffmpeg, cached on
disk for thumbnail.cache_ttl and pruned on thumbnail.prune_schedule.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServices(cmd.Context(), newThumbnailService)
	},
}

func init() {
	rootCmd.AddCommand(thumbnailCmd)

	thumbnailCmd.Flags().Int("port", 3003, "Port to listen on")
	thumbnailCmd.Flags().String("dir", "./thumbnails", "Directory for cached thumbnails")
	thumbnailCmd.Flags().String("hls-base", "http://nginx-rtmp/hls", "Base URL of the HLS playlists")

	mustBindPFlag("thumbnail.port", thumbnailCmd.Flags().Lookup("port"))
	mustBindPFlag("thumbnail.dir", thumbnailCmd.Flags().Lookup("dir"))
	mustBindPFlag("thumbnail.hls_base", thumbnailCmd.Flags().Lookup("hls-base"))
}

func newThumbnailService(_ context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	logger = observability.WithComponent(logger, "thumbnail")

	binary, err := ffmpeg.ResolveBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("resolving ffmpeg: %w", err)
	}
	if err := os.MkdirAll(cfg.Thumbnail.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating thumbnail directory: %w", err)
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Logger = logger
	hc := httpclient.New(httpCfg)

	streams := metadata.NewClient(cfg.Thumbnail.MetadataURL, cfg.Relay.RTMPBase, cfg.Relay.RTMPApp, hc)
	thumbs := thumbnail.NewService(thumbnail.ConfigFromConfig(cfg.Thumbnail), streams, &thumbnail.FFmpegGrabber{Binary: binary}, hc).
		WithLogger(logger)

	sched := scheduler.NewScheduler().WithLogger(logger)
	if err := sched.Register(pruneJob, cfg.Thumbnail.PruneSchedule, thumbs.Prune); err != nil {
		return nil, fmt.Errorf("scheduling thumbnail prune: %w", err)
	}

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server, cfg.Thumbnail.Port), logger, "castrelay thumbnail", version.Short())
	handlers.NewHealthHandler(version.Short()).Register(server.API())
	handlers.NewThumbnailHandler(thumbs).WithLogger(logger).Register(server.API())

	return &service{
		name:   "thumbnail",
		server: server,
		start: func(ctx context.Context) error {
			if err := sched.Start(ctx); err != nil {
				return err
			}
			// Clear out anything left behind by a previous run.
			if err := sched.RunNow(ctx, pruneJob); err != nil {
				logger.Warn("startup thumbnail prune failed", slog.String("error", err.Error()))
			}
			return nil
		},
		stop: func(context.Context) error {
			sched.Stop()
			return nil
		},
	}, nil
}
