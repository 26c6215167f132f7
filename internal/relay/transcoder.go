package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/browsercast/castrelay/internal/ffmpeg"
	"github.com/browsercast/castrelay/internal/observability"
)

// TargetURL is the RTMP publish URL for a stream. The secret rides in the
// application part so the RTMP server forwards it to the auth callback.
func TargetURL(rtmpBase, app, streamID, secret string) string {
	return fmt.Sprintf("%s/%s?password=%s/%s",
		strings.TrimRight(rtmpBase, "/"), app, url.QueryEscape(secret), streamID)
}

// TCURL is the tcUrl the RTMP server reports to the auth callback for a
// stream published with TargetURL.
func TCURL(rtmpBase, app, secret string) string {
	return fmt.Sprintf("%s/%s?password=%s",
		strings.TrimRight(rtmpBase, "/"), app, url.QueryEscape(secret))
}

// FFmpegSpawner starts one ffmpeg ingest per stream.
type FFmpegSpawner struct {
	Binary   string
	Options  ffmpeg.IngestOptions
	RTMPBase string
	RTMPApp  string
	Logger   *slog.Logger
}

// Spawn starts ffmpeg publishing to the stream's RTMP target.
func (f *FFmpegSpawner) Spawn(ctx context.Context, streamID, secret string) (Process, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(observability.WithStreamID(logger, streamID), "ffmpeg")

	cmd := ffmpeg.NewIngestCommand(f.Binary, f.Options, TargetURL(f.RTMPBase, f.RTMPApp, streamID, secret))
	proc, err := ffmpeg.StartIngest(ctx, cmd, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	return proc, nil
}
