package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/browsercast/castrelay/internal/httpclient"
	"github.com/browsercast/castrelay/internal/metadata"
	"github.com/browsercast/castrelay/internal/relay"
)

const (
	largeFile       = "large_temp.jpg"
	grabFile        = "grab.jpg"
	maxPlaylistSize = 1 << 20
)

// StreamLookup reports whether a stream exists. *metadata.Client
// implements it.
type StreamLookup interface {
	Stream(ctx context.Context, streamKey string) (*metadata.StreamInfo, error)
}

// Service produces cached thumbnails. Concurrent requests for the same
// stream share one frame capture.
type Service struct {
	cfg     Config
	streams StreamLookup
	grabber FrameGrabber
	http    *httpclient.Client
	logger  *slog.Logger
	group   singleflight.Group
	now     func() time.Time
}

// NewService creates a thumbnail service.
func NewService(cfg Config, streams StreamLookup, grabber FrameGrabber, hc *httpclient.Client) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 20 * time.Second
	}
	if hc == nil {
		hc = httpclient.New(httpclient.DefaultConfig())
	}
	return &Service{
		cfg:     cfg,
		streams: streams,
		grabber: grabber,
		http:    hc,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets the logger for the service.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Get returns the JPEG thumbnail of streamID at size.
func (s *Service) Get(ctx context.Context, streamID string, size Size) ([]byte, error) {
	if !relay.ValidateStreamID(streamID) {
		return nil, ErrInvalidID
	}
	if size.Height() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}

	if _, err := s.streams.Stream(ctx, streamID); err != nil {
		if errors.Is(err, metadata.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("checking stream: %w", err)
	}

	dir := filepath.Join(s.cfg.Dir, streamID)
	large, err, _ := s.group.Do(streamID, func() (any, error) {
		return s.ensureLarge(streamID, dir)
	})
	if err != nil {
		return nil, err
	}

	sized := filepath.Join(dir, string(size)+".jpg")
	_, err, _ = s.group.Do(streamID+"/"+string(size), func() (any, error) {
		if s.fresh(sized) {
			return nil, nil
		}
		if err := resizeJPEG(large.(string), sized, size.Height()); err != nil {
			return nil, fmt.Errorf("resizing thumbnail: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	return os.ReadFile(sized)
}

// ensureLarge returns the path of a fresh full size frame, capturing one if
// needed. Capture runs detached from any single request so a cancelled
// caller does not fail the others sharing it.
func (s *Service) ensureLarge(streamID, dir string) (string, error) {
	large := filepath.Join(dir, largeFile)
	if s.fresh(large) {
		return large, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GenerateTimeout)
	defer cancel()

	src := s.playlistURL(streamID)
	if err := s.checkPlaylist(ctx, src); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	start := s.now()
	grab := filepath.Join(dir, grabFile)
	if err := s.grabber.Grab(ctx, src, grab); err != nil {
		os.RemoveAll(dir)
		s.logger.Warn("thumbnail capture failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %w", ErrGenerate, err)
	}
	if err := os.Rename(grab, large); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("%w: %w", ErrGenerate, err)
	}

	s.logger.Info("thumbnail captured",
		slog.String("stream_id", streamID),
		slog.Duration("duration", s.now().Sub(start)),
	)
	return large, nil
}

func (s *Service) playlistURL(streamID string) string {
	return strings.TrimRight(s.cfg.HLSBase, "/") + "/" + url.PathEscape(streamID) + "/index.m3u8"
}

// checkPlaylist makes sure the stream's HLS output exists and lists media
// before ffmpeg is started on it.
func (s *Service) checkPlaylist(ctx context.Context, src string) error {
	resp, err := s.http.Get(ctx, src)
	if err != nil {
		return fmt.Errorf("%w: fetching playlist: %w", ErrNoMedia, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: playlist returned %d", ErrNoMedia, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return fmt.Errorf("%w: reading playlist: %w", ErrNoMedia, err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("%w: parsing playlist: %w", ErrNoMedia, err)
	}
	switch p := pl.(type) {
	case *playlist.Media:
		if len(p.Segments) == 0 {
			return fmt.Errorf("%w: playlist has no segments", ErrNoMedia)
		}
	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return fmt.Errorf("%w: playlist has no variants", ErrNoMedia)
		}
	}
	return nil
}

func (s *Service) fresh(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return s.now().Sub(info.ModTime()) < s.cfg.CacheTTL
}

// Prune removes cache directories not modified within the retention
// window.
func (s *Service) Prune(ctx context.Context) error {
	if s.cfg.Retention <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading cache dir: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.Retention)
	var removed int
	var freed int64
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.cfg.Dir, e.Name())
		newest, size := dirStats(dir)
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("removing thumbnail cache failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		freed += size
	}

	if removed > 0 {
		s.logger.Info("pruned thumbnail cache",
			slog.Int("streams", removed),
			slog.String("freed", humanize.Bytes(uint64(freed))),
		)
	}
	return nil
}

// dirStats returns the newest modification time and total size of the
// files directly inside dir.
func dirStats(dir string) (time.Time, int64) {
	var newest time.Time
	var size int64
	if info, err := os.Stat(dir); err == nil {
		newest = info.ModTime()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest, 0
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		size += info.Size()
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, size
}
