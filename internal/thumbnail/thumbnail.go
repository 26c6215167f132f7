// Package thumbnail renders JPEG previews of live streams from their HLS
// output and caches them on disk.
package thumbnail

import (
	"errors"
	"fmt"
	"time"

	"github.com/browsercast/castrelay/internal/config"
)

var (
	// ErrStreamNotFound is returned for ids the metadata service does not know.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrInvalidID is returned for ids that cannot name a cache directory.
	ErrInvalidID = errors.New("invalid stream id")

	// ErrInvalidSize is returned for an unknown size name.
	ErrInvalidSize = errors.New("invalid thumbnail size")

	// ErrNoMedia is returned when the stream has no playable HLS output yet.
	ErrNoMedia = errors.New("stream has no media")

	// ErrGenerate is returned when a frame could not be captured.
	ErrGenerate = errors.New("generating thumbnail")
)

// Size is a named output height.
type Size string

const (
	SizeSmall  Size = "sm"
	SizeMedium Size = "md"
	SizeLarge  Size = "lg"
)

var sizeHeights = map[Size]int{
	SizeSmall:  360,
	SizeMedium: 720,
	SizeLarge:  1080,
}

// Height returns the output height in pixels.
func (s Size) Height() int {
	return sizeHeights[s]
}

// ParseSize parses a size name. The empty string selects SizeMedium.
func ParseSize(s string) (Size, error) {
	if s == "" {
		return SizeMedium, nil
	}
	size := Size(s)
	if _, ok := sizeHeights[size]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	return size, nil
}

// Config holds thumbnail service settings.
type Config struct {
	Dir             string
	CacheTTL        time.Duration
	HLSBase         string
	Retention       time.Duration
	GenerateTimeout time.Duration
}

// ConfigFromConfig maps the thumbnail section of the application config.
func ConfigFromConfig(cfg config.ThumbnailConfig) Config {
	return Config{
		Dir:             cfg.Dir,
		CacheTTL:        cfg.CacheTTL,
		HLSBase:         cfg.HLSBase,
		Retention:       cfg.Retention,
		GenerateTimeout: cfg.GenerateTimeout,
	}
}
