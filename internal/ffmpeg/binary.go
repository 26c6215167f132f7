// Package ffmpeg locates the ffmpeg binary, builds its command lines and
// supervises long-running ingest processes.
package ffmpeg

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// BinaryEnvVar overrides ffmpeg discovery when no path is configured.
const BinaryEnvVar = "CASTRELAY_FFMPEG_BINARY"

// ErrBinaryNotFound is returned when no usable ffmpeg binary exists.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

// ResolveBinary returns the ffmpeg binary to run.
// Search order:
//  1. configured path (from ffmpeg.binary_path)
//  2. CASTRELAY_FFMPEG_BINARY
//  3. ./ffmpeg
//  4. ffmpeg on PATH
//
// A configured path that is not executable is an error rather than a fallthrough.
func ResolveBinary(configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s is not executable", ErrBinaryNotFound, configured)
	}

	if envPath := os.Getenv(BinaryEnvVar); envPath != "" && isExecutable(envPath) {
		return envPath, nil
	}

	if isExecutable("./ffmpeg") {
		return "./ffmpeg", nil
	}

	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}

	return "", ErrBinaryNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
