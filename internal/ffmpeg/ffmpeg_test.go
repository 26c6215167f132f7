package ffmpeg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsercast/castrelay/internal/config"
)

// skipIfNoShell skips the test if sh is not installed.
func skipIfNoShell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not installed")
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shellCommand(sh, script string) *Command {
	return &Command{Binary: sh, Args: []string{"-c", script}}
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		LogLevel("warning").
		HideBanner().
		Overwrite().
		InputArgs("-re").
		Input("in.webm").
		VideoFilter("thumbnail").
		VideoFilter("scale=-1:1080").
		OutputArgs("-vframes", "1").
		Output("out.jpg").
		Build()

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Equal(t, []string{
		"-loglevel", "warning", "-hide_banner", "-y",
		"-re", "-i", "in.webm",
		"-vf", "thumbnail,scale=-1:1080",
		"-vframes", "1",
		"out.jpg",
	}, cmd.Args)
	assert.True(t, strings.HasPrefix(cmd.String(), "/usr/bin/ffmpeg -loglevel warning"))
}

func TestNewIngestCommand(t *testing.T) {
	target := "rtmp://nginx-rtmp:1935/live?password=pw/stream1"
	cmd := NewIngestCommand("ffmpeg", DefaultIngestOptions(), target)

	line := strings.Join(cmd.Args, " ")
	assert.Contains(t, line, "-fflags +nobuffer -flags low_delay -f webm -i pipe:0")
	assert.Contains(t, line, "-c:v libx264 -preset faster -tune zerolatency -profile:v high -crf 18 -threads 8")
	assert.Contains(t, line, "-keyint_min 60 -force_key_frames expr:gte(t,n_forced*2)")
	assert.Contains(t, line, "-c:a aac -b:a 192k -ar 48000 -ac 2 -f flv")
	assert.Equal(t, target, cmd.Args[len(cmd.Args)-1])
}

func TestIngestOptionsFromConfig(t *testing.T) {
	opts := IngestOptionsFromConfig(config.FFmpegConfig{
		LogLevel: "info", Preset: "veryfast", CRF: 23, Threads: 2, KeyframeInterval: 4,
	})
	cmd := NewIngestCommand("ffmpeg", opts, "rtmp://x/live/s")
	line := strings.Join(cmd.Args, " ")

	assert.Contains(t, line, "-loglevel info")
	assert.Contains(t, line, "-preset veryfast")
	assert.Contains(t, line, "-crf 23")
	assert.Contains(t, line, "n_forced*4")
}

func TestResolveBinary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	t.Run("configured path wins", func(t *testing.T) {
		path, err := ResolveBinary(bin)
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("configured path must be executable", func(t *testing.T) {
		plain := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
		_, err := ResolveBinary(plain)
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("env var is used when nothing configured", func(t *testing.T) {
		t.Setenv(BinaryEnvVar, bin)
		path, err := ResolveBinary("")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})
}

func TestCommand_Run(t *testing.T) {
	sh := skipIfNoShell(t)

	require.NoError(t, shellCommand(sh, "exit 0").Run(context.Background()))

	err := shellCommand(sh, "echo 'No such file' >&2; exit 3").Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file")
}

func TestIngestProcess_WriteAndTerminate(t *testing.T) {
	sh := skipIfNoShell(t)
	out := filepath.Join(t.TempDir(), "out.bin")

	proc, err := StartIngest(context.Background(), shellCommand(sh, "cat > "+out), discardLogger())
	require.NoError(t, err)

	for _, chunk := range []string{"one,", "two,", "three"} {
		_, err := proc.Write([]byte(chunk))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(len("one,two,three")), proc.BytesWritten())
	assert.Greater(t, proc.PID(), 0)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "one,two,three"
	}, 5*time.Second, 10*time.Millisecond)

	proc.Terminate(time.Second)
	proc.Terminate(time.Second)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestIngestProcess_KillAfterGrace(t *testing.T) {
	sh := skipIfNoShell(t)

	script := `trap '' TERM; echo ready >&2; while :; do sleep 0.05; done`
	proc, err := StartIngest(context.Background(), shellCommand(sh, script), discardLogger())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return slices.Contains(proc.StderrTail(), "ready")
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	proc.Terminate(200 * time.Millisecond)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL escalation")
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Error(t, proc.Err())
}

func TestIngestProcess_OversizedStderrLineKeepsDraining(t *testing.T) {
	sh := skipIfNoShell(t)

	// A 2 MiB line with no newline overflows the scanner; the writes after it
	// only complete if stderr is still being read.
	script := `head -c 2097152 /dev/zero | tr '\0' x >&2; head -c 262144 /dev/zero | tr '\0' y >&2; exit 0`
	proc, err := StartIngest(context.Background(), shellCommand(sh, script), discardLogger())
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process blocked writing stderr")
	}
	assert.NoError(t, proc.Err())

	proc.Terminate(time.Second)
}

func TestIngestProcess_ExitIsObservable(t *testing.T) {
	sh := skipIfNoShell(t)

	proc, err := StartIngest(context.Background(), shellCommand(sh, "echo 'Error opening output' >&2; exit 1"), discardLogger())
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	assert.Error(t, proc.Err())
	assert.Contains(t, proc.StderrTail(), "Error opening output")

	proc.Terminate(time.Second)
}

func TestStartIngest_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := StartIngest(ctx, &Command{Binary: "ffmpeg"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSampleProcess(t *testing.T) {
	stats, err := SampleProcess(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.Greater(t, stats.MemoryRSSBytes, uint64(0))
}
