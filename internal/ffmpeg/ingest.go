package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/browsercast/castrelay/internal/config"
)

// stderrTailLines is how many recent stderr lines an ingest process keeps.
const stderrTailLines = 100

// stderrMaxLine bounds a single buffered stderr line.
const stderrMaxLine = 1024 * 1024

// IngestOptions are the encoding settings for a WebM to FLV ingest.
type IngestOptions struct {
	LogLevel         string
	Preset           string
	Tune             string
	Profile          string
	CRF              int
	Threads          int
	KeyframeMin      int
	KeyframeInterval int
	AudioBitrate     string
	AudioSampleRate  int
	AudioChannels    int
}

// IngestOptionsFromConfig maps the ffmpeg config section onto IngestOptions.
func IngestOptionsFromConfig(cfg config.FFmpegConfig) IngestOptions {
	return IngestOptions{
		LogLevel:         cfg.LogLevel,
		Preset:           cfg.Preset,
		Tune:             cfg.Tune,
		Profile:          cfg.Profile,
		CRF:              cfg.CRF,
		Threads:          cfg.Threads,
		KeyframeMin:      cfg.KeyframeMin,
		KeyframeInterval: cfg.KeyframeInterval,
		AudioBitrate:     cfg.AudioBitrate,
		AudioSampleRate:  cfg.AudioSampleRate,
		AudioChannels:    cfg.AudioChannels,
	}
}

// DefaultIngestOptions returns the low-latency x264/AAC settings.
func DefaultIngestOptions() IngestOptions {
	return IngestOptions{
		LogLevel:         "error",
		Preset:           "faster",
		Tune:             "zerolatency",
		Profile:          "high",
		CRF:              18,
		Threads:          8,
		KeyframeMin:      60,
		KeyframeInterval: 2,
		AudioBitrate:     "192k",
		AudioSampleRate:  48000,
		AudioChannels:    2,
	}
}

// NewIngestCommand builds the command that reads WebM on stdin and pushes
// H.264/AAC in FLV to target.
func NewIngestCommand(binary string, opts IngestOptions, target string) *Command {
	return NewCommandBuilder(binary).
		LogLevel(opts.LogLevel).
		HideBanner().
		InputArgs("-fflags", "+nobuffer", "-flags", "low_delay", "-f", "webm").
		Input("pipe:0").
		VideoCodec("libx264").
		OutputArgs(
			"-preset", opts.Preset,
			"-tune", opts.Tune,
			"-profile:v", opts.Profile,
			"-crf", strconv.Itoa(opts.CRF),
			"-threads", strconv.Itoa(opts.Threads),
			"-keyint_min", strconv.Itoa(opts.KeyframeMin),
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", opts.KeyframeInterval),
		).
		AudioCodec("aac").
		OutputArgs(
			"-b:a", opts.AudioBitrate,
			"-ar", strconv.Itoa(opts.AudioSampleRate),
			"-ac", strconv.Itoa(opts.AudioChannels),
			"-f", "flv",
		).
		Output(target).
		Build()
}

// IngestProcess is a running ffmpeg fed through its stdin.
type IngestProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	started      time.Time
	bytesWritten atomic.Int64

	done     chan struct{}
	err      error
	termOnce sync.Once

	stderrMu    sync.Mutex
	stderrLines []string
}

// StartIngest launches c with piped stdin and stderr. The process is not tied
// to ctx once started; stop it with Terminate.
func StartIngest(ctx context.Context, c *Command, logger *slog.Logger) (*IngestProcess, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Binary, c.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	p := &IngestProcess{
		cmd:         cmd,
		stdin:       stdin,
		logger:      logger.With(slog.Int("pid", cmd.Process.Pid)),
		started:     time.Now(),
		done:        make(chan struct{}),
		stderrLines: make([]string, 0, stderrTailLines),
	}

	go p.wait(stderr)

	return p, nil
}

// wait drains stderr to EOF before reaping the process, as exec.Cmd requires.
func (p *IngestProcess) wait(stderr io.Reader) {
	p.captureStderr(stderr)
	err := p.cmd.Wait()

	p.err = err
	close(p.done)

	if err != nil {
		p.logger.Info("ffmpeg exited", slog.String("status", err.Error()))
	} else {
		p.logger.Info("ffmpeg exited", slog.String("status", "ok"))
	}
}

func (p *IngestProcess) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), stderrMaxLine)
	for scanner.Scan() {
		line := scanner.Text()

		p.stderrMu.Lock()
		if len(p.stderrLines) >= stderrTailLines {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrLines = append(p.stderrLines, line)
		p.stderrMu.Unlock()

		if strings.Contains(line, "Error") || strings.Contains(line, "Failed") {
			p.logger.Error("ffmpeg reported an error", slog.String("line", line))
		} else {
			p.logger.Debug("ffmpeg", slog.String("line", line))
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("ffmpeg stderr capture stopped", slog.String("error", err.Error()))
	}
	// Keep the pipe drained so ffmpeg never blocks on a full stderr buffer.
	_, _ = io.Copy(io.Discard, r)
}

// Write sends one chunk to ffmpeg's stdin and returns once the pipe accepted it.
func (p *IngestProcess) Write(b []byte) (int, error) {
	n, err := p.stdin.Write(b)
	p.bytesWritten.Add(int64(n))
	return n, err
}

// Terminate closes stdin, sends SIGTERM and escalates to SIGKILL if the
// process is still alive after grace. It does not block and is idempotent.
func (p *IngestProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		_ = p.stdin.Close()

		select {
		case <-p.done:
			return
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("sending SIGTERM failed", slog.String("error", err.Error()))
		}

		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()

			select {
			case <-p.done:
			case <-timer.C:
				p.logger.Warn("ffmpeg did not exit after SIGTERM, killing",
					slog.Duration("grace", grace),
				)
				if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					p.logger.Debug("sending SIGKILL failed", slog.String("error", err.Error()))
				}
			}
		}()
	})
}

// Done is closed once the process has exited and been reaped.
func (p *IngestProcess) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error. Only meaningful after Done is closed.
func (p *IngestProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// PID returns the operating system process id.
func (p *IngestProcess) PID() int {
	return p.cmd.Process.Pid
}

// BytesWritten returns the number of bytes accepted by stdin.
func (p *IngestProcess) BytesWritten() int64 {
	return p.bytesWritten.Load()
}

// StartedAt returns when the process was started.
func (p *IngestProcess) StartedAt() time.Time {
	return p.started
}

// StderrTail returns a copy of the most recent stderr lines.
func (p *IngestProcess) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	lines := make([]string, len(p.stderrLines))
	copy(lines, p.stderrLines)
	return lines
}
