package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/browsercast/castrelay/internal/config"
	"github.com/browsercast/castrelay/internal/observability"
)

// ManagerConfig tunes session admission and teardown.
type ManagerConfig struct {
	MaxSessions      int
	GracePeriod      time.Duration
	AuthTimeout      time.Duration
	StreamEndTimeout time.Duration
}

// DefaultManagerConfig returns the relay defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSessions:      64,
		GracePeriod:      time.Second,
		AuthTimeout:      5 * time.Second,
		StreamEndTimeout: 3 * time.Second,
	}
}

// ManagerConfigFromConfig maps the relay config section onto ManagerConfig.
func ManagerConfigFromConfig(cfg config.RelayConfig) ManagerConfig {
	return ManagerConfig{
		MaxSessions:      cfg.MaxSessions,
		GracePeriod:      cfg.GracePeriod,
		AuthTimeout:      cfg.AuthTimeout,
		StreamEndTimeout: cfg.StreamEndTimeout,
	}
}

// Manager admits, tracks and tears down stream sessions.
type Manager struct {
	config     ManagerConfig
	registry   *Registry
	spawner    Spawner
	authorizer Authorizer
	logger     *slog.Logger

	shuttingDown atomic.Bool
	notifyWG     sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig, spawner Spawner, authorizer Authorizer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultManagerConfig().GracePeriod
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultManagerConfig().AuthTimeout
	}
	if cfg.StreamEndTimeout <= 0 {
		cfg.StreamEndTimeout = DefaultManagerConfig().StreamEndTimeout
	}
	return &Manager{
		config:     cfg,
		registry:   NewRegistry(cfg.MaxSessions),
		spawner:    spawner,
		authorizer: authorizer,
		logger:     observability.WithComponent(logger, "relay"),
	}
}

// Admit authorizes streamID with secret and starts its transcoder. The
// returned session is registered and waiting for Serve. A second admission
// for an id that is live or still being authorized fails with
// ErrDuplicateStream.
func (m *Manager) Admit(ctx context.Context, streamID, secret string) (*Session, error) {
	if !ValidateStreamID(streamID) || secret == "" {
		return nil, ErrInvalidStream
	}
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	logger := observability.WithStreamID(m.logger, streamID)

	if err := m.registry.Reserve(streamID); err != nil {
		logger.Warn("rejecting stream", slog.String("reason", err.Error()))
		return nil, err
	}

	authCtx, cancel := context.WithTimeout(ctx, m.config.AuthTimeout)
	err := m.authorizer.Authorize(authCtx, streamID, secret)
	cancel()
	if err != nil {
		m.registry.Release(streamID)
		logger.Warn("stream authorization failed", slog.String("error", err.Error()))
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrAuthUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}

	proc, err := m.spawner.Spawn(ctx, streamID, secret)
	if err != nil {
		m.registry.Release(streamID)
		logger.Error("starting transcoder failed", slog.String("error", err.Error()))
		if errors.Is(err, ErrSpawn) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	s := newSession(m, streamID, secret, proc, logger.With(slog.Int("pid", proc.PID())))
	if !m.registry.Commit(s) {
		proc.Terminate(m.config.GracePeriod)
		m.waitExit(proc)
		endCtx, cancel := context.WithTimeout(context.Background(), m.config.StreamEndTimeout)
		if err := m.authorizer.EndStream(endCtx, streamID, secret); err != nil {
			logger.Warn("stream end notification failed", slog.String("error", err.Error()))
		}
		cancel()
		return nil, ErrShuttingDown
	}
	s.setState(StateActive)

	go m.watchProcess(s)

	logger.Info("stream admitted", slog.Int("pid", proc.PID()))
	return s, nil
}

// watchProcess tears the session down when the transcoder exits on its own.
func (m *Manager) watchProcess(s *Session) {
	select {
	case <-s.proc.Done():
	case <-s.closed:
		return
	}

	if !s.closing.Load() {
		attrs := []any{}
		if err := s.proc.Err(); err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		if t, ok := s.proc.(interface{ StderrTail() []string }); ok {
			if tail := t.StderrTail(); len(tail) > 0 {
				attrs = append(attrs, slog.String("last_stderr", tail[len(tail)-1]))
			}
		}
		s.logger.Warn("transcoder exited while stream was live", attrs...)
	}
	m.cleanup(s, "transcoder exited")
}

// Abort tears down a session whose ingress never attached, such as after a
// failed protocol upgrade.
func (m *Manager) Abort(s *Session, reason string) {
	m.cleanup(s, reason)
}

// Cleanup tears down the live session for streamID.
func (m *Manager) Cleanup(streamID string) error {
	s, ok := m.registry.Get(streamID)
	if !ok {
		return ErrSessionNotFound
	}
	m.cleanup(s, "requested")
	return nil
}

// cleanup runs teardown for s exactly once no matter how many triggers fire.
// Order: stream-end notice, transcoder termination, ingress close, registry
// removal, backlog discard.
func (m *Manager) cleanup(s *Session, reason string) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.setState(StateDraining)
	s.logger.Info("cleaning up stream session", slog.String("reason", reason))

	m.notifyStreamEnd(s)
	s.proc.Terminate(m.config.GracePeriod)
	s.closeConn()
	m.registry.Remove(s.StreamID, s)
	if n := s.queue.Close(); n > 0 {
		s.logger.Debug("discarded queued chunks", slog.Int("chunks", n))
	}

	s.setState(StateClosed)
	close(s.closed)
}

// notifyStreamEnd tells the metadata service the stream is over. It runs in
// the background and failures are only logged.
func (m *Manager) notifyStreamEnd(s *Session) {
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.config.StreamEndTimeout)
		defer cancel()

		if err := m.authorizer.EndStream(ctx, s.StreamID, s.secret); err != nil {
			s.logger.Warn("stream end notification failed", slog.String("error", err.Error()))
			return
		}
		s.logger.Debug("stream end notified")
	}()
}

func (m *Manager) waitExit(proc Process) {
	timer := time.NewTimer(m.config.GracePeriod + time.Second)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
	}
}

// Get returns the live session for streamID.
func (m *Manager) Get(streamID string) (*Session, bool) {
	return m.registry.Get(streamID)
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []SessionInfo {
	list := m.registry.List()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.registry.Len()
}

// Shutdown stops admissions, tears down every live session and waits until
// their transcoders have exited and stream-end notices have been sent, or
// until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	sessions := m.registry.Close()

	m.logger.Info("shutting down relay", slog.Int("sessions", len(sessions)))

	for _, s := range sessions {
		m.cleanup(s, "shutdown")
	}

	for _, s := range sessions {
		select {
		case <-s.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-s.proc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		m.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info("relay shut down")
	return nil
}
