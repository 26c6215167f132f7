package relay

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one live stream: an ingress connection feeding one transcoder.
type Session struct {
	StreamID  string
	StartedAt time.Time

	secret  string
	proc    Process
	queue   *WriteQueue
	manager *Manager
	logger  *slog.Logger

	state   atomic.Int32
	closing atomic.Bool
	closed  chan struct{}

	connMu sync.Mutex
	conn   Conn

	framesIn   atomic.Int64
	textFrames atomic.Int64
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	StreamID   string     `json:"stream_id"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	PID        int        `json:"pid"`
	FramesIn   int64      `json:"frames_in"`
	TextFrames int64      `json:"text_frames"`
	Queue      QueueStats `json:"queue"`
}

func newSession(m *Manager, streamID, secret string, proc Process, logger *slog.Logger) *Session {
	s := &Session{
		StreamID:  streamID,
		StartedAt: time.Now(),
		secret:    secret,
		proc:      proc,
		manager:   m,
		logger:    logger,
		closed:    make(chan struct{}),
	}
	s.state.Store(int32(StateAuthorizing))
	s.queue = NewWriteQueue(proc, s.onWriteError)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Done is closed once cleanup has completed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Process returns the transcoder bound to this session.
func (s *Session) Process() Process {
	return s.proc
}

// Info returns a snapshot for reporting.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		StreamID:   s.StreamID,
		State:      s.State().String(),
		StartedAt:  s.StartedAt,
		PID:        s.proc.PID(),
		FramesIn:   s.framesIn.Load(),
		TextFrames: s.textFrames.Load(),
		Queue:      s.queue.Stats(),
	}
}

// Serve attaches conn and pumps its binary frames into the transcoder until
// the connection ends, then runs cleanup. It blocks for the life of the
// session. If the session is already tearing down, conn is closed at once.
func (s *Session) Serve(conn Conn) {
	s.connMu.Lock()
	if s.closing.Load() {
		s.connMu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Info("ingress connected")

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.logReadEnd(err)
			break
		}
		if mt != websocket.BinaryMessage {
			s.textFrames.Add(1)
			s.logger.Debug("ignoring non-binary frame", slog.Int("type", mt))
			continue
		}
		s.framesIn.Add(1)
		if !s.queue.Enqueue(data) {
			s.logger.Debug("dropping frame after queue shutdown", slog.Int("bytes", len(data)))
		}
	}

	s.manager.cleanup(s, "ingress closed")
}

func (s *Session) logReadEnd(err error) {
	switch {
	case s.closing.Load():
		s.logger.Debug("read loop stopped by cleanup")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.logger.Info("ingress closed by client")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.logger.Info("ingress connection dropped")
	default:
		s.logger.Warn("ingress read failed", slog.String("error", err.Error()))
	}
}

func (s *Session) onWriteError(err error) {
	if isBrokenPipe(err) {
		s.logger.Debug("transcoder input closed", slog.String("error", err.Error()))
	} else {
		s.logger.Error("writing to transcoder failed", slog.String("error", err.Error()))
	}
	s.manager.cleanup(s, "transcoder write failed")
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	c := s.conn
	s.connMu.Unlock()

	if c == nil {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("closing ingress failed", slog.String("error", err.Error()))
	}
}

// isBrokenPipe reports errors expected when the transcoder has gone away.
func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
