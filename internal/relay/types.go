// Package relay bridges browser WebSocket encoders to an RTMP ingest.
//
// Each admitted stream becomes a Session owning one ingress connection, one
// transcoder process and one WriteQueue. The Manager admits sessions, keeps
// them in a Registry and tears each one down exactly once.
package relay

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"
)

// Admission and lifecycle errors.
var (
	ErrInvalidStream   = errors.New("invalid stream id or secret")
	ErrUnauthorized    = errors.New("stream not authorized")
	ErrAuthUnavailable = errors.New("authorization service unavailable")
	ErrDuplicateStream = errors.New("stream already has a live session")
	ErrCapacity        = errors.New("relay is at session capacity")
	ErrShuttingDown    = errors.New("relay is shutting down")
	ErrSpawn           = errors.New("transcoder failed to start")
	ErrSessionNotFound = errors.New("session not found")
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateStreamID reports whether id is usable as a registry key and as
// the last path segment of the RTMP target.
func ValidateStreamID(id string) bool {
	return streamIDPattern.MatchString(id)
}

// Process is a running transcoder fed through Write.
type Process interface {
	io.Writer
	// Terminate stops the process: close input, SIGTERM, SIGKILL after grace.
	// Must be idempotent and must not block.
	Terminate(grace time.Duration)
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err is the exit error once Done is closed.
	Err() error
	PID() int
}

// Spawner starts one transcoder per stream.
type Spawner interface {
	Spawn(ctx context.Context, streamID, secret string) (Process, error)
}

// Authorizer validates a stream id and secret pair and is told when the
// stream ends. Authorize returns an error wrapping ErrUnauthorized on a
// definitive rejection and ErrAuthUnavailable when no answer was obtained.
type Authorizer interface {
	Authorize(ctx context.Context, streamID, secret string) error
	EndStream(ctx context.Context, streamID, secret string) error
}

// Conn is the ingress side of a session. *websocket.Conn satisfies the
// read half; Close should send a close frame where the transport has one.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// State is a session lifecycle state.
type State int32

const (
	StateAuthorizing State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
