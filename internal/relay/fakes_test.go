package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcess records writes and simulates exit.
type fakeProcess struct {
	pid int

	mu       sync.Mutex
	chunks   [][]byte
	writeErr error
	gate     chan struct{}

	active     atomic.Int32
	overlapped atomic.Bool
	terminated atomic.Int32

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	if p.active.Add(1) > 1 {
		p.overlapped.Store(true)
	}
	defer p.active.Add(-1)

	if p.gate != nil {
		<-p.gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.chunks = append(p.chunks, b)
	return len(b), nil
}

func (p *fakeProcess) setWriteErr(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

func (p *fakeProcess) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.chunks))
	for i, c := range p.chunks {
		out[i] = string(c)
	}
	return out
}

func (p *fakeProcess) Terminate(time.Duration) {
	p.terminated.Add(1)
	p.exit(nil)
}

func (p *fakeProcess) exit(err error) {
	p.doneOnce.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *fakeProcess) PID() int { return p.pid }

// fakeSpawner hands out fakeProcesses.
type fakeSpawner struct {
	mu    sync.Mutex
	procs map[string][]*fakeProcess
	err   error
	next  int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[string][]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(_ context.Context, streamID, _ string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.next++
	p := newFakeProcess(1000 + s.next)
	s.procs[streamID] = append(s.procs[streamID], p)
	return p, nil
}

func (s *fakeSpawner) last(streamID string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.procs[streamID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// fakeAuthorizer accepts a fixed secret per stream.
type fakeAuthorizer struct {
	secrets map[string]string
	err     error
	delay   time.Duration

	mu    sync.Mutex
	ended []string
}

func (a *fakeAuthorizer) Authorize(ctx context.Context, streamID, secret string) error {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.err != nil {
		return a.err
	}
	if want, ok := a.secrets[streamID]; !ok || want != secret {
		return ErrUnauthorized
	}
	return nil
}

func (a *fakeAuthorizer) EndStream(_ context.Context, streamID, _ string) error {
	a.mu.Lock()
	a.ended = append(a.ended, streamID)
	a.mu.Unlock()
	return nil
}

func (a *fakeAuthorizer) endCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ended...)
}

type frame struct {
	kind int
	data []byte
}

// fakeConn feeds frames to the read loop until closed by either side.
type fakeConn struct {
	frames    chan frame
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan frame, 64), closed: make(chan struct{})}
}

func (c *fakeConn) send(kind int, data string) {
	c.frames <- frame{kind: kind, data: []byte(data)}
}

func (c *fakeConn) sendBinary(data string) { c.send(websocket.BinaryMessage, data) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return f.kind, f.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

var errBrokenWriter = errors.New("broken writer")
