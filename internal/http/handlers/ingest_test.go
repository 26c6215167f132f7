package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsercast/castrelay/internal/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProcess struct {
	pid int

	mu  sync.Mutex
	buf bytes.Buffer

	once sync.Once
	done chan struct{}
}

func (p *stubProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *stubProcess) Terminate(time.Duration) { p.once.Do(func() { close(p.done) }) }
func (p *stubProcess) Done() <-chan struct{}   { return p.done }
func (p *stubProcess) Err() error              { return nil }
func (p *stubProcess) PID() int                { return p.pid }

func (p *stubProcess) received() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

type stubSpawner struct {
	mu    sync.Mutex
	procs map[string]*stubProcess
	err   error
}

func (s *stubSpawner) Spawn(_ context.Context, streamID, _ string) (relay.Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs == nil {
		s.procs = make(map[string]*stubProcess)
	}
	p := &stubProcess{pid: 4000 + len(s.procs), done: make(chan struct{})}
	s.procs[streamID] = p
	return p, nil
}

func (s *stubSpawner) proc(streamID string) *stubProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[streamID]
}

// stubAuthorizer accepts the secret "good" only.
type stubAuthorizer struct{}

func (stubAuthorizer) Authorize(_ context.Context, _, secret string) error {
	if secret != "good" {
		return fmt.Errorf("%w: bad secret", relay.ErrUnauthorized)
	}
	return nil
}

func (stubAuthorizer) EndStream(context.Context, string, string) error { return nil }

func newIngestServer(t *testing.T, spawner *stubSpawner) (*httptest.Server, *relay.Manager) {
	t.Helper()

	mgr := relay.NewManager(relay.ManagerConfig{GracePeriod: 10 * time.Millisecond}, spawner, stubAuthorizer{}, discardLogger())
	h := NewIngestHandler(mgr, 1024).WithLogger(discardLogger())

	router := chi.NewRouter()
	h.RegisterChiRoutes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		srv.Close()
	})
	return srv, mgr
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestIngestHandler_RelaysBinaryFrames(t *testing.T) {
	spawner := &stubSpawner{}
	srv, mgr := newIngestServer(t, spawner)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/live1?password=good"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for _, chunk := range []string{"one", "two", "three"} {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(chunk)))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))

	proc := spawner.proc("live1")
	require.NotNil(t, proc)
	require.Eventually(t, func() bool { return proc.received() == "onetwothree" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mgr.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-proc.Done():
	default:
		t.Fatal("transcoder not terminated after socket close")
	}
}

func TestIngestHandler_RejectsBeforeUpgrade(t *testing.T) {
	spawner := &stubSpawner{}
	srv, _ := newIngestServer(t, spawner)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"wrong secret", "/live1?password=nope", http.StatusForbidden},
		{"missing secret", "/live1", http.StatusBadRequest},
		{"invalid id", "/bad.id?password=good", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.path), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	assert.Nil(t, spawner.proc("live1"), "no transcoder for rejected streams")
}

func TestIngestHandler_DuplicateStream(t *testing.T) {
	srv, _ := newIngestServer(t, &stubSpawner{})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/dup?password=good"), nil)
	require.NoError(t, err)
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/dup?password=good"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIngestHandler_SpawnFailure(t *testing.T) {
	srv, mgr := newIngestServer(t, &stubSpawner{err: errors.New("no ffmpeg")})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/live1?password=good"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 0, mgr.Len())
}

func TestIngestHandler_PlainRequest(t *testing.T) {
	srv, _ := newIngestServer(t, &stubSpawner{})

	resp, err := http.Get(srv.URL + "/live1?password=good")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestHandler_ServerCleanupSendsCloseFrame(t *testing.T) {
	srv, mgr := newIngestServer(t, &stubSpawner{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/live1?password=good"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		s, ok := mgr.Get("live1")
		return ok && s.State() == relay.StateActive
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, mgr.Cleanup("live1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestIngestHandler_OversizedFrameEndsSession(t *testing.T) {
	srv, mgr := newIngestServer(t, &stubSpawner{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/big?password=good"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)))
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAdmitStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, AdmitStatus(relay.ErrInvalidStream))
	assert.Equal(t, http.StatusForbidden, AdmitStatus(fmt.Errorf("x: %w", relay.ErrUnauthorized)))
	assert.Equal(t, http.StatusServiceUnavailable, AdmitStatus(relay.ErrAuthUnavailable))
	assert.Equal(t, http.StatusConflict, AdmitStatus(relay.ErrDuplicateStream))
	assert.Equal(t, http.StatusServiceUnavailable, AdmitStatus(relay.ErrCapacity))
	assert.Equal(t, http.StatusServiceUnavailable, AdmitStatus(relay.ErrShuttingDown))
	assert.Equal(t, http.StatusBadGateway, AdmitStatus(relay.ErrSpawn))
	assert.Equal(t, http.StatusInternalServerError, AdmitStatus(errors.New("other")))
}
