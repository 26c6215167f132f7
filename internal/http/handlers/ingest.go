package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/browsercast/castrelay/internal/observability"
	"github.com/browsercast/castrelay/internal/relay"
)

const closeWriteTimeout = time.Second

// IngestHandler accepts browser encoder WebSockets and hands them to the
// relay manager.
type IngestHandler struct {
	manager      *relay.Manager
	upgrader     websocket.Upgrader
	maxFrameSize int64
	logger       *slog.Logger
}

// NewIngestHandler creates an ingest handler. maxFrameSize bounds a single
// inbound message; zero leaves it unlimited.
func NewIngestHandler(manager *relay.Manager, maxFrameSize int64) *IngestHandler {
	return &IngestHandler{
		manager:      manager,
		maxFrameSize: maxFrameSize,
		logger:       slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			// Encoders run on arbitrary origins and authenticate with the
			// stream secret.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WithLogger sets the logger for the handler.
func (h *IngestHandler) WithLogger(logger *slog.Logger) *IngestHandler {
	h.logger = observability.WithComponent(logger, "ingest")
	return h
}

// RegisterChiRoutes mounts the ingest route. It must be registered after
// the fixed API routes since it matches any single path segment.
func (h *IngestHandler) RegisterChiRoutes(r chi.Router) {
	r.Get("/{streamID}", h.ServeWS)
}

// ServeWS admits the stream before upgrading so rejected publishers get a
// plain HTTP status and never cost a transcoder.
func (h *IngestHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	secret := r.URL.Query().Get("password")

	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	sess, err := h.manager.Admit(r.Context(), streamID, secret)
	if err != nil {
		status := AdmitStatus(err)
		h.logger.Info("stream rejected",
			slog.String("stream_id", streamID),
			slog.Int("status", status),
			slog.String("reason", err.Error()),
		)
		writeError(w, status, http.StatusText(status))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.manager.Abort(sess, "upgrade failed")
		return
	}
	if h.maxFrameSize > 0 {
		ws.SetReadLimit(h.maxFrameSize)
	}

	h.logger.Info("stream session started",
		slog.String("stream_id", streamID),
		slog.String("remote_addr", r.RemoteAddr),
	)
	sess.Serve(&wsConn{Conn: ws})
}

// AdmitStatus maps an admission error to its HTTP status.
func AdmitStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidStream):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrDuplicateStream):
		return http.StatusConflict
	case errors.Is(err, relay.ErrCapacity),
		errors.Is(err, relay.ErrShuttingDown),
		errors.Is(err, relay.ErrAuthUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrSpawn):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// wsConn sends a close frame before dropping the connection so browsers see
// a clean close instead of an abnormal one.
type wsConn struct {
	*websocket.Conn
	once sync.Once
	err  error
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
		_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.err = c.Conn.Close()
	})
	return c.err
}
