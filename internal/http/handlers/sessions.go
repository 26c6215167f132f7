package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/browsercast/castrelay/internal/ffmpeg"
	"github.com/browsercast/castrelay/internal/relay"
)

// SessionHandler exposes the live relay sessions.
type SessionHandler struct {
	manager *relay.Manager
	sample  func(ctx context.Context, pid int) (ffmpeg.ProcessStats, error)
	logger  *slog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(manager *relay.Manager) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		sample:  ffmpeg.SampleProcess,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *SessionHandler) WithLogger(logger *slog.Logger) *SessionHandler {
	h.logger = logger
	return h
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      "GET",
		Path:        "/api/v1/sessions",
		Summary:     "List relay sessions",
		Description: "Returns every live stream session with queue counters and transcoder resource usage",
		Tags:        []string{"Sessions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteSession",
		Method:        "DELETE",
		Path:          "/api/v1/sessions/{streamID}",
		Summary:       "Stop a relay session",
		Description:   "Tears down the session, closing its socket and terminating its transcoder",
		Tags:          []string{"Sessions"},
		DefaultStatus: 204,
	}, h.Delete)
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body struct {
		Sessions []SessionResponse `json:"sessions"`
		Count    int               `json:"count"`
	}
}

// List returns the live sessions.
func (h *SessionHandler) List(ctx context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	infos := h.manager.Sessions()

	out := &ListSessionsOutput{}
	out.Body.Sessions = make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		resp := SessionResponse{SessionInfo: info}
		if info.PID > 0 && h.sample != nil {
			stats, err := h.sample(ctx, info.PID)
			if err == nil {
				resp.Process = &stats
			} else {
				h.logger.Debug("sampling transcoder failed",
					slog.String("stream_id", info.StreamID),
					slog.String("error", err.Error()),
				)
			}
		}
		out.Body.Sessions = append(out.Body.Sessions, resp)
	}
	out.Body.Count = len(out.Body.Sessions)
	return out, nil
}

// DeleteSessionInput is the input for stopping a session.
type DeleteSessionInput struct {
	StreamID string `path:"streamID" doc:"Stream identifier"`
}

// DeleteSessionOutput is the output for stopping a session.
type DeleteSessionOutput struct{}

// Delete tears down a live session.
func (h *SessionHandler) Delete(_ context.Context, input *DeleteSessionInput) (*DeleteSessionOutput, error) {
	if err := h.manager.Cleanup(input.StreamID); err != nil {
		if errors.Is(err, relay.ErrSessionNotFound) {
			return nil, huma.Error404NotFound("session not found")
		}
		return nil, huma.Error500InternalServerError("stopping session", err)
	}
	return &DeleteSessionOutput{}, nil
}
