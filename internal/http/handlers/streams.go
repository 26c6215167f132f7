package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/browsercast/castrelay/internal/models"
	"github.com/browsercast/castrelay/internal/service"
)

// StreamHandler serves the metadata API and the RTMP server callbacks.
type StreamHandler struct {
	streamService *service.StreamService
	logger        *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(streamService *service.StreamService) *StreamHandler {
	return &StreamHandler{
		streamService: streamService,
		logger:        slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// Register registers the stream routes with the API.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createStream",
		Method:        "POST",
		Path:          "/streams",
		Summary:       "Create stream",
		Description:   "Registers a stream and returns its keys. The access key is only returned here.",
		Tags:          []string{"Streams"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listLiveStreams",
		Method:      "GET",
		Path:        "/streams",
		Summary:     "List live streams",
		Tags:        []string{"Streams"},
	}, h.ListLive)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      "GET",
		Path:        "/streams/{streamKey}",
		Summary:     "Get stream",
		Tags:        []string{"Streams"},
	}, h.Get)
}

// RegisterChiRoutes registers the form encoded callbacks used by the RTMP
// server and the relay.
func (h *StreamHandler) RegisterChiRoutes(r chi.Router) {
	r.Post("/rtmp-auth", h.RTMPAuth)
	r.Post("/stream_end", h.StreamEnd)
}

// CreateStreamInput is the input for creating a stream.
type CreateStreamInput struct {
	Body struct {
		Title    string `json:"title" minLength:"1" maxLength:"200" doc:"Stream title"`
		Overview string `json:"overview,omitempty" doc:"Free text description"`
	}
}

// CreateStreamOutput is the output for creating a stream.
type CreateStreamOutput struct {
	Body *service.CreatedStream
}

// Create registers a new stream.
func (h *StreamHandler) Create(ctx context.Context, input *CreateStreamInput) (*CreateStreamOutput, error) {
	created, err := h.streamService.Create(ctx, input.Body.Title, input.Body.Overview)
	if err != nil {
		if errors.Is(err, models.ErrTitleRequired) || errors.Is(err, models.ErrTitleTooLong) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, huma.Error500InternalServerError("creating stream", err)
	}
	return &CreateStreamOutput{Body: created}, nil
}

// ListLiveInput is the input for listing live streams.
type ListLiveInput struct{}

// ListLiveOutput is the output for listing live streams.
type ListLiveOutput struct {
	Body struct {
		Lives []*models.Stream `json:"lives"`
	}
}

// ListLive returns the streams that are currently publishing.
func (h *StreamHandler) ListLive(ctx context.Context, _ *ListLiveInput) (*ListLiveOutput, error) {
	streams, err := h.streamService.ListOnline(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing streams", err)
	}
	out := &ListLiveOutput{}
	out.Body.Lives = streams
	if out.Body.Lives == nil {
		out.Body.Lives = []*models.Stream{}
	}
	return out, nil
}

// GetStreamInput is the input for getting a stream.
type GetStreamInput struct {
	StreamKey string `path:"streamKey" doc:"Public stream key"`
}

// GetStreamOutput is the output for getting a stream.
type GetStreamOutput struct {
	Body *models.Stream
}

// Get returns a stream by its public key.
func (h *StreamHandler) Get(ctx context.Context, input *GetStreamInput) (*GetStreamOutput, error) {
	stream, err := h.streamService.Get(ctx, input.StreamKey)
	if err != nil {
		if errors.Is(err, service.ErrStreamNotFound) {
			return nil, huma.Error404NotFound("stream not found")
		}
		return nil, huma.Error500InternalServerError("getting stream", err)
	}
	return &GetStreamOutput{Body: stream}, nil
}

// RTMPAuth authorizes a publish. It answers the RTMP server's on_publish
// callback as well as the relay's pre-flight check.
func (h *StreamHandler) RTMPAuth(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, h.streamService.AuthorizePublish, "Stream authorized")
}

// StreamEnd marks a stream offline.
func (h *StreamHandler) StreamEnd(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, h.streamService.EndPublish, "Stream ended")
}

type publishFunc func(ctx context.Context, streamKey, tcURL string) (*models.Stream, error)

func (h *StreamHandler) publishCallback(w http.ResponseWriter, r *http.Request, fn publishFunc, okMessage string) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	name := r.PostForm.Get("name")
	tcURL := r.PostForm.Get("tcurl")
	if name == "" || tcURL == "" {
		writeError(w, http.StatusBadRequest, "name and tcurl are required")
		return
	}

	if _, err := fn(r.Context(), name, tcURL); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusForbidden, "Invalid stream key or access key")
			return
		}
		h.logger.ErrorContext(r.Context(), "publish callback failed",
			slog.String("stream_id", name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: okMessage})
}
