package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/browsercast/castrelay/internal/thumbnail"
)

// ThumbnailHandler serves stream preview images.
type ThumbnailHandler struct {
	service *thumbnail.Service
	logger  *slog.Logger
}

// NewThumbnailHandler creates a new thumbnail handler.
func NewThumbnailHandler(service *thumbnail.Service) *ThumbnailHandler {
	return &ThumbnailHandler{service: service, logger: slog.Default()}
}

// WithLogger sets the logger for the handler.
func (h *ThumbnailHandler) WithLogger(logger *slog.Logger) *ThumbnailHandler {
	h.logger = logger
	return h
}

// Register registers the thumbnail routes with the API.
func (h *ThumbnailHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getThumbnail",
		Method:      "GET",
		Path:        "/api/thumbnail",
		Summary:     "Get stream thumbnail",
		Description: "Returns a JPEG frame from the live stream, cached for a short time",
		Tags:        []string{"Thumbnails"},
	}, h.Get)
}

// GetThumbnailInput is the input for getting a thumbnail.
type GetThumbnailInput struct {
	ID   string `query:"id" required:"true" minLength:"1" doc:"Stream key"`
	Size string `query:"size" enum:"sm,md,lg" default:"md" doc:"Output height: sm=360, md=720, lg=1080"`
}

// GetThumbnailOutput is the output for getting a thumbnail.
type GetThumbnailOutput struct {
	ContentType  string `header:"Content-Type"`
	CacheControl string `header:"Cache-Control"`
	Body         []byte
}

// Get returns the thumbnail for a stream.
func (h *ThumbnailHandler) Get(ctx context.Context, input *GetThumbnailInput) (*GetThumbnailOutput, error) {
	size, err := thumbnail.ParseSize(input.Size)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	data, err := h.service.Get(ctx, input.ID, size)
	if err != nil {
		switch {
		case errors.Is(err, thumbnail.ErrStreamNotFound), errors.Is(err, thumbnail.ErrInvalidID):
			return nil, huma.Error400BadRequest("ID Not Found")
		case errors.Is(err, thumbnail.ErrNoMedia), errors.Is(err, thumbnail.ErrGenerate):
			return nil, huma.Error500InternalServerError("Error generating large thumbnail")
		default:
			h.logger.ErrorContext(ctx, "thumbnail request failed",
				slog.String("stream_id", input.ID),
				slog.String("error", err.Error()),
			)
			return nil, huma.Error500InternalServerError("Internal Server Error")
		}
	}

	return &GetThumbnailOutput{
		ContentType:  "image/jpeg",
		CacheControl: "public, max-age=60",
		Body:         data,
	}, nil
}
