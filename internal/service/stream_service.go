// Package service holds the business logic of the metadata service.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dchest/uniuri"

	"github.com/browsercast/castrelay/internal/models"
	"github.com/browsercast/castrelay/internal/repository"
)

var (
	// ErrStreamNotFound is returned when no stream has the given key.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrInvalidCredentials is returned when a stream key and access key do not match.
	ErrInvalidCredentials = errors.New("invalid stream key or access key")
)

// keyLength and keyChars give the same shape as 16 random bytes in hex.
const keyLength = 32

var keyChars = []byte("0123456789abcdef")

// CreatedStream is returned once on creation and is the only view that
// includes the access key.
type CreatedStream struct {
	*models.Stream
	StreamAccessKey string `json:"stream_access_key"`
}

// StreamService manages stream records and publish authorization.
type StreamService struct {
	repo   repository.StreamRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewStreamService creates a StreamService.
func NewStreamService(repo repository.StreamRepository) *StreamService {
	return &StreamService{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger for the service.
func (s *StreamService) WithLogger(logger *slog.Logger) *StreamService {
	s.logger = logger
	return s
}

// Create registers a new offline stream with fresh keys.
func (s *StreamService) Create(ctx context.Context, title, overview string) (*CreatedStream, error) {
	stream := &models.Stream{
		Title:     title,
		Overview:  overview,
		StreamKey: uniuri.NewLenChars(keyLength, keyChars),
		AccessKey: uniuri.NewLenChars(keyLength, keyChars),
		Status:    models.StreamOffline,
	}
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, stream); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "stream created",
		slog.String("stream_id", stream.StreamKey),
		slog.String("title", stream.Title),
	)
	return &CreatedStream{Stream: stream, StreamAccessKey: stream.AccessKey}, nil
}

// Get returns the stream with streamKey.
func (s *StreamService) Get(ctx context.Context, streamKey string) (*models.Stream, error) {
	stream, err := s.repo.GetByStreamKey(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, ErrStreamNotFound
	}
	return stream, nil
}

// ListOnline returns every stream currently publishing.
func (s *StreamService) ListOnline(ctx context.Context) ([]*models.Stream, error) {
	return s.repo.ListByStatus(ctx, models.StreamOnline)
}

// AuthorizePublish checks the access key carried in tcURL against
// streamKey and marks the stream online.
func (s *StreamService) AuthorizePublish(ctx context.Context, streamKey, tcURL string) (*models.Stream, error) {
	stream, err := s.verify(ctx, streamKey, tcURL)
	if err != nil {
		return nil, err
	}

	started := s.now().UTC()
	if err := s.repo.SetStatus(ctx, stream.ID, models.StreamOnline, &started); err != nil {
		return nil, err
	}
	stream.Status = models.StreamOnline
	stream.StreamStartTime = &started

	s.logger.InfoContext(ctx, "stream authorized", slog.String("stream_id", streamKey))
	return stream, nil
}

// EndPublish checks credentials like AuthorizePublish and marks the stream
// offline.
func (s *StreamService) EndPublish(ctx context.Context, streamKey, tcURL string) (*models.Stream, error) {
	stream, err := s.verify(ctx, streamKey, tcURL)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SetStatus(ctx, stream.ID, models.StreamOffline, nil); err != nil {
		return nil, err
	}
	stream.Status = models.StreamOffline

	s.logger.InfoContext(ctx, "stream ended", slog.String("stream_id", streamKey))
	return stream, nil
}

func (s *StreamService) verify(ctx context.Context, streamKey, tcURL string) (*models.Stream, error) {
	accessKey := PasswordFromTCURL(tcURL)
	if accessKey == "" {
		return nil, ErrInvalidCredentials
	}

	stream, err := s.repo.GetByStreamKey(ctx, streamKey)
	if err != nil {
		return nil, fmt.Errorf("looking up stream: %w", err)
	}
	if stream == nil || subtle.ConstantTimeCompare([]byte(stream.AccessKey), []byte(accessKey)) != 1 {
		s.logger.WarnContext(ctx, "rejected stream credentials", slog.String("stream_id", streamKey))
		return nil, ErrInvalidCredentials
	}
	return stream, nil
}

// PasswordFromTCURL extracts the password query parameter from an RTMP
// tcUrl such as rtmp://host/live?password=abc.
func PasswordFromTCURL(tcURL string) string {
	_, query, ok := strings.Cut(tcURL, "?")
	if !ok {
		return ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return ""
	}
	return values.Get("password")
}
