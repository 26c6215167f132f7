// Package repository defines data access interfaces for castrelay's
// metadata store.
package repository

import (
	"context"
	"time"

	"github.com/browsercast/castrelay/internal/models"
)

// StreamRepository defines operations for stream persistence.
type StreamRepository interface {
	// Create inserts a new stream.
	Create(ctx context.Context, stream *models.Stream) error
	// GetByStreamKey returns the stream or nil when none exists.
	GetByStreamKey(ctx context.Context, streamKey string) (*models.Stream, error)
	// ListByStatus returns streams with the given status, newest start first.
	ListByStatus(ctx context.Context, status models.StreamStatus) ([]*models.Stream, error)
	// SetStatus updates the status and, when startedAt is non-nil, the start time.
	SetStatus(ctx context.Context, id models.ULID, status models.StreamStatus, startedAt *time.Time) error
}
