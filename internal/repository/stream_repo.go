package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/browsercast/castrelay/internal/models"
)

type streamRepo struct {
	db *gorm.DB
}

// NewStreamRepository creates a GORM backed StreamRepository.
func NewStreamRepository(db *gorm.DB) *streamRepo {
	return &streamRepo{db: db}
}

func (r *streamRepo) Create(ctx context.Context, stream *models.Stream) error {
	if err := r.db.WithContext(ctx).Create(stream).Error; err != nil {
		return fmt.Errorf("creating stream: %w", err)
	}
	return nil
}

func (r *streamRepo) GetByStreamKey(ctx context.Context, streamKey string) (*models.Stream, error) {
	var stream models.Stream
	err := r.db.WithContext(ctx).Where("stream_key = ?", streamKey).First(&stream).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting stream by key: %w", err)
	}
	return &stream, nil
}

func (r *streamRepo) ListByStatus(ctx context.Context, status models.StreamStatus) ([]*models.Stream, error) {
	var streams []*models.Stream
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("stream_start_time DESC, created_at DESC").
		Find(&streams).Error
	if err != nil {
		return nil, fmt.Errorf("listing streams: %w", err)
	}
	return streams, nil
}

func (r *streamRepo) SetStatus(ctx context.Context, id models.ULID, status models.StreamStatus, startedAt *time.Time) error {
	updates := map[string]any{"status": status}
	if startedAt != nil {
		updates["stream_start_time"] = *startedAt
	}
	err := r.db.WithContext(ctx).Model(&models.Stream{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("updating stream status: %w", err)
	}
	return nil
}

var _ StreamRepository = (*streamRepo)(nil)
