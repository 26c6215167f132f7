package models

import (
	"errors"
	"strings"
	"time"
)

// StreamStatus is whether a stream is currently publishing.
type StreamStatus string

const (
	StreamOnline  StreamStatus = "online"
	StreamOffline StreamStatus = "offline"
)

var (
	ErrTitleRequired = errors.New("title is required")
	ErrTitleTooLong  = errors.New("title must be at most 200 characters")
)

// Stream is a registered live stream. StreamKey identifies it publicly and
// AccessKey is the secret a publisher must present.
type Stream struct {
	BaseModel
	Title           string       `gorm:"size:200;not null" json:"title"`
	StreamKey       string       `gorm:"uniqueIndex;size:64;not null" json:"stream_key"`
	AccessKey       string       `gorm:"size:64;not null" json:"-"`
	Status          StreamStatus `gorm:"size:16;not null;default:offline;index:idx_streams_status" json:"status"`
	Overview        string       `gorm:"type:text" json:"overview"`
	StreamStartTime *time.Time   `json:"stream_start_time,omitempty"`
}

// TableName returns the table name.
func (Stream) TableName() string {
	return "streams"
}

// Validate checks user supplied fields.
func (s *Stream) Validate() error {
	s.Title = strings.TrimSpace(s.Title)
	switch {
	case s.Title == "":
		return ErrTitleRequired
	case len(s.Title) > 200:
		return ErrTitleTooLong
	}
	return nil
}

// IsOnline reports whether the stream is publishing.
func (s *Stream) IsOnline() bool {
	return s.Status == StreamOnline
}
