package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/browsercast/castrelay/internal/models"
)

func setupStreamTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Stream{}))
	return db
}

func TestStreamRepo_CreateAndGet(t *testing.T) {
	repo := NewStreamRepository(setupStreamTestDB(t))
	ctx := context.Background()

	stream := &models.Stream{Title: "Show", StreamKey: "key1", AccessKey: "secret", Status: models.StreamOffline}
	require.NoError(t, repo.Create(ctx, stream))
	assert.False(t, stream.ID.IsZero())

	got, err := repo.GetByStreamKey(ctx, "key1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stream.ID, got.ID)
	assert.Equal(t, "secret", got.AccessKey)

	missing, err := repo.GetByStreamKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStreamRepo_UniqueStreamKey(t *testing.T) {
	repo := NewStreamRepository(setupStreamTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Stream{Title: "a", StreamKey: "dup", AccessKey: "x"}))
	assert.Error(t, repo.Create(ctx, &models.Stream{Title: "b", StreamKey: "dup", AccessKey: "y"}))
}

func TestStreamRepo_SetStatusAndList(t *testing.T) {
	repo := NewStreamRepository(setupStreamTestDB(t))
	ctx := context.Background()

	a := &models.Stream{Title: "a", StreamKey: "a", AccessKey: "x", Status: models.StreamOffline}
	b := &models.Stream{Title: "b", StreamKey: "b", AccessKey: "y", Status: models.StreamOffline}
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	earlier := time.Now().Add(-time.Hour).UTC()
	later := time.Now().UTC()
	require.NoError(t, repo.SetStatus(ctx, a.ID, models.StreamOnline, &earlier))
	require.NoError(t, repo.SetStatus(ctx, b.ID, models.StreamOnline, &later))

	online, err := repo.ListByStatus(ctx, models.StreamOnline)
	require.NoError(t, err)
	require.Len(t, online, 2)
	assert.Equal(t, "b", online[0].StreamKey)
	require.NotNil(t, online[1].StreamStartTime)

	require.NoError(t, repo.SetStatus(ctx, b.ID, models.StreamOffline, nil))
	online, err = repo.ListByStatus(ctx, models.StreamOnline)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "a", online[0].StreamKey)

	got, err := repo.GetByStreamKey(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got.StreamStartTime, "start time is kept when going offline")
}
