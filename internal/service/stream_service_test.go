package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/browsercast/castrelay/internal/models"
	"github.com/browsercast/castrelay/internal/repository"
)

func newTestStreamService(t *testing.T) *StreamService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Stream{}))

	svc := NewStreamService(repository.NewStreamRepository(db))
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc
}

func TestStreamService_Create(t *testing.T) {
	svc := newTestStreamService(t)

	created, err := svc.Create(context.Background(), "Evening show", "talk")
	require.NoError(t, err)

	assert.Len(t, created.StreamKey, 32)
	assert.Regexp(t, `^[0-9a-f]{32}$`, created.StreamAccessKey)
	assert.NotEqual(t, created.StreamKey, created.StreamAccessKey)
	assert.Equal(t, models.StreamOffline, created.Status)

	data, err := json.Marshal(created)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stream_access_key":"`+created.StreamAccessKey+`"`)

	_, err = svc.Create(context.Background(), "", "")
	assert.ErrorIs(t, err, models.ErrTitleRequired)
}

func TestStreamService_AuthorizeAndEnd(t *testing.T) {
	svc := newTestStreamService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "Show", "")
	require.NoError(t, err)
	tcurl := "rtmp://nginx-rtmp:1935/live?password=" + created.StreamAccessKey

	stream, err := svc.AuthorizePublish(ctx, created.StreamKey, tcurl)
	require.NoError(t, err)
	assert.True(t, stream.IsOnline())

	online, err := svc.ListOnline(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	require.NotNil(t, online[0].StreamStartTime)
	assert.True(t, online[0].StreamStartTime.Equal(svc.now()))

	_, err = svc.EndPublish(ctx, created.StreamKey, tcurl)
	require.NoError(t, err)

	got, err := svc.Get(ctx, created.StreamKey)
	require.NoError(t, err)
	assert.Equal(t, models.StreamOffline, got.Status)
}

func TestStreamService_RejectsBadCredentials(t *testing.T) {
	svc := newTestStreamService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "Show", "")
	require.NoError(t, err)

	for _, tcurl := range []string{
		"rtmp://nginx-rtmp:1935/live?password=wrong",
		"rtmp://nginx-rtmp:1935/live",
		"",
	} {
		_, err := svc.AuthorizePublish(ctx, created.StreamKey, tcurl)
		assert.ErrorIs(t, err, ErrInvalidCredentials, tcurl)
	}

	_, err = svc.AuthorizePublish(ctx, "unknown", "rtmp://x/live?password="+created.StreamAccessKey)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	got, err := svc.Get(ctx, created.StreamKey)
	require.NoError(t, err)
	assert.Equal(t, models.StreamOffline, got.Status)
}

func TestStreamService_GetMissing(t *testing.T) {
	svc := newTestStreamService(t)
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestPasswordFromTCURL(t *testing.T) {
	assert.Equal(t, "abc", PasswordFromTCURL("rtmp://host/live?password=abc"))
	assert.Equal(t, "a&b", PasswordFromTCURL("rtmp://host/live?password=a%26b&x=1"))
	assert.Equal(t, "", PasswordFromTCURL("rtmp://host/live"))
}
