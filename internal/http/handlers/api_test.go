package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/browsercast/castrelay/internal/ffmpeg"
	"github.com/browsercast/castrelay/internal/models"
	"github.com/browsercast/castrelay/internal/relay"
	"github.com/browsercast/castrelay/internal/repository"
	"github.com/browsercast/castrelay/internal/service"
)

func newTestAPI() (*chi.Mux, huma.API) {
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	return router, api
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Stream{}))
	return db
}

func TestSessionHandler(t *testing.T) {
	spawner := &stubSpawner{}
	mgr := relay.NewManager(relay.ManagerConfig{GracePeriod: 10 * time.Millisecond}, spawner, stubAuthorizer{}, discardLogger())
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	_, err := mgr.Admit(context.Background(), "alpha", "good")
	require.NoError(t, err)

	h := NewSessionHandler(mgr).WithLogger(discardLogger())
	h.sample = func(_ context.Context, pid int) (ffmpeg.ProcessStats, error) {
		return ffmpeg.ProcessStats{PID: pid, CPUPercent: 12.5, MemoryRSSBytes: 1 << 20}, nil
	}
	router, api := newTestAPI()
	h.Register(api)

	t.Run("list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Count    int `json:"count"`
			Sessions []struct {
				StreamID string `json:"stream_id"`
				State    string `json:"state"`
				PID      int    `json:"pid"`
				Process  *struct {
					CPUPercent float64 `json:"cpu_percent"`
				} `json:"process"`
			} `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 1, body.Count)
		assert.Equal(t, "alpha", body.Sessions[0].StreamID)
		assert.Equal(t, "active", body.Sessions[0].State)
		require.NotNil(t, body.Sessions[0].Process)
		assert.InDelta(t, 12.5, body.Sessions[0].Process.CPUPercent, 0.001)
	})

	t.Run("delete unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/nope", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/alpha", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, 0, mgr.Len())

		select {
		case <-spawner.proc("alpha").Done():
		default:
			t.Fatal("transcoder not terminated")
		}
	})
}

func postForm(router http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStreamHandler(t *testing.T) {
	svc := service.NewStreamService(repository.NewStreamRepository(newTestDB(t))).WithLogger(discardLogger())
	h := NewStreamHandler(svc).WithLogger(discardLogger())
	router, api := newTestAPI()
	h.Register(api)
	h.RegisterChiRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/streams", strings.NewReader(`{"title":"Launch","overview":"day one"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		StreamKey       string `json:"stream_key"`
		StreamAccessKey string `json:"stream_access_key"`
		Status          string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.StreamKey)
	require.NotEmpty(t, created.StreamAccessKey)
	assert.Equal(t, "offline", created.Status)

	tcurl := "rtmp://nginx-rtmp:1935/live?password=" + created.StreamAccessKey

	t.Run("get hides access key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/streams/"+created.StreamKey, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), created.StreamAccessKey)
	})

	t.Run("get unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/streams/unknown", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rtmp-auth rejects wrong key", func(t *testing.T) {
		rec := postForm(router, "/rtmp-auth", url.Values{
			"name":  {created.StreamKey},
			"tcurl": {"rtmp://nginx-rtmp:1935/live?password=wrong"},
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("rtmp-auth requires fields", func(t *testing.T) {
		rec := postForm(router, "/rtmp-auth", url.Values{"name": {created.StreamKey}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"name and tcurl are required"}`, rec.Body.String())
	})

	t.Run("publish lifecycle", func(t *testing.T) {
		rec := postForm(router, "/rtmp-auth", url.Values{"name": {created.StreamKey}, "tcurl": {tcurl}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"Stream authorized"}`, rec.Body.String())

		req := httptest.NewRequest(http.MethodGet, "/streams", nil)
		list := httptest.NewRecorder()
		router.ServeHTTP(list, req)
		require.Equal(t, http.StatusOK, list.Code)

		var lives struct {
			Lives []struct {
				StreamKey string `json:"stream_key"`
				Status    string `json:"status"`
			} `json:"lives"`
		}
		require.NoError(t, json.Unmarshal(list.Body.Bytes(), &lives))
		require.Len(t, lives.Lives, 1)
		assert.Equal(t, created.StreamKey, lives.Lives[0].StreamKey)
		assert.Equal(t, "online", lives.Lives[0].Status)

		rec = postForm(router, "/stream_end", url.Values{"name": {created.StreamKey}, "tcurl": {tcurl}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"Stream ended"}`, rec.Body.String())

		list = httptest.NewRecorder()
		router.ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/streams", nil))
		lives.Lives = nil
		require.NoError(t, json.Unmarshal(list.Body.Bytes(), &lives))
		assert.Empty(t, lives.Lives)
		assert.Contains(t, list.Body.String(), `"lives":[]`)
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	h := NewHealthHandler("1.0.0").WithSessionCounter(func() int { return 3 })

	out, err := h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "healthy", out.Body.Status)
	assert.Equal(t, "1.0.0", out.Body.Version)
	assert.NotEmpty(t, out.Body.Uptime)
	assert.NotZero(t, out.Body.CPUInfo.Cores)
	require.NotNil(t, out.Body.Sessions)
	assert.Equal(t, 3, *out.Body.Sessions)
}

func TestHealthHandler_Database(t *testing.T) {
	h := NewHealthHandler("1.0.0").WithDB(newTestDB(t))

	out, err := h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Body.Checks["database"])
	assert.Nil(t, out.Body.Sessions)
}

func TestHealthHandler_GetLivez(t *testing.T) {
	out, err := NewHealthHandler("1.0.0").GetLivez(context.Background(), &LivezInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Body.Status)
}
