package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/internal/infrastructure/middleware"
	"streamgate/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = domain.StreamKey("0123456789abcdef0123")

type MockSessionController struct {
	mock.Mock
}

func (m *MockSessionController) CreateStream(ctx context.Context, sourceURL string, profile domain.Profile) (*ports.StreamTicket, error) {
	args := m.Called(ctx, sourceURL, profile)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.StreamTicket), args.Error(1)
}

func (m *MockSessionController) StopStream(ctx context.Context, key domain.StreamKey) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockSessionController) ReleaseStream(ctx context.Context, key domain.StreamKey, sub domain.SubscriberID) error {
	return m.Called(ctx, key, sub).Error(0)
}

func (m *MockSessionController) RenewLease(key domain.StreamKey, sub domain.SubscriberID) error {
	return m.Called(key, sub).Error(0)
}

func (m *MockSessionController) GetStatus(ctx context.Context, key domain.StreamKey) (*domain.SessionStatus, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionStatus), args.Error(1)
}

func (m *MockSessionController) ListStreams(ctx context.Context) ([]*domain.SessionStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionStatus), args.Error(1)
}

func (m *MockSessionController) Subscribe(ctx context.Context, key domain.StreamKey, offer webrtc.SessionDescription) (*ports.RelayAttachment, error) {
	args := m.Called(ctx, key, offer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.RelayAttachment), args.Error(1)
}

func (m *MockSessionController) Unsubscribe(ctx context.Context, key domain.StreamKey, sub domain.SubscriberID) error {
	return m.Called(ctx, key, sub).Error(0)
}

func (m *MockSessionController) Manifest(ctx context.Context, key domain.StreamKey) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSessionController) SegmentPath(ctx context.Context, key domain.StreamKey, name string) (string, error) {
	args := m.Called(ctx, key, name)
	return args.String(0), args.Error(1)
}

func (m *MockSessionController) Snapshot(ctx context.Context, key domain.StreamKey) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSessionController) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newTestRouter(controller ports.SessionController) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewStreamHandler(controller, logger).SetupRoutes(router)
	return router
}

func do(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateStream(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)

	ticket := &ports.StreamTicket{
		StreamKey:    testKey,
		SubscriberID: "sub-1",
		Delivery:     domain.DeliveryHLS,
		PlaybackPath: "/api/v1/streams/" + string(testKey) + "/hls/index.m3u8?sub=sub-1",
		State:        domain.StateStarting,
	}
	controller.On("CreateStream", mock.Anything, "rtsp://cam1/ch1", domain.Profile{Transport: "tcp"}).
		Return(ticket, nil)

	w := do(router, http.MethodPost, "/api/v1/streams", map[string]any{
		"sourceUrl": "rtsp://cam1/ch1",
		"profile":   map[string]string{"transport": "tcp"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var got ports.StreamTicket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, *ticket, got)
	controller.AssertExpectations(t)
}

func TestCreateStream_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid source", fmt.Errorf("%w: scheme", domain.ErrInvalidSource), http.StatusBadRequest},
		{"engine missing", fmt.Errorf("%w: %w", domain.ErrCreationFailed, domain.ErrEngineMissing), http.StatusConflict},
		{"creation failed", fmt.Errorf("%w: spawn", domain.ErrCreationFailed), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller := new(MockSessionController)
			router := newTestRouter(controller)
			controller.On("CreateStream", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			w := do(router, http.MethodPost, "/api/v1/streams", map[string]any{"sourceUrl": "rtsp://cam1/ch1"})
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestCreateStream_MissingSource(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)

	w := do(router, http.MethodPost, "/api/v1/streams", map[string]any{"profile": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	controller.AssertNotCalled(t, "CreateStream", mock.Anything, mock.Anything, mock.Anything)
}

func TestStopStream(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)
	controller.On("StopStream", mock.Anything, testKey).Return(nil)
	controller.On("StopStream", mock.Anything, domain.StreamKey("ffffffffffffffffffff")).Return(domain.ErrStreamNotFound)

	w := do(router, http.MethodDelete, "/api/v1/streams/"+string(testKey), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodDelete, "/api/v1/streams/ffffffffffffffffffff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// malformed keys never reach the controller
	w = do(router, http.MethodDelete, "/api/v1/streams/not-a-key", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	controller.AssertNumberOfCalls(t, "StopStream", 2)
}

func TestReleaseSubscriber(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)
	controller.On("ReleaseStream", mock.Anything, testKey, domain.SubscriberID("sub-1")).Return(nil)
	controller.On("ReleaseStream", mock.Anything, testKey, domain.SubscriberID("sub-2")).Return(domain.ErrSubscriberNotFound)

	w := do(router, http.MethodDelete, "/api/v1/streams/"+string(testKey)+"/subscribers/sub-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodDelete, "/api/v1/streams/"+string(testKey)+"/subscribers/sub-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStatusAndList(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)

	status := &domain.SessionStatus{
		StreamKey:       testKey,
		State:           domain.StateDegraded,
		SubscriberCount: 2,
		RetryCount:      1,
		LastError:       domain.ErrorKindSourceUnreachable,
	}
	controller.On("GetStatus", mock.Anything, testKey).Return(status, nil)
	controller.On("ListStreams", mock.Anything).Return([]*domain.SessionStatus{status}, nil)

	w := do(router, http.MethodGet, "/api/v1/streams/"+string(testKey)+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "degraded", got["state"])
	assert.Equal(t, float64(2), got["subscriberCount"])
	assert.Equal(t, "SourceUnreachable", got["lastError"])

	w = do(router, http.MethodGet, "/api/v1/streams", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Streams []domain.SessionStatus `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Streams, 1)
	assert.Equal(t, testKey, list.Streams[0].StreamKey)
}

func TestServePlayback_Manifest(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)
	controller.On("RenewLease", testKey, domain.SubscriberID("sub-1")).Return(nil)
	controller.On("Manifest", mock.Anything, testKey).Return([]byte("#EXTM3U\n"), nil)

	w := do(router, http.MethodGet, "/api/v1/streams/"+string(testKey)+"/hls/index.m3u8?sub=sub-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))
	assert.Equal(t, "#EXTM3U\n", w.Body.String())
	controller.AssertExpectations(t)
}

func TestServePlayback_ManifestNotReady(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)
	controller.On("Manifest", mock.Anything, testKey).Return(nil, domain.ErrManifestNotReady)

	w := do(router, http.MethodGet, "/api/v1/streams/"+string(testKey)+"/hls/index.m3u8", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	controller.AssertNotCalled(t, "RenewLease", mock.Anything, mock.Anything)
}

func TestServePlayback_Segment(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)

	dir := t.TempDir()
	segment := filepath.Join(dir, "seg_000001.ts")
	require.NoError(t, os.WriteFile(segment, []byte("mpegts"), 0o644))

	controller.On("SegmentPath", mock.Anything, testKey, "seg_000001.ts").Return(segment, nil)
	controller.On("SegmentPath", mock.Anything, testKey, "seg_000099.ts").Return("", domain.ErrSegmentNotFound)

	w := do(router, http.MethodGet, "/api/v1/streams/"+string(testKey)+"/hls/seg_000001.ts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mpegts", w.Body.String())
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))

	w = do(router, http.MethodGet, "/api/v1/streams/"+string(testKey)+"/hls/seg_000099.ts", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServePlayback_RelayStream(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)
	controller.On("Manifest", mock.Anything, testKey).Return(nil, domain.ErrDeliveryMismatch)

	w := do(router, http.MethodGet, "/api/v1/streams/"+string(testKey)+"/hls/index.m3u8", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetSnapshot(t *testing.T) {
	controller := new(MockSessionController)
	router := newTestRouter(controller)
	controller.On("Snapshot", mock.Anything, testKey).Return([]byte{0xff, 0xd8}, nil)

	w := do(router, http.MethodGet, "/api/v1/streams/"+string(testKey)+"/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8}, w.Body.Bytes())
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := monitoring.NewHealthChecker(zap.NewNop().Sugar())
	healthy := true
	checker.AddCheck("engine", func(ctx context.Context) (bool, error) {
		if healthy {
			return true, nil
		}
		return false, fmt.Errorf("missing")
	}, time.Minute, time.Second)

	reg := prometheus.NewRegistry()
	router := gin.New()
	NewHealthHandler(checker, reg).SetupRoutes(router)

	w := do(router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = do(router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = do(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
