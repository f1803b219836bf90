package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/monitor"
	"github.com/fyrsmithlabs/refine/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type failingSource struct{}

func (failingSource) Summary() (monitor.Summary, error) {
	return monitor.Summary{}, errors.New("store is corrupted")
}

func seededStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.json")
	s, err := store.Open(path, store.Options{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "snake_v0.py", store.Entry{Metrics: evaluation.Failed("NameError: foo")}))
	require.NoError(t, s.Upsert(ctx, "snake_v1.py", store.Entry{
		Metrics: evaluation.MetricsRecord{Validity: evaluation.ValidityResult{Runnable: true}},
	}))
	require.NoError(t, s.Upsert(ctx, "pong_v0.py", store.Entry{Metrics: evaluation.Failed("SyntaxError")}))
	return path
}

func setupTestServer(t *testing.T, source StatusSource) *Server {
	t.Helper()
	server, err := NewServer(config.ServerConfig{StatusAddr: "127.0.0.1:0"}, source, logging.NewNop(), nil)
	require.NoError(t, err)
	return server
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when source is nil", func(t *testing.T) {
		_, err := NewServer(config.ServerConfig{}, nil, logging.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status source cannot be nil")
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(config.ServerConfig{}, StoreSource{Path: "x"}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t, failingSource{})

	rec := get(t, server, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleStatus(t *testing.T) {
	t.Run("summarises the store", func(t *testing.T) {
		server := setupTestServer(t, StoreSource{Path: seededStore(t)})

		rec := get(t, server, "/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		require.NotNil(t, resp.Summary)
		assert.Equal(t, 3, resp.Summary.Entries)
		require.Len(t, resp.Summary.Artifacts, 2)
		assert.Equal(t, 1, resp.Summary.Counts[monitor.StatePassed])
		assert.Equal(t, 1, resp.Summary.Counts[monitor.StateFailing])
	})

	t.Run("missing store is empty", func(t *testing.T) {
		server := setupTestServer(t, StoreSource{Path: filepath.Join(t.TempDir(), "none.json")})

		rec := get(t, server, "/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Summary)
		assert.Zero(t, resp.Summary.Entries)
	})

	t.Run("unreadable store is degraded", func(t *testing.T) {
		tl := logging.NewTestLogger()
		server, err := NewServer(config.ServerConfig{}, failingSource{}, tl.Logger, nil)
		require.NoError(t, err)

		rec := get(t, server, "/status")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "store is corrupted", resp.Error)
		assert.Nil(t, resp.Summary)
		tl.AssertLogged(t, zapcore.WarnLevel, "status summary failed")
	})
}

func TestHandleMetrics(t *testing.T) {
	t.Run("exports store state", func(t *testing.T) {
		server := setupTestServer(t, StoreSource{Path: seededStore(t)})

		rec := get(t, server, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, "refine_store_up 1")
		assert.Contains(t, body, "refine_store_entries 3")
		assert.Contains(t, body, `refine_artifacts{state="passed"} 1`)
		assert.Contains(t, body, `refine_artifacts{state="failing"} 1`)
		assert.Contains(t, body, `refine_artifacts{state="timeout"} 0`)
		assert.Contains(t, body, "go_goroutines")
	})

	t.Run("reports unreadable store as down", func(t *testing.T) {
		server := setupTestServer(t, failingSource{})

		rec := get(t, server, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, "refine_store_up 0")
		assert.NotContains(t, body, "refine_store_entries")
	})
}

func TestServe(t *testing.T) {
	server, err := NewServer(config.ServerConfig{
		StatusAddr:      "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, failingSource{}, logging.NewNop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	require.Eventually(t, func() bool {
		return server.Echo().ListenerAddr() != nil
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + server.Echo().ListenerAddr().String() + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(body), `"ok"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server := setupTestServer(t, failingSource{})

		rec := get(t, server, "/health")
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t, failingSource{})

		server.Echo().GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		var rec *httptest.ResponseRecorder
		assert.NotPanics(t, func() {
			rec = get(t, server, "/panic")
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
