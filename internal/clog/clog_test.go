package clog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesHandlerAddsContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, "json")

	ctx := ContextWithSlog(context.Background())
	AddAttribute(ctx, "task_id", "t-1")
	AddAttributes(ctx, map[string]any{"actor_id": "alice"})
	logger.InfoContext(ctx, "status changed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "status changed", rec["msg"])
	assert.Equal(t, "t-1", rec["task_id"])
	assert.Equal(t, "alice", rec["actor_id"])
}

func TestAddAttributeWithoutBagIsIgnored(t *testing.T) {
	ctx := context.Background()
	AddAttribute(ctx, "k", "v")
	assert.Nil(t, GetAttributes(ctx))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestHTTPStatusToLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, HTTPStatusToLevel(200))
	assert.Equal(t, slog.LevelWarn, HTTPStatusToLevel(409))
	assert.Equal(t, slog.LevelError, HTTPStatusToLevel(503))
}

func TestSlogChiMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug, "json")

	r := chi.NewRouter()
	r.Use(SlogChiMiddleware(
		WithChiLogger(logger),
		WithChiFilter(func(r *http.Request) bool { return r.URL.Path != "/health" }),
	))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/conflict", func(w http.ResponseWriter, r *http.Request) {
		AddAttribute(r.Context(), "task_id", "t-9")
		w.WriteHeader(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Zero(t, buf.Len())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conflict", nil))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "/conflict", rec["path"])
	assert.Equal(t, "t-9", rec["task_id"])
	assert.EqualValues(t, 409, rec["status"])
}
