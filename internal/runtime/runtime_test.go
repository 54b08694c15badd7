package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-converse/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SessionStore.RetentionMode = "ephemeral"
	cfg.TTS.Enabled = false
	return cfg
}

func TestHealthAlwaysOK(t *testing.T) {
	rt := New(testConfig(), testLogger())
	rec := httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsDependencies(t *testing.T) {
	rt := New(testConfig(), testLogger())

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	orch, err := rt.buildOrchestrator(context.Background())
	require.NoError(t, err)
	require.NotNil(t, orch)
	t.Cleanup(func() { _ = rt.store.Close() })

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rt.cfg.Bus.Enabled = true
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildOrchestratorRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Mode = "carrier-pigeon"
	rt := New(cfg, testLogger())
	_, err := rt.buildOrchestrator(context.Background())
	require.Error(t, err)
	require.NotNil(t, rt.store)
	_ = rt.store.Close()
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, New(testConfig(), testLogger()).stop())
}

func TestTelemetryServesTurnMetrics(t *testing.T) {
	shutdown, handler, err := setupTelemetry(testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	require.NotNil(t, handler)

	counter, err := otel.Meter("runtime-test").Int64Counter("loqa.render_check")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loqa_render_check_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
