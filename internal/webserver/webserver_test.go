package webserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/studipfuse/studipfuse/internal/cache"
	"github.com/studipfuse/studipfuse/internal/filesystem"
	"github.com/studipfuse/studipfuse/internal/logging"
	"github.com/studipfuse/studipfuse/internal/pathtmpl"
	"github.com/studipfuse/studipfuse/internal/studip"
	"github.com/studipfuse/studipfuse/internal/vtree"
)

type emptyBackend struct{}

func (emptyBackend) Semesters(_ context.Context) ([]studip.Semester, error) { return nil, nil }
func (emptyBackend) Courses(_ context.Context, _ string) ([]studip.Course, error) {
	return nil, nil
}
func (emptyBackend) FolderTree(_ context.Context, _ string) ([]studip.TreeFile, error) {
	return nil, nil
}

type nullDownloader struct{}

func (nullDownloader) DownloadFile(_ context.Context, _ string, _ io.Writer) (int64, error) {
	return 0, nil
}

func testDashboard(t *testing.T) *FSDashboard {
	t.Helper()

	rbuf := logging.NewRingBuffer(10, io.Discard)

	tmpl, err := pathtmpl.Parse("{file-name}")
	require.NoError(t, err)
	tree := vtree.New(tmpl, pathtmpl.NewTokenProvider(nil), emptyBackend{})

	store, err := cache.New(t.TempDir(), nullDownloader{}, rbuf)
	require.NoError(t, err)

	client, err := studip.NewClient("http://127.0.0.1:1/", "alice", "secret", nil, rbuf)
	require.NoError(t, err)

	fsys, err := filesystem.NewFS(tree, store, client, nil, rbuf)
	require.NoError(t, err)

	dash, err := NewFSDashboard(fsys, client, store, rbuf, "gotests")
	require.NoError(t, err)

	return dash
}

// Expectation: Serve should return a valid HTTP server pointer.
func Test_Serve_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t)

	srv := dash.Serve("127.0.0.1:0")
	require.NotNil(t, srv)
	require.NotEmpty(t, srv.Addr)

	defer srv.Close()
}

// Expectation: dashboardMux should register all expected routes.
func Test_dashboardMux_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t)

	router := dash.dashboardMux()

	for _, path := range []string{"/", "/metrics.json", "/gc", "/reset"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		require.NotEqual(t, http.StatusNotFound, w.Code, "Route %s should exist", path)
	}
}

// Expectation: dashboardHandler should render the dashboard with the
// collected data and recent event lines.
func Test_dashboardHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t)

	dash.rbuf.Println("test log entry")
	dash.fsys.Metrics.TotalLookups.Store(7)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	dash.dashboardHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.Contains(t, body, "gotests")
	require.Contains(t, body, "test log entry")
}

// Expectation: metricsHandler should emit the collected data as JSON.
func Test_metricsHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t)

	dash.fsys.Metrics.TotalReaddirs.Store(3)
	dash.client.Metrics.TotalRequests.Store(12)

	req := httptest.NewRequest(http.MethodGet, "/metrics.json", nil)
	w := httptest.NewRecorder()

	dash.metricsHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var data fsDashboardData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	require.Equal(t, int64(3), data.TotalReaddirs)
	require.Equal(t, int64(12), data.Requests)
	require.Equal(t, "gotests", data.Version)
}

// Expectation: resetMetricsHandler should zero the counters.
func Test_resetMetricsHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t)

	dash.fsys.Metrics.TotalErrors.Store(9)
	dash.client.Metrics.TotalRetries.Store(4)
	dash.store.Metrics.TotalHits.Store(2)

	req := httptest.NewRequest(http.MethodGet, "/reset", nil)
	w := httptest.NewRecorder()

	dash.resetMetricsHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Zero(t, dash.fsys.Metrics.TotalErrors.Load())
	require.Zero(t, dash.client.Metrics.TotalRetries.Load())
	require.Zero(t, dash.store.Metrics.TotalHits.Load())
}

// Expectation: the ratio helpers should guard their zero denominators.
func Test_RatioHelpers_ZeroSafe(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t)

	require.Equal(t, "0 B", dash.avgDownloadSize())
	require.Equal(t, "0 B", dash.totalDownloadBytes())
	require.Equal(t, "0.00%", dash.cacheHitRatio())

	dash.store.Metrics.TotalHits.Store(3)
	dash.store.Metrics.TotalDownloads.Store(1)
	require.Equal(t, "75.00%", dash.cacheHitRatio())
}
