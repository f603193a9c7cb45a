package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httpadapter "github.com/couchcryptid/crrw-etl/internal/adapter/http"
	"github.com/couchcryptid/crrw-etl/internal/adapter/store"
	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countyHistory computes a real history for a county with a steady number
// of new cases a day.
func countyHistory(t *testing.T, id, state string, perDay float64) (domain.RegionHistory, []string) {
	t.Helper()
	const n = 12
	last := time.Date(2020, time.December, 15, 0, 0, 0, 0, time.UTC)
	s := domain.CaseSeries{
		Region: domain.Region{Level: domain.LevelCounty, ID: id, State: state, Name: "County " + id, Population: 150_000},
		Dates:  make([]time.Time, n),
		Cases:  make([]float64, n),
	}
	for i := range n {
		s.Dates[i] = last.AddDate(0, 0, i-n+1)
		s.Cases[i] = 100 + perDay*float64(i)
	}
	h, err := domain.ComputeIndicators(s)
	require.NoError(t, err)
	return h, domain.FormatDates(s.Dates[domain.SmoothDays:])
}

func newTestServer(t *testing.T, readyErr error) *httpadapter.Server {
	t.Helper()

	st, err := store.Open(":memory:", store.DefaultConfig(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	olmsted, dates := countyHistory(t, "27109", "MN", 2)
	dane, _ := countyHistory(t, "55025", "WI", 40)
	batch := domain.NewHistoryBatch("run-1", domain.LevelCounty, dates, []domain.RegionHistory{olmsted, dane})
	require.NoError(t, st.LoadBatch(context.Background(), batch))
	require.NoError(t, st.Commit(context.Background(), domain.LastUpdate{
		Date:      batch.Date,
		RunID:     batch.RunID,
		UpdatedAt: batch.ProcessedAt,
	}))

	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, st, domain.DefaultDualAxis(), discardLogger())
}

func get(t *testing.T, srv *httpadapter.Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthzReturns200(t *testing.T) {
	rec := get(t, newTestServer(t, nil), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := get(t, newTestServer(t, nil), "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[map[string]string](t, rec)["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := get(t, newTestServer(t, fmt.Errorf("not ready yet")), "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t, nil), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDataset(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := get(t, srv, "/api/v1/datasets/county")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	ds := decode[domain.Dataset](t, rec)
	assert.Equal(t, domain.LevelCounty, ds.Level)
	assert.Equal(t, "2020-12-15", ds.Date)
	assert.Len(t, ds.Dates, 8)
	assert.Contains(t, ds.Data, "27109")
	assert.Contains(t, ds.Data, "55025")
}

func TestDataset_Errors(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/datasets/galaxy").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/datasets/state").Code)
}

func TestHistory(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := get(t, srv, "/api/v1/datasets/county/27109")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[domain.RegionHistory](t, rec)
	assert.Equal(t, "27109", h.FIPS)
	assert.Equal(t, 8, h.Len())

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/datasets/county/99999").Code)
}

func TestTrend_DefaultAxis(t *testing.T) {
	srv := newTestServer(t, nil)
	axis := domain.DefaultDualAxis()

	rec := get(t, srv, "/api/v1/datasets/county/55025/trend")
	require.Equal(t, http.StatusOK, rec.Code)
	chart := decode[domain.TrendChart](t, rec)

	assert.Equal(t, axis.ScaleFactor(), chart.ScaleFactor)
	require.Len(t, chart.RatePixels, 8)
	assert.Len(t, chart.Dates, 8)

	// A second request is served from the chart cache with the same body.
	again := get(t, srv, "/api/v1/datasets/county/55025/trend")
	assert.Equal(t, rec.Body.String(), again.Body.String())
}

func TestTrend_ScaleOverride(t *testing.T) {
	srv := newTestServer(t, nil)

	def := decode[domain.TrendChart](t, get(t, srv, "/api/v1/datasets/county/55025/trend"))
	rec := get(t, srv, "/api/v1/datasets/county/55025/trend?scale=2")
	require.Equal(t, http.StatusOK, rec.Code)
	scaled := decode[domain.TrendChart](t, rec)

	assert.InDelta(t, 2.0, scaled.ScaleFactor, 1e-12)
	axis, err := domain.NewDualAxis(2, domain.DefaultDualAxis().RateUnit())
	require.NoError(t, err)
	h := decode[domain.RegionHistory](t, get(t, srv, "/api/v1/datasets/county/55025"))
	for i, p := range scaled.RatePixels {
		assert.InDelta(t, h.CRPs[i], axis.PixelToQuantity1(p), 1e-9)
	}
	assert.Equal(t, def.RatioPixels, scaled.RatioPixels, "the ratio axis does not depend on scale")
}

func TestTrend_InvalidScale(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, scale := range []string{"0", "-1", "abc", "NaN"} {
		rec := get(t, srv, "/api/v1/datasets/county/27109/trend?scale="+scale)
		assert.Equal(t, http.StatusBadRequest, rec.Code, scale)
	}
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/datasets/county/99999/trend").Code)
}

func TestTooltip(t *testing.T) {
	srv := newTestServer(t, nil)
	axis := domain.DefaultDualAxis()

	ratePx := axis.Quantity1ToPixel(12.5)
	ratioPx := axis.Quantity2ToPixel(1.5)
	rec := get(t, srv, fmt.Sprintf("/api/v1/trend/tooltip?cr=%g&rw=%g", ratePx, ratioPx))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TooltipAt(axis, ratePx, ratioPx), decode[domain.Tooltip](t, rec))

	clamped := axis.Quantity2ToPixel(7)
	rec = get(t, srv, fmt.Sprintf("/api/v1/trend/tooltip?cr=%g&rw=%g", ratePx, clamped))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ClampedRateLabel, decode[domain.Tooltip](t, rec).Ratio)
}

func TestTooltip_BadRequest(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/trend/tooltip?rw=40").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/trend/tooltip?cr=40&rw=x").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/trend/tooltip?cr=40&rw=40&scale=0").Code)
}

func TestCountiesByState(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := get(t, srv, "/api/v1/states/mn/counties")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		State    string                 `json:"state"`
		Counties []domain.RegionHistory `json:"counties"`
	}](t, rec)
	assert.Equal(t, "MN", body.State)
	require.Len(t, body.Counties, 1)
	assert.Equal(t, "27109", body.Counties[0].FIPS)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/states/XX/counties").Code)
}

func TestLastUpdate(t *testing.T) {
	rec := get(t, newTestServer(t, nil), "/api/v1/last_update")

	require.Equal(t, http.StatusOK, rec.Code)
	lu := decode[domain.LastUpdate](t, rec)
	assert.Equal(t, "2020-12-15", lu.Date)
	assert.Equal(t, "run-1", lu.RunID)
}
