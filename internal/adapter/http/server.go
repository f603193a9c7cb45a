package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker = sharedobs.ReadinessChecker

// HistoryReader reads the datasets produced by the pipeline.
type HistoryReader interface {
	Dataset(ctx context.Context, level domain.Level) (domain.Dataset, error)
	History(ctx context.Context, level domain.Level, id string) (domain.RegionHistory, error)
	Dates(ctx context.Context, level domain.Level) ([]string, error)
	CountiesByState(ctx context.Context, state string) ([]domain.RegionHistory, error)
	LastUpdate(ctx context.Context) (domain.LastUpdate, error)
}

// DefaultChartCacheSize is the number of rendered trend charts kept in memory.
const DefaultChartCacheSize = 512

// Server exposes health, readiness, metrics and the dataset API.
type Server struct {
	httpServer *http.Server
	reader     HistoryReader
	axis       domain.DualAxis
	charts     *lruCache[domain.TrendChart]
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /api/v1 routes. Trend charts are drawn on axis unless a request overrides
// its scale factor.
func NewServer(addr string, ready ReadinessChecker, reader HistoryReader, axis domain.DualAxis, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		reader: reader,
		axis:   axis,
		charts: newLRUCache[domain.TrendChart](DefaultChartCacheSize),
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/datasets/{level}", s.handleDataset)
	mux.HandleFunc("GET /api/v1/datasets/{level}/{id}", s.handleHistory)
	mux.HandleFunc("GET /api/v1/datasets/{level}/{id}/trend", s.handleTrend)
	mux.HandleFunc("GET /api/v1/trend/tooltip", s.handleTooltip)
	mux.HandleFunc("GET /api/v1/states/{state}/counties", s.handleCounties)
	mux.HandleFunc("GET /api/v1/last_update", s.handleLastUpdate)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	level, ok := pathLevel(w, r)
	if !ok {
		return
	}
	ds, err := s.reader.Dataset(r.Context(), level)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, ds)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	level, ok := pathLevel(w, r)
	if !ok {
		return
	}
	h, err := s.reader.History(r.Context(), level, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, h)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	level, ok := pathLevel(w, r)
	if !ok {
		return
	}
	axis, ok := s.requestAxis(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	dates, err := s.reader.Dates(r.Context(), level)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := chartKey(level, id, dates, axis.ScaleFactor())
	if chart, ok := s.charts.get(key); ok {
		sharedobs.WriteJSON(w, http.StatusOK, chart)
		return
	}

	h, err := s.reader.History(r.Context(), level, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chart, err := domain.BuildTrendChart(h, dates, axis)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.charts.put(key, chart)
	sharedobs.WriteJSON(w, http.StatusOK, chart)
}

func (s *Server) handleTooltip(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.requestAxis(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ratePx, err := strconv.ParseFloat(q.Get("cr"), 64)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "cr must be a number"})
		return
	}
	ratioPx, err := strconv.ParseFloat(q.Get("rw"), 64)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "rw must be a number"})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, domain.TooltipAt(axis, ratePx, ratioPx))
}

func (s *Server) handleCounties(w http.ResponseWriter, r *http.Request) {
	state := strings.ToUpper(r.PathValue("state"))
	if _, ok := domain.StateByAbbr(state); !ok {
		sharedobs.WriteJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown state %q", state)})
		return
	}
	counties, err := s.reader.CountiesByState(r.Context(), state)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if counties == nil {
		counties = []domain.RegionHistory{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{
		"state":    state,
		"counties": counties,
	})
}

func (s *Server) handleLastUpdate(w http.ResponseWriter, r *http.Request) {
	lu, err := s.reader.LastUpdate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, lu)
}

// requestAxis returns the server axis, or a copy with the scale factor from
// the scale query parameter.
func (s *Server) requestAxis(w http.ResponseWriter, r *http.Request) (domain.DualAxis, bool) {
	raw := r.URL.Query().Get("scale")
	if raw == "" {
		return s.axis, true
	}
	scale, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "scale must be a number"})
		return domain.DualAxis{}, false
	}
	axis, err := domain.NewDualAxis(scale, s.axis.RateUnit())
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return domain.DualAxis{}, false
	}
	return axis, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		sharedobs.WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrSeriesLengthMismatch):
		s.logger.Error("stored history is inconsistent", "path", r.URL.Path, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "stored history is inconsistent"})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func pathLevel(w http.ResponseWriter, r *http.Request) (domain.Level, bool) {
	level, err := domain.ParseLevel(r.PathValue("level"))
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", false
	}
	return level, true
}

// chartKey identifies a chart by region, dataset dates and scale.
func chartKey(level domain.Level, id string, dates []string, scale float64) string {
	last := ""
	if len(dates) > 0 {
		last = dates[len(dates)-1]
	}
	return fmt.Sprintf("%s|%s|%s|%d|%g", level, id, last, len(dates), scale)
}
