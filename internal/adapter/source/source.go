package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/couchcryptid/crrw-etl/internal/observability"
	"github.com/samber/lo"
)

// Source names used in detections, logs, and metric labels.
const (
	USAFactsCases  = "usafacts_confirmed"
	USAFactsDeaths = "usafacts_deaths"
	JHUCases       = "jhu_confirmed"
	JHUDeaths      = "jhu_deaths"
)

// Locations maps each source to a URL or local path.
type Locations struct {
	USAFactsCases  string
	USAFactsDeaths string
	JHUCases       string
	JHUDeaths      string
	ReferenceDir   string
}

// Source reads the case and death files needed for the configured levels.
// It implements pipeline.Detector and pipeline.Extractor.
type Source struct {
	fetcher *Fetcher
	locs    Locations
	levels  []domain.Level
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Source producing the given levels.
func New(f *Fetcher, locs Locations, levels []domain.Level, logger *slog.Logger, metrics *observability.Metrics) *Source {
	return &Source{
		fetcher: f,
		locs:    locs,
		levels:  levels,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Source) needsUS() bool {
	return lo.Some(s.levels, []domain.Level{domain.LevelCounty, domain.LevelState, domain.LevelUSA})
}

func (s *Source) needsWorld() bool {
	return lo.Contains(s.levels, domain.LevelWorld)
}

// sources lists the time series files the configured levels depend on.
func (s *Source) sources() map[string]string {
	out := make(map[string]string, 4)
	if s.needsUS() {
		out[USAFactsCases] = s.locs.USAFactsCases
		out[USAFactsDeaths] = s.locs.USAFactsDeaths
	}
	if s.needsWorld() {
		out[JHUCases] = s.locs.JHUCases
		out[JHUDeaths] = s.locs.JHUDeaths
	}
	return out
}

// Detect reads only the header of every source and reports whether it
// already carries date.
func (s *Source) Detect(ctx context.Context, date time.Time) ([]domain.Detection, error) {
	srcs := s.sources()
	names := lo.Keys(srcs)
	sort.Strings(names)

	detections := make([]domain.Detection, 0, len(names))
	for _, name := range names {
		d, err := s.detect(ctx, name, srcs[name], date)
		if err != nil {
			return nil, err
		}
		detections = append(detections, d)
	}
	return detections, nil
}

func (s *Source) detect(ctx context.Context, name, location string, date time.Time) (domain.Detection, error) {
	rc, err := s.fetcher.Open(ctx, location)
	if err != nil {
		return domain.Detection{}, fmt.Errorf("detect %s: %w", name, err)
	}
	defer rc.Close()

	h, err := readHeader(rc)
	if err != nil {
		return domain.Detection{}, fmt.Errorf("detect %s: %w", name, err)
	}

	latest := h.dates[len(h.dates)-1]
	return domain.Detection{
		Source:     name,
		CheckDate:  date.Format(domain.DateLayout),
		LatestDate: latest.Format(domain.DateLayout),
		Updated:    lo.ContainsBy(h.dates, func(d time.Time) bool { return sameDay(d, date) }),
	}, nil
}

// Extract downloads every source and returns the case series of each
// configured level. All series of one level share the same dates.
func (s *Source) Extract(ctx context.Context) (map[domain.Level][]domain.CaseSeries, error) {
	ref, err := LoadReference(ctx, s.fetcher, s.locs.ReferenceDir, s.needsUS(), s.needsWorld())
	if err != nil {
		return nil, err
	}

	out := make(map[domain.Level][]domain.CaseSeries, len(s.levels))
	if s.needsUS() {
		if err := s.extractUS(ctx, ref, out); err != nil {
			return nil, err
		}
	}
	if s.needsWorld() {
		if err := s.extractWorld(ctx, ref, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Source) extractUS(ctx context.Context, ref Reference, out map[domain.Level][]domain.CaseSeries) error {
	cases, err := fetchTable(ctx, s, USAFactsCases, s.locs.USAFactsCases, ParseUSAFacts)
	if err != nil {
		return err
	}
	deaths, err := fetchTable(ctx, s, USAFactsDeaths, s.locs.USAFactsDeaths, ParseUSAFacts)
	if err != nil {
		return err
	}

	counties, all, err := CountySeries(cases, deaths, ref)
	if err != nil {
		return err
	}
	s.logger.Info("county series extracted", "counties", len(counties), "rows", len(all))

	if lo.Contains(s.levels, domain.LevelCounty) {
		out[domain.LevelCounty] = counties
	}

	states, err := domain.AggregateStates(all, ref.StatePopulation)
	if err != nil {
		return fmt.Errorf("aggregate states: %w", err)
	}
	if lo.Contains(s.levels, domain.LevelState) {
		out[domain.LevelState] = states
	}
	if lo.Contains(s.levels, domain.LevelUSA) {
		usa, err := domain.AggregateUSA(states, ref.USAPopulation)
		if err != nil {
			return fmt.Errorf("aggregate usa: %w", err)
		}
		out[domain.LevelUSA] = []domain.CaseSeries{usa}
	}
	return nil
}

func (s *Source) extractWorld(ctx context.Context, ref Reference, out map[domain.Level][]domain.CaseSeries) error {
	cases, err := fetchTable(ctx, s, JHUCases, s.locs.JHUCases, ParseJHU)
	if err != nil {
		return err
	}
	deaths, err := fetchTable(ctx, s, JHUDeaths, s.locs.JHUDeaths, ParseJHU)
	if err != nil {
		return err
	}

	series, skipped, err := WorldSeries(cases, deaths, ref)
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		s.logger.Debug("countries without population skipped", "count", len(skipped), "countries", skipped)
	}
	s.logger.Info("country series extracted", "countries", len(series))
	out[domain.LevelWorld] = series
	return nil
}

// fetchTable downloads and parses one time series file, recording the fetch duration.
func fetchTable[T any](ctx context.Context, s *Source, name, location string, parse func(r io.Reader) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	rc, err := s.fetcher.Open(ctx, location)
	if err != nil {
		return zero, fmt.Errorf("extract %s: %w", name, err)
	}
	defer rc.Close()

	table, err := parse(rc)
	if err != nil {
		return zero, fmt.Errorf("extract %s: %w", name, err)
	}
	s.metrics.FetchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return table, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
