package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/couchcryptid/crrw-etl/internal/observability"
	"github.com/couchcryptid/crrw-etl/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockSource struct {
	updated     atomic.Bool
	detectCalls atomic.Int32
	detectFails atomic.Int32 // number of Detect calls left that fail
	extractErr  error
	series      map[domain.Level][]domain.CaseSeries
}

func (m *mockSource) Detect(_ context.Context, date time.Time) ([]domain.Detection, error) {
	m.detectCalls.Add(1)
	if m.detectFails.Load() > 0 {
		m.detectFails.Add(-1)
		return nil, errors.New("source unreachable")
	}
	d := date.Format(domain.DateLayout)
	return []domain.Detection{
		{Source: "usafacts_confirmed", CheckDate: d, Updated: m.updated.Load()},
		{Source: "usafacts_deaths", CheckDate: d, Updated: true},
	}, nil
}

func (m *mockSource) Extract(_ context.Context) (map[domain.Level][]domain.CaseSeries, error) {
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return m.series, nil
}

type mockLoader struct {
	mu        sync.Mutex
	batches   []domain.HistoryBatch
	err       error
	failLevel domain.Level // level rejected with err; every level when empty
}

func (m *mockLoader) LoadBatch(_ context.Context, batch domain.HistoryBatch) error {
	if m.err != nil && (m.failLevel == "" || m.failLevel == batch.Level) {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockLoader) loaded() []domain.HistoryBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.HistoryBatch(nil), m.batches...)
}

type mockCheckpoint struct {
	mu        sync.Mutex
	commits   []domain.LastUpdate
	commitErr error
}

func checkpointAt(date, runID string) *mockCheckpoint {
	return &mockCheckpoint{commits: []domain.LastUpdate{{Date: date, RunID: runID}}}
}

func (m *mockCheckpoint) LastUpdate(context.Context) (domain.LastUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commits) == 0 {
		return domain.LastUpdate{}, domain.ErrNotFound
	}
	return m.commits[len(m.commits)-1], nil
}

func (m *mockCheckpoint) Commit(_ context.Context, lu domain.LastUpdate) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, lu)
	return nil
}

func (m *mockCheckpoint) committed() []domain.LastUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LastUpdate(nil), m.commits...)
}

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// linearSeries grows by perDay cases and one death per 100 cases, ending on last.
func linearSeries(level domain.Level, id string, pop float64, last time.Time, n int, perDay float64) domain.CaseSeries {
	s := domain.CaseSeries{
		Region: domain.Region{Level: level, ID: id, State: "MN", Name: "Region " + id, Population: pop},
		Dates:  make([]time.Time, n),
		Cases:  make([]float64, n),
		Deaths: make([]float64, n),
	}
	for i := range n {
		s.Dates[i] = last.AddDate(0, 0, i-n+1)
		s.Cases[i] = perDay * float64(i+1)
		s.Deaths[i] = float64(int(s.Cases[i] / 100))
	}
	return s
}

var lastDate = time.Date(2020, time.December, 15, 0, 0, 0, 0, time.UTC)

func usSeries() map[domain.Level][]domain.CaseSeries {
	return map[domain.Level][]domain.CaseSeries{
		domain.LevelState: {
			linearSeries(domain.LevelState, "27", 5_639_632, lastDate, 30, 1000),
			linearSeries(domain.LevelState, "55", 5_822_434, lastDate, 30, 200),
		},
		domain.LevelUSA: {
			linearSeries(domain.LevelUSA, "00", 328_239_523, lastDate, 30, 1200),
		},
	}
}

func newPipeline(src *mockSource, loaders []pipeline.NamedLoader, metrics *observability.Metrics, opts ...pipeline.Option) *pipeline.Pipeline {
	opts = append([]pipeline.Option{pipeline.WithLevels([]domain.Level{domain.LevelState, domain.LevelUSA})}, opts...)
	return pipeline.New(src, pipeline.NewTransformer(discardLogger()), loaders, discardLogger(), metrics, opts...)
}

// --- RunOnce ---

func TestRunOnce_LoadsEveryLevelIntoEveryLoader(t *testing.T) {
	src := &mockSource{series: usSeries()}
	src.updated.Store(true)
	store, bus := &mockLoader{}, &mockLoader{}
	metrics := newTestMetrics()
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: store}, {Name: "kafka", Loader: bus}}, metrics)

	require.Error(t, p.CheckReadiness(context.Background()))

	res, err := p.RunOnce(context.Background(), lastDate, false)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "2020-12-15", res.Date)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, map[domain.Level]int{domain.LevelState: 2, domain.LevelUSA: 1}, res.Regions)
	assert.Len(t, res.Detections, 2)

	got := store.loaded()
	require.Len(t, got, 2)
	if diff := cmp.Diff(got, bus.loaded()); diff != "" {
		t.Errorf("loaders received different batches (-store +kafka):\n%s", diff)
	}

	states := got[0]
	assert.Equal(t, domain.LevelState, states.Level)
	assert.Equal(t, res.RunID, states.RunID)
	assert.Equal(t, "2020-12-15", states.Date)
	assert.Len(t, states.Dates, 30-domain.SmoothDays)
	require.Len(t, states.Histories, 2)
	assert.Equal(t, len(states.Dates), states.Histories[0].Len())
	assert.Equal(t, domain.LevelUSA, got[1].Level)

	require.NoError(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, "2020-12-15", p.LastProcessed())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("success")), 1e-9)
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.RegionsProduced.WithLabelValues("state")), 1e-9)
	assert.InDelta(t, float64(lastDate.Unix()), testutil.ToFloat64(metrics.LastDataDate), 1e-9)
}

func TestRunOnce_WaitsForStaleSources(t *testing.T) {
	src := &mockSource{series: usSeries()}
	loader := &mockLoader{}
	metrics := newTestMetrics()
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: loader}}, metrics)

	res, err := p.RunOnce(context.Background(), lastDate, false)
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Empty(t, loader.loaded())
	assert.Error(t, p.CheckReadiness(context.Background()))
	assert.Empty(t, p.LastProcessed())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("waiting")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.DetectChecks.WithLabelValues("usafacts_confirmed", "stale")), 1e-9)
}

func TestRunOnce_ForceSkipsDetection(t *testing.T) {
	src := &mockSource{series: usSeries()}
	loader := &mockLoader{}
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: loader}}, newTestMetrics())

	res, err := p.RunOnce(context.Background(), lastDate, true)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Nil(t, res.Detections)
	assert.Equal(t, int32(0), src.detectCalls.Load())
	assert.Len(t, loader.loaded(), 2)
}

func TestRunOnce_CutsSeriesAtDate(t *testing.T) {
	src := &mockSource{series: usSeries()}
	loader := &mockLoader{}
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: loader}}, newTestMetrics())

	backfill := lastDate.AddDate(0, 0, -10)
	_, err := p.RunOnce(context.Background(), backfill, true)
	require.NoError(t, err)

	batch := loader.loaded()[0]
	assert.Equal(t, "2020-12-05", batch.Date)
	assert.Len(t, batch.Dates, 20-domain.SmoothDays)
	assert.Len(t, batch.Histories[0].NCCs, 20-domain.SmoothDays)
	assert.InDelta(t, 20000.0, batch.Histories[0].NCCs[len(batch.Histories[0].NCCs)-1], 1e-9)

	// The untouched input series keeps all dates.
	assert.Len(t, src.series[domain.LevelState][0].Dates, 30)
}

func TestRunOnce_SkipsRegionsThatFailToTransform(t *testing.T) {
	series := usSeries()
	series[domain.LevelState] = append(series[domain.LevelState],
		linearSeries(domain.LevelState, "99", 1000, lastDate, domain.SmoothDays, 10))
	src := &mockSource{series: series}
	src.updated.Store(true)
	loader := &mockLoader{}
	metrics := newTestMetrics()
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: loader}}, metrics)

	res, err := p.RunOnce(context.Background(), lastDate, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Regions[domain.LevelState])
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.TransformErrors), 1e-9)
}

func TestRunOnce_LoaderErrorFailsRun(t *testing.T) {
	src := &mockSource{series: usSeries()}
	src.updated.Store(true)
	metrics := newTestMetrics()
	p := newPipeline(src, []pipeline.NamedLoader{
		{Name: "store", Loader: &mockLoader{}},
		{Name: "kafka", Loader: &mockLoader{err: errors.New("broker down")}},
	}, metrics)

	_, err := p.RunOnce(context.Background(), lastDate, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
	assert.Error(t, p.CheckReadiness(context.Background()))
	assert.Empty(t, p.LastProcessed())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.LoaderErrors.WithLabelValues("kafka")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("error")), 1e-9)
}

func TestRunOnce_CommitsCheckpointAfterEveryLevel(t *testing.T) {
	src := &mockSource{series: usSeries()}
	src.updated.Store(true)
	cp := &mockCheckpoint{}
	clock := clockwork.NewFakeClockAt(time.Date(2020, time.December, 16, 6, 0, 0, 0, time.UTC))
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: &mockLoader{}}}, newTestMetrics(),
		pipeline.WithClock(clock), pipeline.WithCheckpoint(cp))

	res, err := p.RunOnce(context.Background(), lastDate, false)
	require.NoError(t, err)

	want := []domain.LastUpdate{{Date: "2020-12-15", RunID: res.RunID, UpdatedAt: clock.Now().UTC()}}
	if diff := cmp.Diff(want, cp.committed()); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnce_CommitErrorFailsRun(t *testing.T) {
	src := &mockSource{series: usSeries()}
	src.updated.Store(true)
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: &mockLoader{}}}, newTestMetrics(),
		pipeline.WithCheckpoint(&mockCheckpoint{commitErr: errors.New("disk full")}))

	_, err := p.RunOnce(context.Background(), lastDate, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.Error(t, p.CheckReadiness(context.Background()))
}

// A run that loads the state level but fails on the usa level must not be
// recorded, so the next process runs the date again.
func TestRun_PartialRunIsRetriedAfterRestart(t *testing.T) {
	cp := &mockCheckpoint{}

	first := &mockSource{series: usSeries()}
	first.updated.Store(true)
	broken := &mockLoader{err: errors.New("usa topic missing"), failLevel: domain.LevelUSA}
	p := newPipeline(first, []pipeline.NamedLoader{{Name: "store", Loader: broken}}, newTestMetrics(),
		pipeline.WithCheckpoint(cp))

	_, err := p.RunOnce(context.Background(), lastDate, false)
	require.Error(t, err)
	require.Len(t, broken.loaded(), 1, "state level was loaded before the failure")
	assert.Empty(t, cp.committed())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(time.Date(2020, time.December, 16, 6, 0, 0, 0, time.UTC))
	second := &mockSource{series: usSeries()}
	second.updated.Store(true)
	loader := &mockLoader{}
	restarted := newPipeline(second, []pipeline.NamedLoader{{Name: "store", Loader: loader}}, newTestMetrics(),
		pipeline.WithClock(clock), pipeline.WithCheckpoint(cp))

	errCh := make(chan error, 1)
	go func() { errCh <- restarted.Run(ctx) }()

	require.Eventually(t, func() bool { return len(cp.committed()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), second.detectCalls.Load())
	assert.Len(t, loader.loaded(), 2)
	assert.Equal(t, "2020-12-15", cp.committed()[0].Date)

	cancel()
	require.NoError(t, <-errCh)
}

func TestRunOnce_ExtractError(t *testing.T) {
	src := &mockSource{extractErr: errors.New("disk full")}
	src.updated.Store(true)
	p := newPipeline(src, nil, newTestMetrics())

	_, err := p.RunOnce(context.Background(), lastDate, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract")
}

func TestRunOnce_NoSeries(t *testing.T) {
	src := &mockSource{series: map[domain.Level][]domain.CaseSeries{}}
	p := newPipeline(src, nil, newTestMetrics())

	_, err := p.RunOnce(context.Background(), lastDate, true)
	require.Error(t, err)
}

func TestParseDate(t *testing.T) {
	now := time.Date(2020, time.December, 16, 0, 30, 0, 0, time.FixedZone("CST", -6*3600))
	assert.Equal(t, time.Date(2020, time.December, 15, 0, 0, 0, 0, time.UTC), pipeline.ParseDate(now))
}

// --- Run ---

func TestRun_WaitsForUpdateThenLoadsOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(time.Date(2020, time.December, 16, 6, 0, 0, 0, time.UTC))
	src := &mockSource{series: usSeries()}
	loader := &mockLoader{}
	metrics := newTestMetrics()
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: loader}}, metrics,
		pipeline.WithClock(clock), pipeline.WithPollInterval(time.Minute))

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return src.detectCalls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, loader.loaded())

	src.updated.Store(true)
	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return len(loader.loaded()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Later ticks for the same parse date are skipped.
	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("skipped")) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, loader.loaded(), 2)
	assert.Equal(t, "2020-12-15", p.LastProcessed())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.PipelineRunning), 1e-9)

	cancel()
	require.NoError(t, <-errCh)
	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.PipelineRunning), 1e-9)
}

func TestRun_RetriesFailuresWithBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(time.Date(2020, time.December, 16, 6, 0, 0, 0, time.UTC))
	src := &mockSource{series: usSeries()}
	src.updated.Store(true)
	src.detectFails.Store(2)
	loader := &mockLoader{}
	p := newPipeline(src, []pipeline.NamedLoader{{Name: "store", Loader: loader}}, newTestMetrics(),
		pipeline.WithClock(clock), pipeline.WithPollInterval(time.Hour))

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	// Backoff sleeps are far shorter than the poll interval.
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(loader.loaded()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), src.detectCalls.Load())

	cancel()
	require.NoError(t, <-errCh)
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(time.Date(2020, time.December, 16, 6, 0, 0, 0, time.UTC))
	src := &mockSource{series: usSeries()}
	src.updated.Store(true)
	metrics := newTestMetrics()
	p := newPipeline(src, nil, metrics,
		pipeline.WithClock(clock),
		pipeline.WithCheckpoint(checkpointAt("2020-12-15", "previous")),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("skipped")) >= 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, p.CheckReadiness(ctx))
	assert.Equal(t, int32(0), src.detectCalls.Load())

	cancel()
	require.NoError(t, <-errCh)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &mockSource{series: usSeries()}
	p := newPipeline(src, nil, newTestMetrics(), pipeline.WithCheckpoint(&mockCheckpoint{}))

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return src.detectCalls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}
}
