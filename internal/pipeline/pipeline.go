package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/couchcryptid/crrw-etl/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Detector reports whether every data source already carries a date.
type Detector interface {
	Detect(ctx context.Context, date time.Time) ([]domain.Detection, error)
}

// Extractor downloads the case series of every configured level.
type Extractor interface {
	Extract(ctx context.Context) (map[domain.Level][]domain.CaseSeries, error)
}

// Source is the extract stage.
type Source interface {
	Detector
	Extractor
}

// Transformer converts the case series of one region into its history.
type Transformer interface {
	Transform(ctx context.Context, s domain.CaseSeries) (domain.RegionHistory, error)
}

// BatchLoader writes the histories of one level to a destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, batch domain.HistoryBatch) error
}

// Checkpoint records completed runs so a restarted process can resume.
// Commit is called only after every level of a run has been loaded.
type Checkpoint interface {
	LastUpdate(ctx context.Context) (domain.LastUpdate, error)
	Commit(ctx context.Context, lu domain.LastUpdate) error
}

// NamedLoader labels a loader in logs and metrics.
type NamedLoader struct {
	Name   string
	Loader BatchLoader
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second

	// DefaultPollInterval is how often the watcher checks the sources.
	DefaultPollInterval = 3 * time.Minute
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithPollInterval sets how often the watcher checks the sources.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// WithLevels restricts and orders the levels produced by a run.
func WithLevels(levels []domain.Level) Option {
	return func(p *Pipeline) { p.levels = levels }
}

// WithCheckpoint resumes from the last run a previous process committed and
// commits every successful run.
func WithCheckpoint(c Checkpoint) Option {
	return func(p *Pipeline) { p.checkpoint = c }
}

// Pipeline watches the data sources and runs extract-transform-load once a
// new data date is published.
type Pipeline struct {
	source      Source
	transformer Transformer
	loaders     []NamedLoader
	checkpoint  Checkpoint
	logger      *slog.Logger
	metrics     *observability.Metrics
	clock       clockwork.Clock
	interval    time.Duration
	levels      []domain.Level

	ready atomic.Bool

	mu            sync.Mutex // serializes runs
	lastProcessed string
}

// New creates a Pipeline with the given stages and observability.
func New(src Source, t Transformer, loaders []NamedLoader, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:      src,
		transformer: t,
		loaders:     loaders,
		logger:      logger,
		metrics:     metrics,
		clock:       clockwork.NewRealClock(),
		interval:    DefaultPollInterval,
		levels:      domain.Levels,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunResult describes one pipeline pass.
type RunResult struct {
	RunID      string
	Date       string
	Detections []domain.Detection
	// Updated is false when a source does not carry the date yet.
	Updated bool
	Regions map[domain.Level]int
}

// CheckReadiness returns nil once a dataset has been loaded, by this process
// or a previous one.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not loaded any dataset yet")
	}
	return nil
}

// LastProcessed returns the last data date loaded, or "" if none.
func (p *Pipeline) LastProcessed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProcessed
}

// ParseDate returns the data date expected at now: the previous calendar day.
func ParseDate(now time.Time) time.Time {
	y, m, d := now.UTC().AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Run polls the sources every interval until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "poll_interval", p.interval, "levels", p.levels)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	p.resume(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	backoff := initialBackoff
	for {
		err := p.poll(ctx)
		if ctx.Err() != nil {
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}

		// Retry failures quickly a few times before falling back to the poll interval.
		if err != nil && backoff < maxBackoff {
			if !p.backoffOrStop(ctx, &backoff) {
				return nil
			}
			continue
		}
		backoff = initialBackoff

		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}

// resume seeds the last processed date from the checkpoint, if any.
func (p *Pipeline) resume(ctx context.Context) {
	if p.checkpoint == nil {
		return
	}
	lu, err := p.checkpoint.LastUpdate(ctx)
	if err != nil {
		p.logger.Info("no previous run to resume from", "reason", err)
		return
	}
	p.mu.Lock()
	p.lastProcessed = lu.Date
	p.mu.Unlock()
	p.ready.Store(true)
	p.logger.Info("resumed from previous run", "date", lu.Date, "run_id", lu.RunID)
}

// poll runs one pass for the current parse date unless it is already loaded.
func (p *Pipeline) poll(ctx context.Context) error {
	date := ParseDate(p.clock.Now())
	if date.Format(domain.DateLayout) == p.LastProcessed() {
		p.metrics.RunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	res, err := p.RunOnce(ctx, date, false)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("pipeline run failed", "date", date.Format(domain.DateLayout), "error", err)
		}
		return err
	}
	if !res.Updated {
		p.logger.Info("sources not updated yet", "date", res.Date, "detections", res.Detections)
	}
	return nil
}

// RunOnce performs one detect-extract-transform-load pass for date. With
// force set, source detection is skipped. Series are cut at date so older
// dates can be backfilled from newer files.
func (p *Pipeline) RunOnce(ctx context.Context, date time.Time, force bool) (RunResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.clock.Now()
	res := RunResult{
		RunID:   uuid.NewString(),
		Date:    date.Format(domain.DateLayout),
		Regions: make(map[domain.Level]int),
	}
	logger := p.logger.With("run_id", res.RunID, "date", res.Date)

	if !force {
		detections, err := p.source.Detect(ctx, date)
		if err != nil {
			p.metrics.DetectChecks.WithLabelValues("detector", "error").Inc()
			p.metrics.RunsTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("detect: %w", err)
		}
		res.Detections = detections
		for _, d := range detections {
			p.metrics.DetectChecks.WithLabelValues(d.Source, detectResult(d)).Inc()
		}
		if !allUpdated(detections) {
			p.metrics.RunsTotal.WithLabelValues("waiting").Inc()
			return res, nil
		}
	}
	res.Updated = true
	logger.Info("extracting sources", "force", force)

	series, err := p.source.Extract(ctx)
	if err != nil {
		p.metrics.RunsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("extract: %w", err)
	}

	loaded := 0
	for _, level := range p.levels {
		n, err := p.processLevel(ctx, logger, res.RunID, level, series[level], date)
		if err != nil {
			p.metrics.RunsTotal.WithLabelValues("error").Inc()
			return res, err
		}
		res.Regions[level] = n
		loaded += n
	}
	if loaded == 0 {
		p.metrics.RunsTotal.WithLabelValues("error").Inc()
		return res, errors.New("no region histories produced")
	}

	if p.checkpoint != nil {
		lu := domain.LastUpdate{Date: res.Date, RunID: res.RunID, UpdatedAt: p.clock.Now().UTC()}
		if err := p.checkpoint.Commit(ctx, lu); err != nil {
			p.metrics.RunsTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("commit run: %w", err)
		}
	}

	if res.Date > p.lastProcessed {
		p.lastProcessed = res.Date
		p.metrics.LastDataDate.Set(float64(date.Unix()))
	}
	p.ready.Store(true)
	p.metrics.RunsTotal.WithLabelValues("success").Inc()
	p.metrics.RunDuration.Observe(p.clock.Since(start).Seconds())
	logger.Info("pipeline run complete", "regions", res.Regions, "duration", p.clock.Since(start))
	return res, nil
}

// processLevel transforms the series of one level and hands the batch to
// every loader. Returns the number of histories loaded.
func (p *Pipeline) processLevel(ctx context.Context, logger *slog.Logger, runID string, level domain.Level, series []domain.CaseSeries, date time.Time) (int, error) {
	if len(series) == 0 {
		logger.Warn("no series for level", "level", level)
		return 0, nil
	}

	histories := make([]domain.RegionHistory, 0, len(series))
	var dates []string
	for _, s := range series {
		s = truncateSeries(s, date)
		h, err := p.transformer.Transform(ctx, s)
		if err != nil {
			logger.Warn("transform failed, skipping region",
				"error", err,
				"level", level,
				"region", s.Region.ID,
			)
			p.metrics.TransformErrors.Inc()
			continue
		}
		if dates == nil {
			dates = domain.FormatDates(s.Dates[domain.SmoothDays:])
		}
		histories = append(histories, h)
	}
	if len(histories) == 0 {
		return 0, fmt.Errorf("level %s: every region failed to transform", level)
	}

	batch := domain.NewHistoryBatch(runID, level, dates, histories)
	for _, l := range p.loaders {
		if err := l.Loader.LoadBatch(ctx, batch); err != nil {
			p.metrics.LoaderErrors.WithLabelValues(l.Name).Inc()
			return 0, fmt.Errorf("load %s into %s: %w", level, l.Name, err)
		}
	}

	p.metrics.RegionsProduced.WithLabelValues(string(level)).Add(float64(len(histories)))
	p.metrics.HistoryBatchSize.WithLabelValues(string(level)).Observe(float64(len(histories)))
	logger.Info("level loaded", "level", level, "regions", len(histories), "data_date", batch.Date)
	return len(histories), nil
}

// truncateSeries drops samples after date.
func truncateSeries(s domain.CaseSeries, date time.Time) domain.CaseSeries {
	n := len(s.Dates)
	for n > 0 && s.Dates[n-1].After(date) {
		n--
	}
	if n == len(s.Dates) {
		return s
	}
	s.Dates = s.Dates[:n]
	if len(s.Cases) > n {
		s.Cases = s.Cases[:n]
	}
	if len(s.Deaths) > n {
		s.Deaths = s.Deaths[:n]
	}
	return s
}

func allUpdated(detections []domain.Detection) bool {
	for _, d := range detections {
		if !d.Updated {
			return false
		}
	}
	return true
}

func detectResult(d domain.Detection) string {
	if d.Updated {
		return "updated"
	}
	return "stale"
}

// backoffOrStop sleeps with the current backoff and advances it. Returns false
// if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !p.sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}

func (p *Pipeline) sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
