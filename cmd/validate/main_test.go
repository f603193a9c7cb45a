package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/adapter/jsonfile"
	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHistories(t *testing.T) string {
	t.Helper()
	const n = 30
	last := time.Date(2020, time.December, 15, 0, 0, 0, 0, time.UTC)

	var histories []domain.RegionHistory
	var dates []string
	for _, c := range []struct {
		id, state string
		perDay    float64
	}{{"27109", "MN", 2}, {"27053", "MN", 60}, {"55025", "WI", 0}} {
		s := domain.CaseSeries{
			Region: domain.Region{Level: domain.LevelCounty, ID: c.id, State: c.state, Population: 100_000},
			Dates:  make([]time.Time, n),
			Cases:  make([]float64, n),
		}
		for i := range n {
			s.Dates[i] = last.AddDate(0, 0, i-n+1)
			s.Cases[i] = 100 + c.perDay*float64(i*i)/10
		}
		h, err := domain.ComputeIndicators(s)
		require.NoError(t, err)
		histories = append(histories, h)
		dates = domain.FormatDates(s.Dates[domain.SmoothDays:])
	}

	dir := t.TempDir()
	w := jsonfile.NewWriter(dir, false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.LoadBatch(context.Background(),
		domain.NewHistoryBatch("run-1", domain.LevelCounty, dates, histories)))
	return dir
}

func loadAll(t *testing.T, dir string) ([]string, map[string]domain.Dataset) {
	t.Helper()
	files, err := historyFiles(dir)
	require.NoError(t, err)
	datasets := map[string]domain.Dataset{}
	for _, f := range files {
		ds, err := jsonfile.ReadDataset(f)
		require.NoError(t, err)
		datasets[f] = ds
	}
	return files, datasets
}

func TestValidate_PipelineOutputPasses(t *testing.T) {
	dir := writeHistories(t)

	files, datasets := loadAll(t, dir)
	assert.Len(t, files, 3, "county file plus MN and WI")

	for _, p := range validate(files, datasets, domain.DefaultDualAxis()) {
		assert.True(t, p.passed(), "%s: %v", p.name, p.errors)
	}
	assert.Equal(t, 0, run(dir, domain.DefaultDualAxis()))
}

func TestValidate_DetectsCorruption(t *testing.T) {
	dir := writeHistories(t)
	files, datasets := loadAll(t, dir)

	county := filepath.Join(dir, "county-history.json")
	ds := datasets[county]

	short := ds.Data["27109"]
	short.CRPs = short.CRPs[1:]
	ds.Data["27109"] = short

	recolored := ds.Data["27053"]
	recolored.CRCs = append([]string(nil), recolored.CRCs...)
	last := len(recolored.CRCs) - 1
	if recolored.CRCs[last] == domain.StatusRed {
		recolored.CRCs[last] = domain.StatusGreen
	} else {
		recolored.CRCs[last] = domain.StatusRed
	}
	ds.Data["27053"] = recolored

	phases := validate(files, datasets, domain.DefaultDualAxis())
	require.Len(t, phases, 3)
	assert.False(t, phases[0].passed())
	assert.Contains(t, phases[0].errors[0], "crps")
	assert.False(t, phases[1].passed())
	assert.True(t, phases[2].passed())
}

func TestValidate_DateMismatch(t *testing.T) {
	p := &phase{name: "dates"}
	checkDates(p, "x.json", domain.Dataset{Date: "2020-12-16", Dates: []string{"2020-12-14", "2020-12-15"}})
	assert.False(t, p.passed())

	p = &phase{name: "dates"}
	checkDates(p, "x.json", domain.Dataset{Date: "2020-12-15", Dates: []string{"2020-12-15", "2020-12-14"}})
	assert.Len(t, p.errors, 2)
}

func TestRun_EmptyDirFails(t *testing.T) {
	assert.Equal(t, 1, run(t.TempDir(), domain.DefaultDualAxis()))
}

func TestCheckStatus_FirstWeekColors(t *testing.T) {
	h := domain.RegionHistory{
		CRIs: []int{3, 3, 3, 3},
		CRCs: []string{domain.StatusGreen, domain.StatusGreen, domain.StatusGreen, domain.StatusYellow},
	}
	p := &phase{name: "status"}
	checkStatus(p, "x.json 27109", h)
	assert.True(t, p.passed(), "%v", p.errors)

	h.CRCs[0] = domain.StatusRed
	p = &phase{name: "status"}
	checkStatus(p, "x.json 27109", h)
	require.Len(t, p.errors, 1)
	assert.Contains(t, p.errors[0], "day 0")
}
