// Command validate checks the history files written by backfill. It verifies
// that every indicator array covers every date, that status colors agree with
// the daily potentials, and that trend chart coordinates map back onto the
// stored case rates.
//
// Usage:
//
//	go run ./cmd/validate -dir data/history
//	go run ./cmd/validate -dir data/history -scale 2.5
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/couchcryptid/crrw-etl/internal/adapter/jsonfile"
	"github.com/couchcryptid/crrw-etl/internal/domain"
)

// roundTripTolerance bounds the error of pixel to case-rate recovery.
const roundTripTolerance = 1e-9

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dir := flag.String("dir", "data/history", "directory containing <level>-history.json files")
	scale := flag.Float64("scale", domain.DefaultScaleFactor, "trend chart scale factor")
	rateUnit := flag.Float64("rate-unit", domain.DefaultRateUnit, "trend chart rate unit")
	flag.Parse()

	axis, err := domain.NewDualAxis(*scale, *rateUnit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	if code := run(*dir, axis); code != 0 {
		os.Exit(code)
	}
}

func run(dir string, axis domain.DualAxis) int {
	fmt.Println("=== History Integrity Validation ===")
	fmt.Println()

	files, err := historyFiles(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "FATAL: no history files in %s\n", dir)
		return 1
	}

	datasets := make(map[string]domain.Dataset, len(files))
	for _, f := range files {
		ds, err := jsonfile.ReadDataset(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load %s: %v\n", f, err)
			return 1
		}
		datasets[f] = ds
	}

	phases := validate(files, datasets, axis)

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	regions := 0
	for _, ds := range datasets {
		regions += len(ds.Data)
	}
	fmt.Println()
	fmt.Printf("Files: %d, regions: %d\n", len(files), regions)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// historyFiles lists the level files and per-state files under dir.
func historyFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{
		filepath.Join(dir, "*-history.json"),
		filepath.Join(dir, jsonfile.StateDir, "*-history.json"),
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

func validate(files []string, datasets map[string]domain.Dataset, axis domain.DualAxis) []*phase {
	shape := &phase{name: "Phase 1: Array Shape (one value per date)"}
	status := &phase{name: "Phase 2: Status Colors (CrRW thresholds)"}
	trend := &phase{name: "Phase 3: Trend Chart (pixel round-trip)"}

	for _, f := range files {
		ds := datasets[f]
		name := filepath.Base(f)
		checkDates(shape, name, ds)

		ids := make([]string, 0, len(ds.Data))
		for id := range ds.Data {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			h := ds.Data[id]
			where := fmt.Sprintf("%s %s", name, id)
			if !checkShape(shape, where, h, len(ds.Dates)) {
				continue
			}
			checkStatus(status, where, h)
			checkTrend(trend, where, h, ds.Dates, axis)
		}
	}
	return []*phase{shape, status, trend}
}

func checkDates(p *phase, name string, ds domain.Dataset) {
	if len(ds.Dates) == 0 {
		p.errorf("%s: no dates", name)
		return
	}
	if last := ds.Dates[len(ds.Dates)-1]; ds.Date != last {
		p.errorf("%s: date %q is not the last date %q", name, ds.Date, last)
	}
	if !sort.StringsAreSorted(ds.Dates) {
		p.errorf("%s: dates are not in order", name)
	}
}

// checkShape reports whether every indicator array has n values.
func checkShape(p *phase, where string, h domain.RegionHistory, n int) bool {
	lengths := []struct {
		name string
		n    int
	}{
		{"cdts", len(h.CDTs)}, {"nccs", len(h.NCCs)}, {"npps", len(h.NPPs)},
		{"dncs", len(h.DNCs)}, {"dpps", len(h.DPPs)}, {"dths", len(h.DTHs)},
		{"dtrs", len(h.DTRs)}, {"crps", len(h.CRPs)}, {"crts", len(h.CRTs)},
		{"cris", len(h.CRIs)}, {"crcs", len(h.CRCs)},
	}
	ok := true
	for _, l := range lengths {
		if l.n != n {
			p.errorf("%s: %s has %d values for %d dates", where, l.name, l.n, n)
			ok = false
		}
	}
	if !ok {
		return false
	}
	for i := range h.DNCs {
		if h.DNCs[i] < 0 {
			p.errorf("%s: negative daily new cases on day %d", where, i)
		}
		if h.CDTs[i] > domain.CDTCutValue || h.CDTs[i] < 0 {
			p.errorf("%s: doubling time %v out of range on day %d", where, h.CDTs[i], i)
		}
	}
	return true
}

// checkStatus recomputes each color from the potentials of the previous
// seven days. Days before the first stored date contribute nothing.
func checkStatus(p *phase, where string, h domain.RegionHistory) {
	for i, cri := range h.CRIs {
		if cri < 1 || cri > 3 {
			p.errorf("%s: potential %d out of range on day %d", where, cri, i)
		}
	}
	for i, crc := range h.CRCs {
		switch crc {
		case domain.StatusGreen, domain.StatusYellow, domain.StatusRed:
		default:
			p.errorf("%s: unknown color %q on day %d", where, crc, i)
			continue
		}
		crv := 0
		for _, cri := range h.CRIs[max(0, i-7):i] {
			crv += cri
		}
		if want := domain.StatusColor(crv); crc != want {
			p.errorf("%s: color %s on day %d, potentials sum to %d (%s)", where, crc, i, crv, want)
		}
	}
}

func checkTrend(p *phase, where string, h domain.RegionHistory, dates []string, axis domain.DualAxis) {
	chart, err := domain.BuildTrendChart(h, dates, axis)
	if err != nil {
		p.errorf("%s: %v", where, err)
		return
	}
	for i, px := range chart.RatePixels {
		if got := axis.PixelToQuantity1(px); math.Abs(got-h.CRPs[i]) > roundTripTolerance*math.Max(1, math.Abs(h.CRPs[i])) {
			p.errorf("%s: day %d rate %v maps back to %v", where, i, h.CRPs[i], got)
		}
	}
	for i, px := range chart.RatioPixels {
		if axis.IsClamped(h.CRTs[i]) {
			if label := axis.RateLabelAtPixel(px); label != domain.ClampedRateLabel {
				p.errorf("%s: day %d ratio %v above the ceiling labelled %q", where, i, h.CRTs[i], label)
			}
			continue
		}
		if got := axis.PixelToQuantity2(px); math.Abs(got-h.CRTs[i]) > roundTripTolerance*math.Max(1, math.Abs(h.CRTs[i])) {
			p.errorf("%s: day %d ratio %v maps back to %v", where, i, h.CRTs[i], got)
		}
	}
}
