package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
)

// ErrNoDateColumns is returned when a wide table header has no date column.
var ErrNoDateColumns = errors.New("no date columns in header")

var dateLayouts = []string{"1/2/06", domain.DateLayout, "1/2/2006"}

// parseHeaderDate reads one column header as a date.
func parseHeaderDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// header splits the columns of a wide table into named attribute columns and
// date columns. Columns that are empty or named "Unnamed..." are dropped.
type header struct {
	attrs    map[string]int
	dateCols []int
	dates    []time.Time
}

func parseHeader(cols []string) (header, error) {
	h := header{attrs: make(map[string]int)}
	for i, c := range cols {
		c = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
		if c == "" || strings.HasPrefix(c, "Unnamed") {
			continue
		}
		if d, ok := parseHeaderDate(c); ok {
			h.dateCols = append(h.dateCols, i)
			h.dates = append(h.dates, d)
			continue
		}
		h.attrs[c] = i
	}
	if len(h.dates) == 0 {
		return header{}, ErrNoDateColumns
	}
	for i := 1; i < len(h.dates); i++ {
		if !h.dates[i].After(h.dates[i-1]) {
			return header{}, fmt.Errorf("date columns out of order at %s", h.dates[i].Format(domain.DateLayout))
		}
	}
	return h, nil
}

func (h header) attr(row []string, name string) string {
	i, ok := h.attrs[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (h header) require(names ...string) error {
	for _, n := range names {
		if _, ok := h.attrs[n]; !ok {
			return fmt.Errorf("missing column %q", n)
		}
	}
	return nil
}

// values reads the date columns of a row. Blank or malformed cells read as 0.
func (h header) values(row []string) []float64 {
	out := make([]float64, len(h.dateCols))
	for j, i := range h.dateCols {
		if i >= len(row) {
			continue
		}
		s := strings.ReplaceAll(strings.TrimSpace(row[i]), ",", "")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			out[j] = v
		}
	}
	return out
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	return cr
}

// readHeader reads only the first record of a CSV stream.
func readHeader(r io.Reader) (header, error) {
	cols, err := newCSVReader(r).Read()
	if err != nil {
		return header{}, fmt.Errorf("read header: %w", err)
	}
	return parseHeader(cols)
}

// alignDates returns the dates present in both lists and, for each list, the
// indexes of those dates.
func alignDates(a, b []time.Time) (dates []time.Time, ia, ib []int) {
	pos := make(map[time.Time]int, len(b))
	for i, d := range b {
		pos[d] = i
	}
	for i, d := range a {
		if j, ok := pos[d]; ok {
			dates = append(dates, d)
			ia = append(ia, i)
			ib = append(ib, j)
		}
	}
	return dates, ia, ib
}

func pick(xs []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		if j < len(xs) {
			out[i] = xs[j]
		}
	}
	return out
}
