package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a level, region, or run has no stored data.
var ErrNotFound = errors.New("not found")

// DateLayout is the date format of dataset dates.
const DateLayout = "2006-01-02"

// CaseSeries holds the cumulative counts of one region, one sample per date.
type CaseSeries struct {
	Region Region
	Dates  []time.Time
	Cases  []float64 // cumulative confirmed cases
	Deaths []float64 // cumulative deaths, may be shorter or nil when unknown
}

// RegionHistory is the per-region output of the indicator computation. The
// JSON field names follow the dashboard's history files.
type RegionHistory struct {
	State      string  `json:"state"`
	FIPS       string  `json:"FIPS"`
	Population float64 `json:"pop"`
	Name       string  `json:"name"`
	Lat        float64 `json:"lat,omitempty"`
	Lon        float64 `json:"lon,omitempty"`

	CDTs []float64 `json:"cdts"` // case doubling time in days
	NCCs []float64 `json:"nccs"` // cumulative confirmed cases
	NPPs []float64 `json:"npps"` // cumulative cases per 100k
	DNCs []float64 `json:"dncs"` // daily new cases
	DPPs []float64 `json:"dpps"` // daily new cases per 100k
	DTHs []float64 `json:"dths"` // cumulative deaths
	DTRs []float64 `json:"dtrs"` // death rate
	CRPs []float64 `json:"crps"` // Cr7d100k
	CRTs []float64 `json:"crts"` // RW_Cr7d100k
	CRIs []int     `json:"cris"` // daily status potential, 1..3
	CRCs []string  `json:"crcs"` // CrRW status color, G/Y/R
}

// Len returns the number of dates covered by the history.
func (h RegionHistory) Len() int {
	return len(h.NCCs)
}

// HistoryBatch carries all region histories of one level computed in one run.
type HistoryBatch struct {
	RunID       string          `json:"run_id"`
	Level       Level           `json:"level"`
	Date        string          `json:"date"`
	Dates       []string        `json:"dates"`
	Histories   []RegionHistory `json:"-"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Dataset is the document served to the dashboard for one level.
type Dataset struct {
	Level Level                    `json:"level"`
	Date  string                   `json:"date"`
	Dates []string                 `json:"dates"`
	Data  map[string]RegionHistory `json:"data"`
}

// FormatDates renders dates in DateLayout.
func FormatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(DateLayout)
	}
	return out
}

// Detection reports whether a data source already contains a given date.
type Detection struct {
	Source     string `json:"source"`
	CheckDate  string `json:"check_date"`
	LatestDate string `json:"latest_date"`
	Updated    bool   `json:"updated"`
}

// LastUpdate records the most recent successful pipeline run.
type LastUpdate struct {
	Date      string    `json:"date"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
