package domain

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"
)

const (
	// SmoothDays is the look-back window of the case doubling time. The first
	// SmoothDays dates of a series are consumed by the look-back and are not
	// part of the output.
	SmoothDays = 4

	// CDTCutValue caps the case doubling time; it also stands in for
	// undefined doubling times (no growth, no history).
	CDTCutValue = 100.0

	// CRTCutValue replaces an infinite week-over-week ratio.
	CRTCutValue = 5.0

	// Status thresholds on Cr7d100k.
	greenCrpCut1 = 10.0 // at or below: green potential regardless of trend
	greenCrpCut2 = 15.0 // at or below with a non-growing trend: green potential
	redCrpCut1   = 10.0 // above with a growing trend: red potential
	redCrpCut2   = 30.0 // above: red potential regardless of trend

	statusWindow = 7
	weekDays     = 7
	per100k      = 100000.0
)

// Status potentials of a single day.
const (
	PotentialGreen  = 1
	PotentialYellow = 2
	PotentialRed    = 3
)

// Status colors of the CrRW indicator.
const (
	StatusGreen  = "G"
	StatusYellow = "Y"
	StatusRed    = "R"
)

// ErrSeriesTooShort is returned when a series does not extend past the
// doubling-time look-back.
var ErrSeriesTooShort = errors.New("series too short")

// ComputeIndicators derives the dashboard indicators of one region from its
// cumulative case and death counts.
//
// Look-backs before the start of the series read as zero, as do negative or
// NaN counts. The returned history starts at date index SmoothDays, and the
// status potentials of the dates before it count as zero in the color sums.
func ComputeIndicators(s CaseSeries) (RegionHistory, error) {
	n := len(s.Dates)
	if len(s.Cases) != n {
		return RegionHistory{}, fmt.Errorf("%w: %d dates, %d case samples", ErrSeriesLengthMismatch, n, len(s.Cases))
	}
	if s.Deaths != nil && len(s.Deaths) != n {
		return RegionHistory{}, fmt.Errorf("%w: %d dates, %d death samples", ErrSeriesLengthMismatch, n, len(s.Deaths))
	}
	if n <= SmoothDays {
		return RegionHistory{}, fmt.Errorf("%w: %d dates for region %s", ErrSeriesTooShort, n, s.Region.Key())
	}

	ncc := sanitize(s.Cases)
	dth := make([]float64, n)
	if s.Deaths != nil {
		dth = sanitize(s.Deaths)
	}
	pop := s.Region.Population

	out := n - SmoothDays
	h := RegionHistory{
		State:      s.Region.State,
		FIPS:       s.Region.ID,
		Population: pop,
		Name:       s.Region.Name,
		Lat:        s.Region.Lat,
		Lon:        s.Region.Lon,
		CDTs:       make([]float64, 0, out),
		NCCs:       make([]float64, 0, out),
		NPPs:       make([]float64, 0, out),
		DNCs:       make([]float64, 0, out),
		DPPs:       make([]float64, 0, out),
		DTHs:       make([]float64, 0, out),
		DTRs:       make([]float64, 0, out),
		CRPs:       make([]float64, 0, out),
		CRTs:       make([]float64, 0, out),
		CRIs:       make([]int, 0, out),
		CRCs:       make([]string, 0, out),
	}

	// Potentials before the first output date stay zero.
	cris := make([]int, n)
	for i := SmoothDays; i < n; i++ {
		today := ncc[i]
		weekAgo := lookBack(ncc, i-weekDays)
		twoWeeksAgo := lookBack(ncc, i-2*weekDays)

		crp := caseRatePer100k(today, weekAgo, pop)
		crt := weekOverWeekRatio(today, weekAgo, twoWeeksAgo)
		cris[i] = statusPotential(crp, crt)

		dnc := math.Max(today-lookBack(ncc, i-1), 0)
		crv := 0
		for j := i - statusWindow; j < i; j++ {
			if j >= 0 {
				crv += cris[j]
			}
		}

		h.CDTs = append(h.CDTs, doublingTime(today, lookBack(ncc, i-SmoothDays)))
		h.NCCs = append(h.NCCs, today)
		h.NPPs = append(h.NPPs, perCapita(today, pop, 1))
		h.DNCs = append(h.DNCs, dnc)
		h.DPPs = append(h.DPPs, perCapita(dnc, pop, 1))
		h.DTHs = append(h.DTHs, dth[i])
		h.DTRs = append(h.DTRs, deathRate(dth[i], today))
		h.CRPs = append(h.CRPs, crp)
		h.CRTs = append(h.CRTs, crt)
		h.CRIs = append(h.CRIs, cris[i])
		h.CRCs = append(h.CRCs, StatusColor(crv))
	}

	return h, nil
}

// StatusColor maps the 7-day sum of status potentials to the CrRW color.
func StatusColor(crv int) string {
	switch {
	case crv <= 7:
		return StatusGreen
	case crv >= 21:
		return StatusRed
	default:
		return StatusYellow
	}
}

// doublingTime estimates the number of days for cumulative cases to double,
// assuming exponential growth over the SmoothDays window.
func doublingTime(today, past float64) float64 {
	if past == 0 {
		return CDTCutValue
	}
	v := SmoothDays * math.Ln2 / math.Log((today+0.5)/past)
	switch {
	case math.IsNaN(v), math.IsInf(v, 0), v == 0, v > CDTCutValue:
		return CDTCutValue
	}
	return scalar.RoundEven(v, 2)
}

func caseRatePer100k(today, weekAgo, pop float64) float64 {
	if pop <= 0 {
		return 0
	}
	return scalar.RoundEven((today-weekAgo)/pop*per100k/weekDays, 2)
}

func weekOverWeekRatio(today, weekAgo, twoWeeksAgo float64) float64 {
	thisWeek := today - weekAgo
	lastWeek := weekAgo - twoWeeksAgo
	if lastWeek == 0 {
		if thisWeek == 0 {
			return 0
		}
		return CRTCutValue
	}
	return scalar.RoundEven(thisWeek/lastWeek, 2)
}

func statusPotential(crp, crt float64) int {
	p := PotentialYellow
	if crp <= greenCrpCut1 || (crt <= 1 && crp <= greenCrpCut2) {
		p = PotentialGreen
	}
	if (crt > 1 && crp > redCrpCut1) || crp > redCrpCut2 {
		p = PotentialRed
	}
	return p
}

func deathRate(deaths, cases float64) float64 {
	if cases == 0 {
		return 0
	}
	return scalar.RoundEven(deaths/cases, 4)
}

func perCapita(v, pop float64, prec int) float64 {
	if pop <= 0 {
		return 0
	}
	return scalar.RoundEven(v/pop*per100k, prec)
}

func lookBack(xs []float64, i int) float64 {
	if i < 0 {
		return 0
	}
	return xs[i]
}

func sanitize(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		if v > 0 && !math.IsInf(v, 1) {
			out[i] = v
		}
	}
	return out
}
