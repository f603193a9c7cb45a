package domain

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// SumSeries adds up the counts of several series sampled on the same dates
// into one series for region.
func SumSeries(region Region, parts []CaseSeries) (CaseSeries, error) {
	if len(parts) == 0 {
		return CaseSeries{}, fmt.Errorf("no series to aggregate for %s", region.Key())
	}

	dates := parts[0].Dates
	out := CaseSeries{
		Region: region,
		Dates:  dates,
		Cases:  make([]float64, len(dates)),
		Deaths: make([]float64, len(dates)),
	}
	for _, p := range parts {
		if len(p.Dates) != len(dates) || len(p.Cases) != len(dates) {
			return CaseSeries{}, fmt.Errorf("%w: aggregating %s into %s",
				ErrSeriesLengthMismatch, p.Region.Key(), region.Key())
		}
		for i := range dates {
			if p.Cases[i] > 0 {
				out.Cases[i] += p.Cases[i]
			}
			if i < len(p.Deaths) && p.Deaths[i] > 0 {
				out.Deaths[i] += p.Deaths[i]
			}
		}
	}
	return out, nil
}

// AggregateStates sums county-level series, including statewide unallocated
// rows, into one series per state. populations is keyed by state abbreviation.
// States missing from the lookup table are skipped.
func AggregateStates(counties []CaseSeries, populations map[string]float64) ([]CaseSeries, error) {
	byState := lo.GroupBy(counties, func(s CaseSeries) string { return s.Region.State })

	abbrs := lo.Keys(byState)
	sort.Strings(abbrs)

	states := make([]CaseSeries, 0, len(abbrs))
	for _, abbr := range abbrs {
		info, ok := StateByAbbr(abbr)
		if !ok {
			continue
		}
		region := Region{
			Level:      LevelState,
			ID:         StateFIPS(info.FIPS),
			State:      info.Abbr,
			Name:       info.Name,
			Population: populations[info.Abbr],
		}
		s, err := SumSeries(region, byState[abbr])
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, nil
}

// AggregateUSA sums state-level series into the national series.
func AggregateUSA(states []CaseSeries, population float64) (CaseSeries, error) {
	region := Region{
		Level:      LevelUSA,
		ID:         USAFIPS,
		State:      "US",
		Name:       "United States",
		Population: population,
	}
	return SumSeries(region, states)
}
