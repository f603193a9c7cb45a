package source

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
)

// CountyTable is one USAFacts wide file: cumulative counts per county per date.
type CountyTable struct {
	Dates []time.Time
	Rows  []CountyRow
}

// CountyRow is one line of a USAFacts file. FIPS 0 marks the statewide
// unallocated line of a state.
type CountyRow struct {
	FIPS   int
	Name   string
	State  string
	Values []float64
}

// ParseUSAFacts reads a USAFacts confirmed-cases or deaths CSV.
func ParseUSAFacts(r io.Reader) (CountyTable, error) {
	cr := newCSVReader(r)
	cols, err := cr.Read()
	if err != nil {
		return CountyTable{}, fmt.Errorf("read usafacts header: %w", err)
	}
	h, err := parseHeader(cols)
	if err != nil {
		return CountyTable{}, fmt.Errorf("parse usafacts header: %w", err)
	}
	if err := h.require("countyFIPS", "County Name", "State"); err != nil {
		return CountyTable{}, fmt.Errorf("parse usafacts header: %w", err)
	}

	table := CountyTable{Dates: h.dates}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return CountyTable{}, fmt.Errorf("read usafacts line %d: %w", line, err)
		}

		fips, err := strconv.Atoi(h.attr(row, "countyFIPS"))
		if err != nil {
			continue
		}
		table.Rows = append(table.Rows, CountyRow{
			FIPS:   fips,
			Name:   h.attr(row, "County Name"),
			State:  h.attr(row, "State"),
			Values: h.values(row),
		})
	}
	return table, nil
}

// CountySeries joins the confirmed and deaths tables on county FIPS and the
// dates both cover, attaching population and coordinates from ref.
//
// counties holds one series per county known to the population table. all
// additionally holds the statewide unallocated lines, for state totals.
func CountySeries(cases, deaths CountyTable, ref Reference) (counties, all []domain.CaseSeries, err error) {
	dates, ic, id := alignDates(cases.Dates, deaths.Dates)
	if len(dates) == 0 {
		return nil, nil, fmt.Errorf("confirmed and deaths tables share no dates")
	}

	deathRows := make(map[string]CountyRow, len(deaths.Rows))
	for _, row := range deaths.Rows {
		deathRows[rowKey(row)] = row
	}

	seen := make(map[string]bool, len(cases.Rows))
	for _, row := range cases.Rows {
		key := rowKey(row)
		if seen[key] {
			continue
		}
		seen[key] = true

		s := domain.CaseSeries{
			Dates: dates,
			Cases: pick(row.Values, ic),
		}
		if d, ok := deathRows[key]; ok {
			s.Deaths = pick(d.Values, id)
		}

		if row.FIPS == 0 {
			s.Region = domain.Region{Level: domain.LevelCounty, ID: key, State: row.State, Name: row.Name}
			all = append(all, s)
			continue
		}

		fips := domain.CountyFIPS(row.FIPS)
		pop, ok := ref.CountyPopulation[fips]
		if !ok {
			s.Region = domain.Region{Level: domain.LevelCounty, ID: fips, State: row.State, Name: row.Name}
			all = append(all, s)
			continue
		}
		geo := ref.CountyGeo[fips]
		s.Region = domain.Region{
			Level:      domain.LevelCounty,
			ID:         fips,
			State:      row.State,
			Name:       domain.CountyName(row.FIPS, row.Name),
			Population: pop,
			Lat:        geo.Lat,
			Lon:        geo.Lon,
		}
		counties = append(counties, s)
		all = append(all, s)
	}
	return counties, all, nil
}

// rowKey separates statewide lines, which all share FIPS 0, by state.
func rowKey(row CountyRow) string {
	if row.FIPS == 0 {
		return "0:" + row.State
	}
	return domain.CountyFIPS(row.FIPS)
}
