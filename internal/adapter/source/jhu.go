package source

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/samber/lo"
)

// CountryTable is a JHU CSSE global time series summed per country.
type CountryTable struct {
	Dates []time.Time
	Rows  []CountryRow
}

// CountryRow is the national total of one country.
type CountryRow struct {
	Name   string
	Lat    float64
	Lon    float64
	Values []float64
}

type jhuLine struct {
	province string
	country  string
	lat, lon float64
	values   []float64
}

// ParseJHU reads a JHU confirmed or deaths global time series and sums the
// province lines of each country.
func ParseJHU(r io.Reader) (CountryTable, error) {
	cr := newCSVReader(r)
	cols, err := cr.Read()
	if err != nil {
		return CountryTable{}, fmt.Errorf("read jhu header: %w", err)
	}
	h, err := parseHeader(cols)
	if err != nil {
		return CountryTable{}, fmt.Errorf("parse jhu header: %w", err)
	}
	if err := h.require("Country/Region"); err != nil {
		return CountryTable{}, fmt.Errorf("parse jhu header: %w", err)
	}

	var lines []jhuLine
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return CountryTable{}, fmt.Errorf("read jhu line %d: %w", line, err)
		}
		l := jhuLine{
			province: h.attr(row, "Province/State"),
			country:  h.attr(row, "Country/Region"),
			values:   h.values(row),
		}
		if l.country == "" {
			continue
		}
		l.lat, _ = strconv.ParseFloat(h.attr(row, "Lat"), 64)
		l.lon, _ = strconv.ParseFloat(h.attr(row, "Long"), 64)
		lines = append(lines, l)
	}

	byCountry := lo.GroupBy(lines, func(l jhuLine) string { return l.country })
	names := lo.Keys(byCountry)
	sort.Strings(names)

	table := CountryTable{Dates: h.dates, Rows: make([]CountryRow, 0, len(names))}
	for _, name := range names {
		group := byCountry[name]
		row := CountryRow{Name: name, Values: make([]float64, len(h.dates))}

		// The line without a province carries the national centroid.
		centroid, ok := lo.Find(group, func(l jhuLine) bool { return l.province == "" })
		if !ok {
			centroid = group[0]
		}
		row.Lat, row.Lon = centroid.lat, centroid.lon

		for _, l := range group {
			for i, v := range l.values {
				if v > 0 {
					row.Values[i] += v
				}
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// WorldSeries joins the confirmed and deaths tables per country on the dates
// both cover. Countries missing from the world population table are skipped
// and returned by name.
func WorldSeries(cases, deaths CountryTable, ref Reference) (series []domain.CaseSeries, skipped []string, err error) {
	dates, ic, id := alignDates(cases.Dates, deaths.Dates)
	if len(dates) == 0 {
		return nil, nil, fmt.Errorf("confirmed and deaths tables share no dates")
	}

	deathRows := lo.SliceToMap(deaths.Rows, func(r CountryRow) (string, CountryRow) { return r.Name, r })

	for _, row := range cases.Rows {
		c, ok := ref.Countries[row.Name]
		if !ok {
			skipped = append(skipped, row.Name)
			continue
		}
		s := domain.CaseSeries{
			Region: domain.Region{
				Level:      domain.LevelWorld,
				ID:         c.Code,
				State:      c.Code,
				Name:       c.Name,
				Population: c.Population,
				Lat:        row.Lat,
				Lon:        row.Lon,
			},
			Dates: dates,
			Cases: pick(row.Values, ic),
		}
		if d, ok := deathRows[row.Name]; ok {
			s.Deaths = pick(d.Values, id)
		}
		series = append(series, s)
	}
	return series, skipped, nil
}
