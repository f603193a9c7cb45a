package source

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/couchcryptid/crrw-etl/internal/domain"
)

// Reference table file names, relative to the reference directory.
const (
	CountyPopulationFile = "uscnty-population.csv"
	CountyGeoFile        = "uscnty-name-geo.csv"
	StatePopulationFile  = "usstate-population.csv"
	WorldPopulationFile  = "world-population.csv"
)

// LatLon is a geographic centroid.
type LatLon struct {
	Lat float64
	Lon float64
}

// Country is one row of the world population table.
type Country struct {
	Name       string
	Code       string
	Population float64
}

// Reference holds the static lookup tables joined onto the case series.
type Reference struct {
	CountyPopulation map[string]float64 // by 5-digit county FIPS
	CountyGeo        map[string]LatLon  // by 5-digit county FIPS
	StatePopulation  map[string]float64 // by state abbreviation
	USAPopulation    float64
	Countries        map[string]Country // by country name as written in the JHU files
}

// LoadReference reads the US tables when us is set and the world table when
// world is set. The county geo table is optional.
func LoadReference(ctx context.Context, f *Fetcher, dir string, us, world bool) (Reference, error) {
	var ref Reference
	if us {
		if err := loadTable(ctx, f, dir, CountyPopulationFile, ref.parseCountyPopulation); err != nil {
			return Reference{}, err
		}
		if err := loadTable(ctx, f, dir, StatePopulationFile, ref.parseStatePopulation); err != nil {
			return Reference{}, err
		}
		if err := loadTable(ctx, f, dir, CountyGeoFile, ref.parseCountyGeo); err != nil {
			f.logger.Warn("county geo table unavailable, coordinates omitted", "error", err)
		}
	}
	if world {
		if err := loadTable(ctx, f, dir, WorldPopulationFile, ref.parseWorldPopulation); err != nil {
			return Reference{}, err
		}
	}
	return ref, nil
}

func loadTable(ctx context.Context, f *Fetcher, dir, name string, parse func(io.Reader) error) error {
	rc, err := f.Open(ctx, joinLocation(dir, name))
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	defer rc.Close()
	if err := parse(rc); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// parseCountyPopulation reads a FIPS,POP table.
func (ref *Reference) parseCountyPopulation(r io.Reader) error {
	ref.CountyPopulation = make(map[string]float64)
	return eachRecord(r, []string{"FIPS", "POP"}, func(rec map[string]string) {
		fips, err := strconv.Atoi(rec["FIPS"])
		if err != nil || fips <= 0 {
			return
		}
		if pop, err := parseNumber(rec["POP"]); err == nil {
			ref.CountyPopulation[domain.CountyFIPS(fips)] = pop
		}
	})
}

func (ref *Reference) parseCountyGeo(r io.Reader) error {
	ref.CountyGeo = make(map[string]LatLon)
	return eachRecord(r, []string{"countyFIPS", "lat", "lon"}, func(rec map[string]string) {
		fips, err := strconv.Atoi(rec["countyFIPS"])
		if err != nil {
			return
		}
		lat, errLat := parseNumber(rec["lat"])
		lon, errLon := parseNumber(rec["lon"])
		if errLat == nil && errLon == nil {
			ref.CountyGeo[domain.CountyFIPS(fips)] = LatLon{Lat: lat, Lon: lon}
		}
	})
}

// parseStatePopulation reads a FIPS,ABBR,POP table whose FIPS 0 row is the
// national total.
func (ref *Reference) parseStatePopulation(r io.Reader) error {
	ref.StatePopulation = make(map[string]float64)
	return eachRecord(r, []string{"FIPS", "ABBR", "POP"}, func(rec map[string]string) {
		fips, err := strconv.Atoi(rec["FIPS"])
		if err != nil {
			return
		}
		pop, err := parseNumber(rec["POP"])
		if err != nil {
			return
		}
		if fips == 0 {
			ref.USAPopulation = pop
			return
		}
		ref.StatePopulation[strings.ToUpper(rec["ABBR"])] = pop
	})
}

func (ref *Reference) parseWorldPopulation(r io.Reader) error {
	ref.Countries = make(map[string]Country)
	return eachRecord(r, []string{"Name", "Code", "POP"}, func(rec map[string]string) {
		pop, err := parseNumber(rec["POP"])
		if err != nil || rec["Name"] == "" || rec["Code"] == "" {
			return
		}
		ref.Countries[rec["Name"]] = Country{Name: rec["Name"], Code: rec["Code"], Population: pop}
	})
}

// eachRecord calls fn with every data row of a CSV keyed by column name.
func eachRecord(r io.Reader, required []string, fn func(map[string]string)) error {
	cr := newCSVReader(r)
	cols, err := cr.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return fmt.Errorf("missing column %q", name)
		}
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rec := make(map[string]string, len(idx))
		for name, i := range idx {
			if i < len(row) {
				rec[name] = strings.TrimSpace(row[i])
			}
		}
		fn(rec)
	}
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
}
