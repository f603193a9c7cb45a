package domain

import (
	"fmt"
	"strings"
)

// Level is the geographic granularity of a region.
type Level string

const (
	LevelCounty Level = "county"
	LevelState  Level = "state"
	LevelUSA    Level = "usa"
	LevelWorld  Level = "world"
)

// Levels lists every supported level in processing order.
var Levels = []Level{LevelCounty, LevelState, LevelUSA, LevelWorld}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelCounty, LevelState, LevelUSA, LevelWorld:
		return l, nil
	default:
		return "", fmt.Errorf("unknown level %q", s)
	}
}

// Region identifies one row of a dataset.
//
// ID is the FIPS code for US regions (5 digits for counties, 2 for states,
// "00" for the USA) and the ISO-3 country code for world regions.
type Region struct {
	Level      Level   `json:"level"`
	ID         string  `json:"id"`
	State      string  `json:"state"`
	Name       string  `json:"name"`
	Population float64 `json:"pop"`
	Lat        float64 `json:"lat,omitempty"`
	Lon        float64 `json:"lon,omitempty"`
}

// Key returns the storage and message key of the region.
func (r Region) Key() string {
	return string(r.Level) + ":" + r.ID
}

// StateInfo is one row of the US state lookup table.
type StateInfo struct {
	FIPS int
	Abbr string
	Name string
}

// usStates covers the 50 states, DC and Puerto Rico.
var usStates = []StateInfo{
	{1, "AL", "Alabama"}, {2, "AK", "Alaska"}, {4, "AZ", "Arizona"},
	{5, "AR", "Arkansas"}, {6, "CA", "California"}, {8, "CO", "Colorado"},
	{9, "CT", "Connecticut"}, {10, "DE", "Delaware"}, {11, "DC", "District of Columbia"},
	{12, "FL", "Florida"}, {13, "GA", "Georgia"}, {15, "HI", "Hawaii"},
	{16, "ID", "Idaho"}, {17, "IL", "Illinois"}, {18, "IN", "Indiana"},
	{19, "IA", "Iowa"}, {20, "KS", "Kansas"}, {21, "KY", "Kentucky"},
	{22, "LA", "Louisiana"}, {23, "ME", "Maine"}, {24, "MD", "Maryland"},
	{25, "MA", "Massachusetts"}, {26, "MI", "Michigan"}, {27, "MN", "Minnesota"},
	{28, "MS", "Mississippi"}, {29, "MO", "Missouri"}, {30, "MT", "Montana"},
	{31, "NE", "Nebraska"}, {32, "NV", "Nevada"}, {33, "NH", "New Hampshire"},
	{34, "NJ", "New Jersey"}, {35, "NM", "New Mexico"}, {36, "NY", "New York"},
	{37, "NC", "North Carolina"}, {38, "ND", "North Dakota"}, {39, "OH", "Ohio"},
	{40, "OK", "Oklahoma"}, {41, "OR", "Oregon"}, {42, "PA", "Pennsylvania"},
	{44, "RI", "Rhode Island"}, {45, "SC", "South Carolina"}, {46, "SD", "South Dakota"},
	{47, "TN", "Tennessee"}, {48, "TX", "Texas"}, {49, "UT", "Utah"},
	{50, "VT", "Vermont"}, {51, "VA", "Virginia"}, {53, "WA", "Washington"},
	{54, "WV", "West Virginia"}, {55, "WI", "Wisconsin"}, {56, "WY", "Wyoming"},
	{72, "PR", "Puerto Rico"},
}

var (
	statesByFIPS = make(map[int]StateInfo, len(usStates))
	statesByAbbr = make(map[string]StateInfo, len(usStates))
)

func init() {
	for _, s := range usStates {
		statesByFIPS[s.FIPS] = s
		statesByAbbr[s.Abbr] = s
	}
}

// StateByFIPS looks up a state by its numeric FIPS code.
func StateByFIPS(fips int) (StateInfo, bool) {
	s, ok := statesByFIPS[fips]
	return s, ok
}

// StateByAbbr looks up a state by its postal abbreviation (case-insensitive).
func StateByAbbr(abbr string) (StateInfo, bool) {
	s, ok := statesByAbbr[strings.ToUpper(strings.TrimSpace(abbr))]
	return s, ok
}

// CountyFIPS formats a numeric county FIPS code as the 5-digit string used in
// dataset keys.
func CountyFIPS(fips int) string {
	return fmt.Sprintf("%05d", fips)
}

// StateFIPS formats a numeric state FIPS code as 2 digits.
func StateFIPS(fips int) string {
	return fmt.Sprintf("%02d", fips)
}

// USAFIPS is the pseudo FIPS code of the national aggregate.
const USAFIPS = "00"

// CountyName strips the " County" suffix used by the sources and applies the
// naming fix for the District of Columbia.
func CountyName(fips int, raw string) string {
	if fips == 11001 {
		return "Washington, D.C."
	}
	return strings.TrimSpace(strings.Replace(raw, " County", "", 1))
}
