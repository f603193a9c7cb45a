// Package domain models COVID-19 case and death time series and the
// indicators derived from them for the CrRW dashboard.
//
// # Data Sources
//
// County-level cumulative confirmed cases and deaths come from the USAFacts
// wide CSV files, one column per date. Country-level series come from the JHU
// CSSE global time series. States and the USA are aggregated from counties.
// Population and coordinates come from static reference tables.
//
// # Indicators
//
// All indicators are computed per region and per date from cumulative counts:
//
//	cdt  case doubling time, 4·ln2 / ln((ncc+0.5)/ncc[-4]), capped at 100 days
//	dnc  daily new cases, never negative
//	crp  Cr7d100k, average daily new cases over 7 days per 100k people
//	crt  RW_Cr7d100k, this week's new cases over last week's
//	cri  daily status potential: 1 green, 2 yellow, 3 red
//	crc  CrRW status color from the sum of the previous 7 potentials:
//	     ≤7 green, ≥21 red, otherwise yellow
//	dtr  death rate, deaths over cases
//	npp  cumulative cases per 100k
//	dpp  daily new cases per 100k
//
// Potential thresholds on crp: at or below 10 is green, at or below 15 with a
// non-growing trend (crt ≤ 1) is green, above 10 with a growing trend is red,
// above 30 is red. Red wins over green.
//
// # Trend Chart Axis
//
// Trend charts draw crp and crt on one y axis: crp grows up from a baseline
// of 50 (one axis unit per ScaleFactor cases), crt grows down (RateUnit axis
// units per unit of ratio) and is cut off at 5. See [DualAxis].
package domain
