package domain

import (
	"fmt"
	"math"
)

// Axis bounds of the default trend chart.
const (
	trendAxisMin      = 20.0
	trendAxisMax      = 110.0
	trendAxisInterval = 10.0
)

// AxisLayout describes the shared y axis of a trend chart.
type AxisLayout struct {
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	Interval float64  `json:"interval"`
	Baseline float64  `json:"baseline"`
	Labels   []string `json:"labels"`
}

// TrendChart is a chart-ready rendering of a region's Cr7d100k and
// RW_Cr7d100k series on one axis.
type TrendChart struct {
	FIPS        string     `json:"FIPS"`
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Dates       []string   `json:"dates"`
	RatePixels  []float64  `json:"crp_pixels"`
	RatioPixels []float64  `json:"crt_pixels"`
	AreaGreen   []*float64 `json:"area_green"`
	AreaYellow  []*float64 `json:"area_yellow"`
	AreaRed     []*float64 `json:"area_red"`
	Status      []string   `json:"status"`
	ScaleFactor float64    `json:"scale_factor"`
	RateUnit    float64    `json:"rate_unit"`
	Axis        AxisLayout `json:"axis"`
}

// BuildTrendChart maps a region history onto the axis of a.
// dates must have one entry per sample of h.
func BuildTrendChart(h RegionHistory, dates []string, a DualAxis) (TrendChart, error) {
	if len(h.CRCs) != len(h.CRPs) || len(dates) != len(h.CRPs) {
		return TrendChart{}, fmt.Errorf("%w: %d dates, %d rates, %d statuses",
			ErrSeriesLengthMismatch, len(dates), len(h.CRPs), len(h.CRCs))
	}

	ratePx, ratioPx, err := a.MapSeries(h.CRPs, h.CRTs)
	if err != nil {
		return TrendChart{}, err
	}

	n := len(ratePx)
	chart := TrendChart{
		FIPS:        h.FIPS,
		Name:        h.Name,
		State:       h.State,
		Dates:       dates,
		RatePixels:  ratePx,
		RatioPixels: ratioPx,
		AreaGreen:   make([]*float64, n),
		AreaYellow:  make([]*float64, n),
		AreaRed:     make([]*float64, n),
		Status:      h.CRCs,
		ScaleFactor: a.ScaleFactor(),
		RateUnit:    a.RateUnit(),
		Axis:        axisLayout(a, ratePx),
	}

	for i := range n {
		span := ratePx[i] - ratioPx[i]
		switch h.CRCs[i] {
		case StatusGreen:
			chart.AreaGreen[i] = &span
		case StatusYellow:
			chart.AreaYellow[i] = &span
		case StatusRed:
			chart.AreaRed[i] = &span
		}
	}

	return chart, nil
}

// axisLayout keeps the default bounds and extends the top, in whole
// intervals, when a rate falls above it.
func axisLayout(a DualAxis, ratePx []float64) AxisLayout {
	top := trendAxisMax
	for _, p := range ratePx {
		if p > top {
			top = trendAxisMin + math.Ceil((p-trendAxisMin)/trendAxisInterval)*trendAxisInterval
		}
	}

	layout := AxisLayout{
		Min:      trendAxisMin,
		Max:      top,
		Interval: trendAxisInterval,
		Baseline: a.Baseline(),
	}
	for p := trendAxisMin; p <= top; p += trendAxisInterval {
		layout.Labels = append(layout.Labels, a.AxisLabel(p))
	}
	return layout
}

// Tooltip is the text shown when hovering a date on a trend chart.
type Tooltip struct {
	Rate  string `json:"cr7d100k"`
	Ratio string `json:"rw_cr7d100k"`
}

// TooltipAt recovers the displayed values from two chart coordinates.
func TooltipAt(a DualAxis, ratePixel, ratioPixel float64) Tooltip {
	return Tooltip{
		Rate:  a.Quantity1LabelAtPixel(ratePixel),
		Ratio: a.RateLabelAtPixel(ratioPixel),
	}
}
