package domain

import (
	"errors"
	"fmt"
	"math"
)

// Default trend-chart axis layout. The case rate occupies the band above the
// baseline and the rate-of-change ratio the band below it.
const (
	DefaultBaseline    = 50.0
	DefaultScaleFactor = 5.0
	DefaultRateUnit    = 10.0
	DefaultRateCeiling = 5.0
)

// ClampedRateLabel is shown instead of a number when the rate-of-change ratio
// was cut off at the ceiling.
const ClampedRateLabel = "5.00 or higher"

var (
	// ErrInvalidScale is returned when a mapper is configured with a
	// non-positive scale factor or rate unit.
	ErrInvalidScale = errors.New("scale factor and rate unit must be positive")

	// ErrSeriesLengthMismatch is returned when the two series of a chart do
	// not have one sample per date each.
	ErrSeriesLengthMismatch = errors.New("series length mismatch")
)

// DualAxis maps two differently scaled quantities onto one shared pixel axis.
//
// Quantity 1 (Cr7d100k) grows upward from the baseline, one axis unit per
// ScaleFactor cases. Quantity 2 (RW_Cr7d100k) grows downward, RateUnit axis
// units per unit of ratio, and is clamped at RateCeiling. A DualAxis is
// immutable; changing the display scale means building a new one.
type DualAxis struct {
	baseline    float64
	scaleFactor float64
	rateUnit    float64
	ceiling     float64
}

// NewDualAxis builds a mapper with the default baseline and rate ceiling.
func NewDualAxis(scaleFactor, rateUnit float64) (DualAxis, error) {
	if !(scaleFactor > 0) || !(rateUnit > 0) || math.IsInf(scaleFactor, 0) || math.IsInf(rateUnit, 0) {
		return DualAxis{}, fmt.Errorf("%w: scale=%v unit=%v", ErrInvalidScale, scaleFactor, rateUnit)
	}
	return DualAxis{
		baseline:    DefaultBaseline,
		scaleFactor: scaleFactor,
		rateUnit:    rateUnit,
		ceiling:     DefaultRateCeiling,
	}, nil
}

// DefaultDualAxis returns the mapper used by the dashboard's trend charts.
func DefaultDualAxis() DualAxis {
	return DualAxis{
		baseline:    DefaultBaseline,
		scaleFactor: DefaultScaleFactor,
		rateUnit:    DefaultRateUnit,
		ceiling:     DefaultRateCeiling,
	}
}

// Baseline returns the pixel offset shared by both axes at zero.
func (a DualAxis) Baseline() float64 { return a.baseline }

// ScaleFactor returns the pixels per unit of the case rate axis.
func (a DualAxis) ScaleFactor() float64 { return a.scaleFactor }

// RateUnit returns the case rate that one ratio unit spans on the chart.
func (a DualAxis) RateUnit() float64 { return a.rateUnit }

// RateCeiling returns the largest ratio drawn without clamping.
func (a DualAxis) RateCeiling() float64 { return a.ceiling }

// Quantity1ToPixel places a case rate on the axis. The result is not clamped.
func (a DualAxis) Quantity1ToPixel(v float64) float64 {
	return v/a.scaleFactor + a.baseline
}

// Quantity2ToPixel places a rate-of-change ratio on the axis, cutting it off
// at the ceiling first.
func (a DualAxis) Quantity2ToPixel(v float64) float64 {
	if v > a.ceiling {
		v = a.ceiling
	}
	return a.baseline - v*a.rateUnit
}

// PixelToQuantity1 is the exact inverse of Quantity1ToPixel.
func (a DualAxis) PixelToQuantity1(p float64) float64 {
	return (p - a.baseline) * a.scaleFactor
}

// PixelToQuantity2 inverts the unclamped form of Quantity2ToPixel. Values at
// the ceiling may stand for anything above it; see RateLabelAtPixel.
func (a DualAxis) PixelToQuantity2(p float64) float64 {
	return (a.baseline - p) / a.rateUnit
}

// IsClamped reports whether a pre-clamp ratio is lost by Quantity2ToPixel.
func (a DualAxis) IsClamped(v float64) bool {
	return v >= a.ceiling
}

// RateLabel formats a ratio for display, substituting ClampedRateLabel at or
// above the ceiling.
func (a DualAxis) RateLabel(v float64) string {
	if a.IsClamped(v) {
		return ClampedRateLabel
	}
	return fmt.Sprintf("%.2f", v)
}

// RateLabelAtPixel recovers a ratio label from a chart coordinate.
func (a DualAxis) RateLabelAtPixel(p float64) string {
	return a.RateLabel(a.PixelToQuantity2(p))
}

// Quantity1LabelAtPixel recovers a case-rate label from a chart coordinate.
func (a DualAxis) Quantity1LabelAtPixel(p float64) string {
	return fmt.Sprintf("%.2f", a.PixelToQuantity1(p))
}

// AxisLabel formats a tick on the shared axis: the lower band is labelled in
// ratio units, the upper band in case-rate units.
func (a DualAxis) AxisLabel(p float64) string {
	if p <= a.baseline {
		return fmt.Sprintf("%.0f", a.PixelToQuantity2(p))
	}
	return fmt.Sprintf("%.0f", a.PixelToQuantity1(p))
}

// MapSeries converts a case-rate series and a ratio series, sampled on the
// same dates, into their axis coordinates.
func (a DualAxis) MapSeries(rates, ratios []float64) (ratePixels, ratioPixels []float64, err error) {
	if len(rates) != len(ratios) {
		return nil, nil, fmt.Errorf("%w: %d rates, %d ratios", ErrSeriesLengthMismatch, len(rates), len(ratios))
	}
	ratePixels = make([]float64, len(rates))
	ratioPixels = make([]float64, len(ratios))
	for i := range rates {
		ratePixels[i] = a.Quantity1ToPixel(rates[i])
		ratioPixels[i] = a.Quantity2ToPixel(ratios[i])
	}
	return ratePixels, ratioPixels, nil
}
