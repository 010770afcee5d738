package models

import (
	"math"

	"github.com/shopspring/decimal"
)

// Points is a fixed-point score stored as integer thousandths of a point.
// 68.345 points is stored as 68345.
type Points int64

const (
	// PointsScale is the number of stored units per displayed point
	PointsScale = 1000

	// Unscored marks a race whose points have not been computed yet (-1 point)
	Unscored Points = -1 * PointsScale
)

// PointsFromFloat converts a computed point value to thousandths, rounding half away from zero
func PointsFromFloat(f float64) Points {
	return Points(math.Round(f * PointsScale))
}

// IsScored reports whether the value is a real score and not the sentinel
func (p Points) IsScored() bool {
	return p != Unscored
}

// Float returns the display value. Only use it at the presentation boundary.
func (p Points) Float() float64 {
	return p.Decimal().InexactFloat64()
}

// Decimal returns the exact decimal value of p
func (p Points) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -3)
}

// String formats p with three decimals, e.g. "68.345"
func (p Points) String() string {
	return p.Decimal().StringFixed(3)
}
