// Package units converts tag speeds from metres per second into the units
// API clients ask for.
package units

import (
	"fmt"
	"slices"
	"strings"

	"github.com/banshee-data/position.report/internal/solver"
)

const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

var ValidUnits = []string{MPS, MPH, KMPH, KPH}

func IsValid(unit string) bool { return slices.Contains(ValidUnits, unit) }

// Parse returns the unit named by s, MPS when s is empty.
func Parse(s string) (string, error) {
	if s == "" {
		return MPS, nil
	}
	if !IsValid(s) {
		return "", fmt.Errorf("invalid units %q: must be one of %s", s, strings.Join(ValidUnits, ", "))
	}
	return s, nil
}

// ConvertSpeed converts a speed in metres per second. Unknown units are
// left in metres per second.
func ConvertSpeed(speedMPS float64, unit string) float64 {
	switch unit {
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// Speed is the magnitude of a velocity in the site plane, in unit. Vertical
// motion is ignored since tags are solved at a fixed height in 2D mode.
func Speed(v solver.Point, unit string) float64 {
	return ConvertSpeed(solver.Point{X: v.X, Y: v.Y}.Norm(), unit)
}
