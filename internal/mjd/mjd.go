// Package mjd converts between time.Time and Modified Julian Date, the
// time scale calibration validity windows and product metadata use.
package mjd

import (
	"time"

	"github.com/ncruces/julianday"
)

// Offset between the Julian Date and Modified Julian Date epochs.
const jdOffset = 2400000.5

// FromTime returns the Modified Julian Date of t.
func FromTime(t time.Time) float64 {
	return julianday.Float(t) - jdOffset
}

// ToTime returns the UTC instant of an MJD value.
func ToTime(mjd float64) time.Time {
	return julianday.FloatTime(mjd + jdOffset).UTC()
}

// Add returns the MJD shifted by a duration.
func Add(mjd float64, d time.Duration) float64 {
	return mjd + d.Hours()/24
}
