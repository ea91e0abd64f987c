// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// ApproxEqual returns true if a and b differ by no more than tol
func ApproxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// UnwrapNear returns the angle (degrees) equivalent to angle modulo 360 that is
// closest to ref.  Rotary stages in "rotational range" mode report 0..360,
// so a sweep crossing zero must be unwrapped before comparing positions.
func UnwrapNear(angle, ref float64) float64 {
	turns := math.Round((ref - angle) / 360)
	return angle + turns*360
}
