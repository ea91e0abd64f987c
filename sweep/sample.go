package sweep

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Reasons a sample is invalid
const (
	ReasonNoPeak = "no peak"
	ReasonParse  = "unparseable"
)

// Reading is one response to a peak magnitude query
type Reading struct {
	Raw    string
	Value  float64
	Valid  bool
	Reason string
}

// ParseReading parses raw as a decimal number.  Readings with a magnitude
// at or above sentinel are the instrument's "no data" value and are invalid,
// with Value preserved.
func ParseReading(raw string, sentinel float64) Reading {
	r := Reading{Raw: raw}
	v, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(raw), `"`), 64)
	switch {
	case err != nil || math.IsNaN(v):
		r.Reason = ReasonParse
	case math.Abs(v) >= sentinel:
		r.Value = v
		r.Reason = ReasonNoPeak
	default:
		r.Value = v
		r.Valid = true
	}
	return r
}

// Sample is one measurement of the sweep
type Sample struct {
	Index int `json:"index"`

	// Angle is relative to the home angle
	Angle float64 `json:"angle"`

	// Absolute is the sweep angle, HomeAngle + Angle
	Absolute float64 `json:"absolute"`

	// Position is the actuator's reported position
	Position float64 `json:"position"`

	Raw    string    `json:"raw"`
	Value  float64   `json:"value"`
	Valid  bool      `json:"valid"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}
