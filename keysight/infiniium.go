// Package keysight provides access to their oscilloscopes in Go
package keysight

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rflab/anglesweep/scpi"
)

const (
	// NoPeak is returned by the FFT peak queries when no peak is above the threshold
	NoPeak = 9.99999e37

	// SentinelThreshold is the magnitude at and above which a reading is the "no data" value.
	// Keysight formats NoPeak with varying precision, so compare against a floor.
	SentinelThreshold = 9.9e37

	// DefaultFunction is the math function slot holding the FFT
	DefaultFunction = 4

	// DefaultSetup is the stored setup slot recalled at init
	DefaultSetup = 9
)

// IsSentinel returns true if v is the "no peak found" value
func IsSentinel(v float64) bool {
	return math.Abs(v) >= SentinelThreshold
}

// Infiniium is an Infiniium series oscilloscope using an FFT math function
// with peak search for power measurement
type Infiniium struct {
	*scpi.Session

	// Function is the FUNCtion<N> slot the FFT lives in
	Function int

	// Setup is the stored setup recalled by RecallSetup
	Setup int
}

// NewInfiniium wraps an open session
func NewInfiniium(s *scpi.Session, function, setup int) *Infiniium {
	return &Infiniium{Session: s, Function: function, Setup: setup}
}

// OpenInfiniium opens a session to the scope at resource, sending commands
// at least spacing apart
func OpenInfiniium(resource string, timeout, spacing time.Duration, function, setup int) (*Infiniium, error) {
	s, err := scpi.Open(resource, timeout, spacing)
	if err != nil {
		return nil, err
	}
	return NewInfiniium(s, function, setup), nil
}

// Clear clears the status registers and error queue
func (s *Infiniium) Clear() error {
	return s.Send("*CLS")
}

// Identity returns the *IDN? string
func (s *Infiniium) Identity() (string, error) {
	return s.Query("*IDN?")
}

// RecallSetup loads the stored setup
func (s *Infiniium) RecallSetup() error {
	return s.Send(fmt.Sprintf(":RECall:SETup %d", s.Setup))
}

// PeakThreshold returns the peak detection level of the FFT function, as the scope formats it
func (s *Infiniium) PeakThreshold() (string, error) {
	resp, err := s.Query(fmt.Sprintf(":FUNCtion%d:FFT:PEAK:LEVel?", s.Function))
	return unquote(resp), err
}

// PeakMagnitude returns the magnitude of the first FFT peak, as the scope formats it
func (s *Infiniium) PeakMagnitude(timeout time.Duration) (string, error) {
	resp, err := s.QueryLine(fmt.Sprintf(":FUNCtion%d:FFT:PEAK:MAGNitude?", s.Function), timeout)
	return unquote(resp), err
}

// Errors drains the error queue
func (s *Infiniium) Errors() []error {
	return s.AllErrors()
}

// some firmware quotes the peak queries
func unquote(s string) string {
	return strings.Trim(s, `"`)
}
