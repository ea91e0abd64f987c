package sweep

import (
	"fmt"
	"strings"
)

// Status is the state of a run
type Status int

const (
	Initializing Status = iota
	Homing
	AwaitingStart
	Running
	Completed
	Aborted
	Failed
)

var statusNames = [...]string{"Initializing", "Homing", "AwaitingStart", "Running", "Completed", "Aborted", "Failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name, ignoring case
func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if strings.EqualFold(n, string(b)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Terminal is true for Completed, Aborted and Failed
func (s Status) Terminal() bool {
	return s >= Completed
}

// Steps of a run, named in failures
const (
	StepConfiguration  = "configuration"
	StepInstrumentOpen = "instrument open"
	StepInstrumentInit = "instrument init"
	StepActuatorInit   = "actuator init"
	StepHoming         = "homing"
	StepStartGate      = "start gate"
	StepMeasurement    = "measurement"
)

// StepError is a failure attributed to a step of the run
type StepError struct {
	Step string
	Err  error
}

func (e StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e StepError) Unwrap() error {
	return e.Err
}

// Session is a snapshot of a run in progress
type Session struct {
	RunID     string  `json:"runID"`
	Status    Status  `json:"status"`
	Angle     float64 `json:"angle"`
	Iteration int     `json:"iteration"`
	Total     int     `json:"total"`
	Invalid   int     `json:"invalid"`
	Step      string  `json:"step,omitempty"`
	LastError string  `json:"lastError,omitempty"`
}
