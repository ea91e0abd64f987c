package sweep

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rflab/anglesweep/motion"
)

// ErrInvalidConfig is generated by Validate
var ErrInvalidConfig = errors.New("invalid sweep configuration")

// DefaultSentinel is the magnitude of the value an Infiniium returns for a
// measurement it could not make
const DefaultSentinel = 9.9e37

// SentinelPolicy decides what a "no peak" reading does to the run
type SentinelPolicy int

const (
	// Continue records the sample as invalid and keeps sweeping
	Continue SentinelPolicy = iota

	// Abort records the sample as invalid and ends the run as Aborted
	Abort

	// Requery waits the averaging delay once more and queries again.
	// A second sentinel is recorded invalid and the sweep continues.
	Requery
)

// ParseSentinelPolicy understands continue, abort and requery
func ParseSentinelPolicy(s string) (SentinelPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return Continue, nil
	case "abort":
		return Abort, nil
	case "requery":
		return Requery, nil
	}
	return Continue, fmt.Errorf("unknown sentinel policy %q, use continue, abort or requery", s)
}

func (p SentinelPolicy) String() string {
	switch p {
	case Abort:
		return "abort"
	case Requery:
		return "requery"
	}
	return "continue"
}

// Config is everything a run needs to know.  It is not modified by the run.
type Config struct {
	// DeviceSerial identifies the motion controller
	DeviceSerial string

	// Channel is the controller channel the stage is on, from 1
	Channel int

	// InstrumentAddress is the resource string of the scope
	InstrumentAddress string

	// InstrumentTimeout bounds each instrument query
	InstrumentTimeout time.Duration

	HomeAngle float64
	EndAngle  float64
	StepSize  float64
	Direction motion.Direction

	// AveragingDelay is waited before every measurement so the
	// scope's averaged FFT reflects the new angle
	AveragingDelay time.Duration

	HomeTimeout     time.Duration
	MoveTimeout     time.Duration
	SettingsTimeout time.Duration

	// PollInterval is the actuator status polling period
	PollInterval time.Duration

	// PollSettle is the minimum wait between starting polling and enabling
	PollSettle time.Duration

	// EnableSettle is waited after enabling
	EnableSettle time.Duration

	// ReadyTimeout bounds the wait for a first polled status on actuators
	// that can report one
	ReadyTimeout time.Duration

	Backlash float64

	// ZeroOffset is added to every commanded angle, it is the stage position of angle zero
	ZeroOffset float64

	// Tolerance is the angular slack used for the loop end and homing checks
	Tolerance float64

	// Rotary normalizes commanded angles into [0, 360) and unwraps read back positions
	Rotary bool

	SentinelPolicy SentinelPolicy

	// Sentinel is the reading magnitude at and above which a reading means "no peak"
	Sentinel float64

	// CheckErrors drains the instrument error queue during initialization
	CheckErrors bool

	// Park returns the stage to angle zero during shutdown
	Park bool
}

// DefaultConfig returns the configuration of the HDR50 / DSO bench
func DefaultConfig() Config {
	return Config{
		DeviceSerial:      "40000001",
		Channel:           1,
		InstrumentAddress: "USB0::0x2A8D::0x9027::MY59190106::0::INSTR",
		InstrumentTimeout: 10 * time.Second,
		HomeAngle:         315,
		EndAngle:          225,
		StepSize:          0.5,
		Direction:         motion.Backward,
		AveragingDelay:    5 * time.Second,
		HomeTimeout:       60 * time.Second,
		MoveTimeout:       60 * time.Second,
		SettingsTimeout:   5 * time.Second,
		PollInterval:      250 * time.Millisecond,
		PollSettle:        500 * time.Millisecond,
		EnableSettle:      500 * time.Millisecond,
		ReadyTimeout:      5 * time.Second,
		Tolerance:         1e-3,
		Rotary:            true,
		Sentinel:          DefaultSentinel,
		CheckErrors:       true,
	}
}

// Validate rejects configurations which would never terminate or cannot be executed
func (c Config) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	finite := func(vs ...float64) bool {
		for _, v := range vs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		return true
	}
	switch {
	case !finite(c.HomeAngle, c.EndAngle, c.StepSize, c.Tolerance, c.ZeroOffset, c.Backlash):
		return bad("angles must be finite, got home %g end %g step %g tolerance %g offset %g backlash %g",
			c.HomeAngle, c.EndAngle, c.StepSize, c.Tolerance, c.ZeroOffset, c.Backlash)
	case !(c.StepSize > 0):
		return bad("step size must be positive, got %g", c.StepSize)
	case c.Tolerance < 0 || c.Tolerance >= c.StepSize:
		return bad("tolerance %g must be in [0, step size)", c.Tolerance)
	case c.Direction == motion.Backward && c.HomeAngle < c.EndAngle:
		return bad("decreasing sweep from %g never reaches %g", c.HomeAngle, c.EndAngle)
	case c.Direction == motion.Forward && c.HomeAngle > c.EndAngle:
		return bad("increasing sweep from %g never reaches %g", c.HomeAngle, c.EndAngle)
	case c.Channel < 1:
		return bad("channel must be 1 or more, got %d", c.Channel)
	case c.HomeTimeout <= 0 || c.MoveTimeout <= 0:
		return bad("move timeouts must be positive")
	case c.PollInterval <= 0:
		return bad("poll interval must be positive")
	case c.AveragingDelay < 0 || c.PollSettle < 0 || c.EnableSettle < 0 || c.SettingsTimeout < 0 || c.ReadyTimeout < 0 || c.InstrumentTimeout < 0:
		return bad("delays and timeouts may not be negative")
	case !(c.Sentinel > 0):
		return bad("sentinel threshold must be positive")
	}
	return nil
}

// Iterations is the number of measurements the sweep will make on an exact actuator
func (c Config) Iterations() int {
	span := math.Abs(c.HomeAngle-c.EndAngle) - c.Tolerance
	if span <= 0 || c.StepSize <= 0 {
		return 0
	}
	return int(math.Ceil(span / c.StepSize))
}

// EstimatedDuration is a lower bound on the run time, ignoring stage travel
func (c Config) EstimatedDuration() time.Duration {
	return c.PollSettle + c.EnableSettle + time.Duration(c.Iterations())*c.AveragingDelay
}
