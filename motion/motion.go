// Package motion contains an abstract interface for a single axis stage
// controller, the errors shared by its drivers, and a simulator.
package motion

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDeviceNotFound is generated when no controller has the requested serial number
	ErrDeviceNotFound = errors.New("motion controller not found")

	// ErrUnavailable is generated when a channel does not exist or cannot be acquired
	ErrUnavailable = errors.New("channel unavailable")

	// ErrInitializationTimeout is generated when settings do not initialize in time
	ErrInitializationTimeout = errors.New("settings were not initialized in time")

	// ErrMoveTimeout is generated when a move does not complete in time
	ErrMoveTimeout = errors.New("move did not complete in time")

	// ErrNotEnabled is generated when a move is commanded on a disabled channel
	ErrNotEnabled = errors.New("channel is not enabled")

	// ErrNotPolling is generated when a channel is enabled before polling started
	ErrNotPolling = errors.New("channel is not polling")

	// ErrShutdown is generated when a device is used after Shutdown
	ErrShutdown = errors.New("device is shut down")
)

// MoveTimeoutError carries the context of a move that did not complete.
// errors.Is(err, ErrMoveTimeout) is true for it.
type MoveTimeoutError struct {
	Target   float64
	Position float64
	Timeout  time.Duration
}

func (e MoveTimeoutError) Error() string {
	return fmt.Sprintf("move to %.4f did not complete within %s, last position %.4f", e.Target, e.Timeout, e.Position)
}

// Is makes MoveTimeoutError match ErrMoveTimeout
func (e MoveTimeoutError) Is(target error) bool {
	return target == ErrMoveTimeout
}

// Direction is the sense of a relative move
type Direction int

const (
	// Forward increases position
	Forward Direction = iota

	// Backward decreases position
	Backward
)

// ParseDirection understands forward/backward and increasing/decreasing
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward", "increasing", "+":
		return Forward, nil
	case "backward", "decreasing", "-":
		return Backward, nil
	}
	return Forward, fmt.Errorf("unknown direction %q, use forward or backward", s)
}

// Sign is +1 for Forward and -1 for Backward
func (d Direction) Sign() float64 {
	if d == Backward {
		return -1
	}
	return 1
}

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Manager finds and opens controllers
type Manager interface {
	// Discover lists the serial numbers of attached controllers
	Discover() ([]string, error)

	// Open connects to the controller with the given serial number
	Open(serial string) (Device, error)
}

// Device is an open controller
type Device interface {
	// Serial returns the serial number of the controller
	Serial() string

	// Channel acquires a channel, numbered from 1
	Channel(n int) (Channel, error)

	// Shutdown stops polling on every channel and releases the controller.
	// It is safe to call more than once.
	Shutdown() error
}

// Channel is one axis of a controller.
//
// A channel must be polling before it is enabled, and enabled before it is moved.
type Channel interface {
	// SettingsInitialized reports if the controller has loaded the channel's settings
	SettingsInitialized() bool

	// WaitSettingsInitialized blocks until SettingsInitialized or the timeout
	WaitSettingsInitialized(timeout time.Duration) error

	// StartPolling begins refreshing position and status in the background
	StartPolling(interval time.Duration) error

	// StopPolling ends the background refresh
	StopPolling() error

	// Enable energizes the channel
	Enable() error

	// SetBacklash sets the backlash correction distance
	SetBacklash(distance float64) error

	// MoveAbs moves to an absolute position and blocks until complete
	MoveAbs(pos float64, timeout time.Duration) error

	// MoveRel moves a relative amount and blocks until complete
	MoveRel(dir Direction, delta float64, timeout time.Duration) error

	// Position returns the most recent position
	Position() (float64, error)
}

// Readier is implemented by channels which can report that background
// polling has produced at least one status update
type Readier interface {
	PollingReady() bool
}
