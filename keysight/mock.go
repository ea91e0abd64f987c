package keysight

import (
	"fmt"
	"sync"
	"time"

	"github.com/rflab/anglesweep/comm"
)

// Mock is a scope which answers from memory.  It records every command in
// the text the real scope would receive.
type Mock struct {
	sync.Mutex

	// IDN is returned by Identity
	IDN string

	// Threshold is returned by PeakThreshold
	Threshold string

	// Reading returns the response to the nth (zero based) peak magnitude query.
	// nil always reports NoPeak
	Reading func(n int) string

	// Latency is how long a peak magnitude query takes.  If it exceeds the
	// query timeout the query fails with comm.ErrReadTimeout.
	Latency time.Duration

	// Fail maps a command to the error it produces
	Fail map[string]error

	// Queue is returned, then emptied, by Errors
	Queue []error

	Function int
	Setup    int

	commands []string
	queries  int
	closes   int
}

// NewMock returns a mock with a plausible identity
func NewMock(reading func(n int) string) *Mock {
	return &Mock{
		IDN:       "KEYSIGHT TECHNOLOGIES,DSOS404A,MOCK0001,07.10.00000",
		Threshold: "-60.0E+00",
		Reading:   reading,
		Function:  DefaultFunction,
		Setup:     DefaultSetup}
}

func (m *Mock) do(cmd string) error {
	m.Lock()
	defer m.Unlock()
	m.commands = append(m.commands, cmd)
	return m.Fail[cmd]
}

// Clear implements *CLS
func (m *Mock) Clear() error {
	return m.do("*CLS")
}

// Identity implements *IDN?
func (m *Mock) Identity() (string, error) {
	if err := m.do("*IDN?"); err != nil {
		return "", err
	}
	return m.IDN, nil
}

// RecallSetup implements :RECall:SETup
func (m *Mock) RecallSetup() error {
	return m.do(fmt.Sprintf(":RECall:SETup %d", m.Setup))
}

// PeakThreshold implements :FUNCtionN:FFT:PEAK:LEVel?
func (m *Mock) PeakThreshold() (string, error) {
	if err := m.do(fmt.Sprintf(":FUNCtion%d:FFT:PEAK:LEVel?", m.Function)); err != nil {
		return "", err
	}
	return m.Threshold, nil
}

// PeakMagnitude implements :FUNCtionN:FFT:PEAK:MAGNitude?
func (m *Mock) PeakMagnitude(timeout time.Duration) (string, error) {
	if err := m.do(fmt.Sprintf(":FUNCtion%d:FFT:PEAK:MAGNitude?", m.Function)); err != nil {
		return "", err
	}
	if m.Latency > 0 {
		if timeout > 0 && m.Latency > timeout {
			time.Sleep(timeout)
			return "", comm.ErrReadTimeout
		}
		time.Sleep(m.Latency)
	}
	m.Lock()
	n := m.queries
	m.queries++
	m.Unlock()
	if m.Reading == nil {
		return "9.99999E+37", nil
	}
	return m.Reading(n), nil
}

// Errors returns and clears Queue
func (m *Mock) Errors() []error {
	m.Lock()
	defer m.Unlock()
	m.commands = append(m.commands, "SYSTem:ERRor?")
	q := m.Queue
	m.Queue = nil
	return q
}

// Close counts calls and never fails
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closes++
	return nil
}

// Commands returns a copy of every command received
func (m *Mock) Commands() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.commands...)
}

// Closes returns how many times Close was called
func (m *Mock) Closes() int {
	m.Lock()
	defer m.Unlock()
	return m.closes
}
