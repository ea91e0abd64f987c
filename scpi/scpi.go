// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rflab/anglesweep/comm"
	"github.com/rflab/anglesweep/usbtmc"
	"github.com/tarm/serial"
)

const (
	// DefaultTimeout is the read timeout used by Query
	DefaultTimeout = 5 * time.Second

	// DefaultBaud is the baud rate for ASRL resources
	DefaultBaud = 9600

	// serialReadTimeout is how long one read of an ASRL port waits for data
	// before coming back empty
	serialReadTimeout = 100 * time.Millisecond

	// maxErrors bounds AllErrors so a wedged instrument cannot hang the caller
	maxErrors = 64
)

// ErrEmptyResponse is generated when the instrument answers a query with an empty line
var ErrEmptyResponse = errors.New("empty response from instrument")

// ParseError is generated when a response cannot be parsed as the requested type
type ParseError struct {
	Cmd string
	Raw string
	Err error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parsing response %q to %s: %v", e.Raw, e.Cmd, e.Err)
}

// Unwrap returns the underlying error
func (e ParseError) Unwrap() error {
	return e.Err
}

// Session is a synchronous command/response channel to one instrument.
// Only one command is outstanding at a time.
type Session struct {
	rd *comm.RemoteDevice

	// Timeout is used by Query, ReadFloat, and PopError
	Timeout time.Duration
}

// NewSession wraps an existing remote device.  The device must have
// newline terminators.
func NewSession(rd *comm.RemoteDevice) *Session {
	return &Session{rd: rd, Timeout: rd.Timeout}
}

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        DefaultBaud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: serialReadTimeout,
	}
}

// Open parses resource, dials the instrument and returns a session.  Commands
// are sent no closer together than spacing, zero for no limit.
// Any failure is returned as a comm.ConnectionError.
func Open(resource string, timeout, spacing time.Duration) (*Session, error) {
	res, err := comm.ParseResource(resource)
	if err != nil {
		return nil, comm.ConnectionError{Addr: resource, Err: err}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// SCPI is line oriented on every transport, including USBTMC
	term := &comm.Terminators{Tx: '\n', Rx: '\n'}
	var rd *comm.RemoteDevice
	switch res.Kind {
	case comm.Serial:
		rd = comm.NewRemoteDevice(res.Addr, true, term, makeSerConf(res.Addr))
	case comm.USB:
		rd = comm.NewRemoteDevice(res.Addr, false, term, nil)
		rd.Dial = func() (io.ReadWriteCloser, error) {
			return usbtmc.Open(res.VID, res.PID, res.SerialNumber)
		}
	default:
		rd = comm.NewRemoteDevice(res.Addr, false, term, nil)
	}
	rd.Timeout = timeout
	rd.SetMinInterval(spacing)
	if err := rd.Open(); err != nil {
		return nil, err
	}
	return NewSession(rd), nil
}

// Send writes a command that has no response
func (s *Session) Send(cmd string) error {
	s.rd.Lock()
	defer s.rd.Unlock()
	if err := s.rd.Send([]byte(cmd)); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// QueryLine sends a command and reads one line of response, waiting at most timeout.
// Trailing whitespace and carriage returns are removed.
func (s *Session) QueryLine(cmd string, timeout time.Duration) (string, error) {
	s.rd.Lock()
	defer s.rd.Unlock()
	if err := s.rd.Send([]byte(cmd)); err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	resp, err := s.rd.RecvTimeout(timeout)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return strings.TrimSpace(string(resp)), nil
}

// Query is QueryLine with the session's Timeout
func (s *Session) Query(cmd string) (string, error) {
	return s.QueryLine(cmd, s.Timeout)
}

// ReadFloat sends a query, then reads the
// response and parses it as a floating point value
func (s *Session) ReadFloat(cmd string) (float64, error) {
	resp, err := s.Query(cmd)
	if err != nil {
		return 0, err
	}
	if resp == "" {
		return 0, ParseError{Cmd: cmd, Raw: resp, Err: ErrEmptyResponse}
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, ParseError{Cmd: cmd, Raw: resp, Err: err}
	}
	return f, nil
}

// PopError gets a single error from the queue on the device.
// nil means the queue is empty.
func (s *Session) PopError() error {
	str, err := s.Query("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	e, err := ParseErrorResponse(str)
	if err != nil {
		return err
	}
	if e.Code == 0 {
		return nil
	}
	return e
}

// AllErrors drains the error queue on the device.  A communication
// failure is the last element of the returned slice.
func (s *Session) AllErrors() []error {
	var errs []error
	for i := 0; i < maxErrors; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		var e Error
		if !errors.As(err, &e) {
			break
		}
	}
	return errs
}

// Close the session.  Closing a closed session is not an error.
func (s *Session) Close() error {
	s.rd.Lock()
	defer s.rd.Unlock()
	return s.rd.Close()
}
