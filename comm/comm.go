/*Package comm provides the transport underneath instrument sessions.

Most usages of this package will boil down to:
	1.  parse a resource string with ParseResource
	2.  make a RemoteDevice for it (NewRemoteDevice, or set Dial for transports
		that are neither TCP nor serial, such as USBTMC)
	3.  Open, then SendRecv one command at a time, then Close

Stream transports (TCP sockets and serial ports) have no message boundaries, so
they must be given Terminators; reads then scan for the Rx terminator.  A
RemoteDevice without Terminators treats every Read of the underlying connection
as one whole message.
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

const (
	// frameSize is the read size for message oriented transports
	frameSize = 1500
)

var (
	// ErrNoSerialConf is generated when IsSerial is true but no serial.Config was given
	ErrNoSerialConf = errors.New("remote device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrReadTimeout is generated when a response does not arrive in time
	ErrReadTimeout = errors.New("read timed out")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// ConnectionError is returned by Open when the remote could not be reached
type ConnectionError struct {
	Addr string
	Err  error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error
func (e ConnectionError) Unwrap() error {
	return e.Err
}

// deadliner is satisfied by net.Conn
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

/*RemoteDevice has an address and can Open, Send, Recv and Close.

RemoteDevice does not serialize access on its own; callers that share one
should hold its embedded mutex around a Send/Recv pair so that only one command
is ever outstanding.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is a host:port for TCP or a device path for serial
	Addr string

	// IsSerial selects a serial port over TCP
	IsSerial bool

	// Timeout bounds connect, write, and the default read
	Timeout time.Duration

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser

	// Dial, if not nil, replaces the TCP and serial connection logic
	Dial CreationFunc

	term    *Terminators
	serCfg  *serial.Config
	limiter *rate.Limiter
	reader  *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  term may be nil for
// message oriented transports, serCfg may be nil if serial is false.
func NewRemoteDevice(addr string, serial bool, term *Terminators, serCfg *serial.Config) *RemoteDevice {
	return &RemoteDevice{
		Addr:     addr,
		IsSerial: serial,
		Timeout:  3 * time.Second,
		term:     term,
		serCfg:   serCfg}
}

// SetMinInterval enforces a minimum spacing between transmissions.  Some
// instruments drop commands that arrive back to back.  Zero removes the limit.
func (rd *RemoteDevice) SetMinInterval(d time.Duration) {
	if d <= 0 {
		rd.limiter = nil
		return
	}
	rd.limiter = rate.NewLimiter(rate.Every(d), 1)
}

// Open the connection, setting the Conn variable.  Open on an open device is a no-op.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// we use an exponential backoff, instruments on terminal servers
	// do not like being connection thrashed.  A refusal means nothing is
	// listening, which retrying will not fix.
	var refused error
	op := func() error {
		err := rd.open()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				refused = err
				return nil
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if refused != nil {
		return ConnectionError{Addr: rd.Addr, Err: refused}
	}
	if err != nil {
		return ConnectionError{Addr: rd.Addr, Err: err}
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	switch {
	case rd.Dial != nil:
		conn, err = rd.Dial()
	case rd.IsSerial:
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	default:
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable.  Closing a closed device is not an error.
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// Send writes data to the remote, appending the Tx terminator if there is one
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	if rd.limiter != nil {
		if err := rd.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	if rd.term != nil {
		buf = append(buf, rd.term.Tx)
	}
	if c, ok := rd.Conn.(deadliner); ok && rd.Timeout > 0 {
		c.SetWriteDeadline(time.Now().Add(rd.Timeout))
	}
	_, err := rd.Conn.Write(buf)
	return err
}

// Recv receives one response using the device's Timeout
func (rd *RemoteDevice) Recv() ([]byte, error) {
	return rd.RecvTimeout(rd.Timeout)
}

// RecvTimeout receives one response and strips the Rx terminator.  A timeout
// of zero waits forever.
//
// Connections without read deadlines (serial ports, USB) must come back from
// Read empty, as (0, io.EOF), whenever they have nothing to give.  A serial
// port does so at each serial.Config ReadTimeout.  RecvTimeout keeps reading
// until a whole response arrives or timeout passes.
func (rd *RemoteDevice) RecvTimeout(timeout time.Duration) ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	r := rd.reader
	if c, ok := rd.Conn.(deadliner); ok {
		if timeout > 0 {
			c.SetReadDeadline(time.Now().Add(timeout))
		} else {
			c.SetReadDeadline(time.Time{})
		}
		buf, err := rd.readFrom(r)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrReadTimeout
		}
		return buf, err
	}
	return rd.readPolled(r, timeout)
}

// idlePoll spaces out empty reads which return at once
const idlePoll = 5 * time.Millisecond

func idle(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress)
}

// readPolled gathers one response over as many reads as it takes.  A partial
// response is dropped when the deadline passes.
func (rd *RemoteDevice) readPolled(r *bufio.Reader, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var (
		acc   []byte
		frame []byte
	)
	if rd.term == nil {
		frame = make([]byte, frameSize)
	}
	for {
		start := time.Now()
		if rd.term == nil {
			n, err := r.Read(frame)
			if n > 0 {
				return frame[:n], nil
			}
			if !idle(err) {
				return nil, err
			}
		} else {
			chunk, err := r.ReadBytes(rd.term.Rx)
			acc = append(acc, chunk...)
			if err == nil {
				return bytes.TrimSuffix(acc, []byte{rd.term.Rx}), nil
			}
			if !idle(err) {
				return acc, err
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrReadTimeout
		}
		if time.Since(start) < time.Millisecond {
			time.Sleep(idlePoll)
		}
	}
}

func (rd *RemoteDevice) readFrom(r *bufio.Reader) ([]byte, error) {
	if rd.term == nil {
		buf := make([]byte, frameSize)
		n, err := r.Read(buf)
		return buf[:n], err
	}
	term := rd.term.Rx
	buf, err := r.ReadBytes(term)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	return bytes.TrimSuffix(buf, []byte{term}), nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// TCPSetup opens a new TCP connection with a timeout on connect.  Read and
// write deadlines are set per operation by RemoteDevice.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
