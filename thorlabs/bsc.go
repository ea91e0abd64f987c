/*Package thorlabs drives Thorlabs benchtop stepper motor controllers (BSC20x)
over their APT binary protocol on the USB virtual serial port.

A Controller owns the port.  One goroutine reads and decodes every frame the
controller sends; status frames refresh each Channel's cached position, and
move completion frames wake the goroutine blocked in MoveAbs or MoveRel.
StartPolling adds a second goroutine per channel which requests a status
update every interval, which is all Kinesis' "polling" does.
*/
package thorlabs

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/rflab/anglesweep/motion"
)

const (
	// HDR50CountsPerDegree is the microstep count per degree of an HDR50 rotation
	// stage on a BSC20x: 200 full steps, 2048 microsteps, 66:1 worm
	HDR50CountsPerDegree = 75093.33

	// MaxChannels is the largest bay count of a BSC benchtop controller
	MaxChannels = 3
)

var (
	// ErrMoveStopped is generated when the controller reports a move ended before its target
	ErrMoveStopped = errors.New("move stopped before reaching its target")

	// ErrPortClosed is generated when the controller's port is closed or failed
	ErrPortClosed = errors.New("controller port closed")
)

// Controller is a benchtop stepper controller attached on port
type Controller struct {
	// CountsPerUnit converts user units (degrees) to microsteps
	CountsPerUnit float64

	// Bays selects bay addressing (0x21, 0x22, ...) over single-channel
	// addressing (0x50, channel in the ident)
	Bays bool

	port io.ReadWriteCloser
	wmu  sync.Mutex

	mu       sync.Mutex
	info     *Info
	infoWait chan Info
	channels map[int]*Channel
	readErr  error
	shut     bool
	closing  bool

	readerDone chan struct{}
}

// NewController takes ownership of port and starts reading from it
func NewController(port io.ReadWriteCloser, countsPerUnit float64) *Controller {
	if countsPerUnit == 0 {
		countsPerUnit = HDR50CountsPerDegree
	}
	c := &Controller{
		CountsPerUnit: countsPerUnit,
		Bays:          true,
		port:          port,
		channels:      make(map[int]*Channel),
		readerDone:    make(chan struct{})}
	go c.readLoop()
	c.send(message{ID: msgHWNoFlashProgramming, Dest: addrGeneric, Source: addrHost})
	return c
}

func (c *Controller) send(m message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.port.Write(m.encode())
	return err
}

func (c *Controller) readLoop() {
	defer close(c.readerDone)
	r := pollReader{r: c.port, shut: c.isClosing}
	for {
		m, err := readMessage(r)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		c.dispatch(m)
	}
}

func (c *Controller) dispatch(m message) {
	switch m.ID {
	case msgHWGetInfo:
		info, err := decodeInfo(m.Data)
		if err != nil {
			log.Println("thorlabs:", err)
			return
		}
		c.mu.Lock()
		c.info = &info
		if c.infoWait != nil {
			c.infoWait <- info
			c.infoWait = nil
		}
		c.mu.Unlock()
	case msgMotGetStatusUpdate, msgMotMoveCompleted, msgMotMoveStopped:
		st, err := decodeStatus(m.Data)
		if err != nil {
			log.Println("thorlabs:", err)
			return
		}
		c.mu.Lock()
		ch := c.channels[c.channelNumber(m.Source, st.Ident)]
		c.mu.Unlock()
		if ch != nil {
			ch.update(m.ID, st)
		}
	case msgHWResponse, msgHWRichResponse:
		log.Printf("thorlabs: controller 0x%02X reported an error, message 0x%04X data % X", m.Source, m.ID, m.Data)
	}
}

func (c *Controller) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// closePort stops the reader at its next idle read and closes the port
func (c *Controller) closePort() error {
	c.mu.Lock()
	c.shut = true
	c.closing = true
	c.mu.Unlock()
	return c.port.Close()
}

// idleBackoff spaces out empty reads which return at once, such as those of
// a port whose peer has gone away
const idleBackoff = 10 * time.Millisecond

// pollReader turns the empty reads of a serial port with a ReadTimeout into
// waits, so a frame split across timeouts still decodes.  It gives up once
// shut reports true, which lets a Close waiting on the read proceed.
type pollReader struct {
	r    io.Reader
	shut func() bool
}

func (p pollReader) Read(b []byte) (int, error) {
	for {
		start := time.Now()
		n, err := p.r.Read(b)
		if n > 0 || !(err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress)) {
			return n, err
		}
		if p.shut() {
			return 0, ErrPortClosed
		}
		if time.Since(start) < time.Millisecond {
			time.Sleep(idleBackoff)
		}
	}
}

func (c *Controller) channelNumber(source byte, ident uint16) int {
	if c.Bays {
		return int(source) - addrBay1 + 1
	}
	return int(ident)
}

// Identify requests the hardware information of the controller
func (c *Controller) Identify(timeout time.Duration) (Info, error) {
	c.mu.Lock()
	if c.info != nil {
		info := *c.info
		c.mu.Unlock()
		return info, nil
	}
	wait := make(chan Info, 1)
	c.infoWait = wait
	c.mu.Unlock()
	if err := c.send(message{ID: msgHWReqInfo, Dest: addrGeneric, Source: addrHost}); err != nil {
		return Info{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info := <-wait:
		return info, nil
	case <-c.readerDone:
		return Info{}, c.portErr()
	case <-timer.C:
		return Info{}, fmt.Errorf("no response to HW_REQ_INFO within %s", timeout)
	}
}

func (c *Controller) portErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && !c.shut {
		return fmt.Errorf("%w: %v", ErrPortClosed, c.readErr)
	}
	return ErrPortClosed
}

// Serial returns the serial number, or "" if Identify never succeeded
func (c *Controller) Serial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return ""
	}
	return c.info.Serial
}

// Channel acquires channel n and requests its first status update
func (c *Controller) Channel(n int) (motion.Channel, error) {
	if n < 1 || n > MaxChannels {
		return nil, fmt.Errorf("%w: %d", motion.ErrUnavailable, n)
	}
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return nil, motion.ErrShutdown
	}
	ch, ok := c.channels[n]
	if !ok {
		ch = &Channel{ctl: c, n: n, settled: make(chan struct{})}
		if c.Bays {
			ch.dest = byte(addrBay1 + n - 1)
			ch.ident = 1
		} else {
			ch.dest = addrGeneric
			ch.ident = uint16(n)
		}
		c.channels[n] = ch
	}
	c.mu.Unlock()
	if err := ch.requestStatus(); err != nil {
		return nil, fmt.Errorf("%w: %v", motion.ErrUnavailable, err)
	}
	return ch, nil
}

// Shutdown stops polling, disables every acquired channel and closes the port.
// Calls after the first do nothing.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return nil
	}
	c.shut = true
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	for _, ch := range chans {
		ch.StopPolling()
		ch.mu.Lock()
		on := ch.enabled
		ch.enabled = false
		ch.mu.Unlock()
		if on {
			if err := ch.setEnable(false); err != nil {
				log.Printf("thorlabs: disabling channel %d: %v", ch.n, err)
			}
		}
	}
	c.send(message{ID: msgHWStopUpdateMsgs, Dest: addrGeneric, Source: addrHost})
	return c.closePort()
}

// close releases the port without touching the channels, for ports being identified
func (c *Controller) close() error {
	return c.closePort()
}

// Channel is one bay of a Controller
type Channel struct {
	ctl   *Controller
	n     int
	dest  byte
	ident uint16

	mu       sync.Mutex
	st       status
	seen     bool
	settled  chan struct{}
	enabled  bool
	polling  bool
	polls    int
	stop     chan struct{}
	done     chan struct{}
	moveDone chan uint16
}

func (ch *Channel) update(id uint16, st status) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.st = st
	if !ch.seen {
		ch.seen = true
		close(ch.settled)
	}
	if ch.polling && id == msgMotGetStatusUpdate {
		ch.polls++
	}
	if id != msgMotGetStatusUpdate && ch.moveDone != nil {
		select {
		case ch.moveDone <- id:
		default:
		}
	}
}

func (ch *Channel) requestStatus() error {
	return ch.ctl.send(message{ID: msgMotReqStatusUpdate, Param1: byte(ch.ident), Dest: ch.dest, Source: addrHost})
}

// SettingsInitialized is true once the controller has reported the channel's status
func (ch *Channel) SettingsInitialized() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seen
}

// WaitSettingsInitialized blocks until the first status report or the timeout
func (ch *Channel) WaitSettingsInitialized(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch.settled:
		return nil
	case <-timer.C:
		return motion.ErrInitializationTimeout
	case <-ch.ctl.readerDone:
		return ch.ctl.portErr()
	}
}

// StartPolling requests a status update every interval
func (ch *Channel) StartPolling(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("polling interval must be positive, got %s", interval)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.polling {
		return nil
	}
	ch.polling = true
	ch.polls = 0
	ch.stop = make(chan struct{})
	ch.done = make(chan struct{})
	go ch.poll(interval, ch.stop, ch.done)
	return nil
}

func (ch *Channel) poll(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := ch.requestStatus(); err != nil {
			log.Printf("thorlabs: polling channel %d: %v", ch.n, err)
			return
		}
		ch.ctl.send(message{ID: msgMotAckStatusUpdate, Dest: ch.dest, Source: addrHost})
		select {
		case <-stop:
			return
		case <-ch.ctl.readerDone:
			return
		case <-ticker.C:
		}
	}
}

// PollingReady is true once a status update has arrived since StartPolling
func (ch *Channel) PollingReady() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.polling && ch.polls > 0
}

// StopPolling ends the status requests
func (ch *Channel) StopPolling() error {
	ch.mu.Lock()
	if ch.stop == nil {
		ch.mu.Unlock()
		return nil
	}
	stop, done := ch.stop, ch.done
	ch.stop, ch.done = nil, nil
	ch.polling = false
	close(stop)
	ch.mu.Unlock()
	<-done
	return nil
}

func (ch *Channel) setEnable(on bool) error {
	state := byte(enableOff)
	if on {
		state = enableOn
	}
	return ch.ctl.send(message{ID: msgModSetChanEnable, Param1: byte(ch.ident), Param2: state, Dest: ch.dest, Source: addrHost})
}

// Enable energizes the channel.  The channel must be polling.
func (ch *Channel) Enable() error {
	ch.mu.Lock()
	polling := ch.polling
	ch.mu.Unlock()
	if !polling {
		return motion.ErrNotPolling
	}
	if err := ch.setEnable(true); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.enabled = true
	ch.mu.Unlock()
	return nil
}

// SetBacklash sets the backlash distance, in user units
func (ch *Channel) SetBacklash(distance float64) error {
	counts := int32(math.Round(distance * ch.ctl.CountsPerUnit))
	return ch.ctl.send(message{ID: msgMotSetGenMoveParams, Dest: ch.dest, Source: addrHost, Data: chanInt32(ch.ident, counts)})
}

// MoveAbs moves to pos and waits for the controller to report completion
func (ch *Channel) MoveAbs(pos float64, timeout time.Duration) error {
	counts := int32(math.Round(pos * ch.ctl.CountsPerUnit))
	return ch.move(msgMotMoveAbsolute, counts, pos, timeout)
}

// MoveRel moves delta in dir and waits for the controller to report completion
func (ch *Channel) MoveRel(dir motion.Direction, delta float64, timeout time.Duration) error {
	counts := int32(math.Round(dir.Sign() * delta * ch.ctl.CountsPerUnit))
	from, err := ch.Position()
	if err != nil {
		return err
	}
	return ch.move(msgMotMoveRelative, counts, from+dir.Sign()*delta, timeout)
}

func (ch *Channel) move(id uint16, counts int32, target float64, timeout time.Duration) error {
	ch.mu.Lock()
	if !ch.enabled {
		ch.mu.Unlock()
		return motion.ErrNotEnabled
	}
	done := make(chan uint16, 1)
	ch.moveDone = done
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		ch.moveDone = nil
		ch.mu.Unlock()
	}()

	if err := ch.ctl.send(message{ID: id, Dest: ch.dest, Source: addrHost, Data: chanInt32(ch.ident, counts)}); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case got := <-done:
		if got == msgMotMoveStopped {
			pos, _ := ch.Position()
			return fmt.Errorf("%w: target %.4f, position %.4f", ErrMoveStopped, target, pos)
		}
		return nil
	case <-ch.ctl.readerDone:
		return ch.ctl.portErr()
	case <-timer.C:
		pos, _ := ch.Position()
		return motion.MoveTimeoutError{Target: target, Position: pos, Timeout: timeout}
	}
}

// Position returns the position from the most recent status report
func (ch *Channel) Position() (float64, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.seen {
		return 0, fmt.Errorf("channel %d has not reported a status", ch.n)
	}
	return float64(ch.st.Position) / ch.ctl.CountsPerUnit, nil
}
