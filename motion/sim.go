package motion

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Sim is a Manager of simulated controllers which behave like Kinesis
// stepper controllers: settings load some time after open, enable requires
// polling, and moves require enable.
//
// Configure the exported fields before calling Open.
type Sim struct {
	sync.Mutex

	// Velocity is the slew rate in units per second, zero moves instantly
	Velocity float64

	// Resolution quantizes positions, zero is continuous
	Resolution float64

	// SettingsDelay is how long after Open the settings take to initialize
	SettingsDelay time.Duration

	// Wrap reports positions modulo 360, as a rotation stage does
	Wrap bool

	// Channels is the number of channels on each controller
	Channels int

	// Stall, if not nil, is asked before each move.  true means the move never completes.
	Stall func(target float64) bool

	// Home is the position each channel starts at
	Home float64

	serials []string
	devices map[string]*SimDevice
}

// NewSim returns a simulator with controllers of the given serial numbers
func NewSim(serials ...string) *Sim {
	return &Sim{Channels: 1, serials: serials, devices: make(map[string]*SimDevice)}
}

// Discover lists the simulated serial numbers
func (s *Sim) Discover() ([]string, error) {
	out := append([]string(nil), s.serials...)
	sort.Strings(out)
	return out, nil
}

// Open returns the simulated device with the given serial
func (s *Sim) Open(serial string) (Device, error) {
	s.Lock()
	defer s.Unlock()
	found := false
	for _, sn := range s.serials {
		if sn == serial {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	d := &SimDevice{
		serial:   serial,
		cfg:      s.snapshot(),
		opened:   time.Now(),
		channels: make(map[int]*SimChannel)}
	s.devices[serial] = d
	return d, nil
}

// simOptions are the Sim fields a device keeps from the time it was opened
type simOptions struct {
	Velocity      float64
	Resolution    float64
	SettingsDelay time.Duration
	Wrap          bool
	Channels      int
	Stall         func(float64) bool
	Home          float64
}

func (s *Sim) snapshot() simOptions {
	return simOptions{
		Velocity:      s.Velocity,
		Resolution:    s.Resolution,
		SettingsDelay: s.SettingsDelay,
		Wrap:          s.Wrap,
		Channels:      s.Channels,
		Stall:         s.Stall,
		Home:          s.Home}
}

// Device returns the most recently opened device with the given serial, or nil
func (s *Sim) Device(serial string) *SimDevice {
	s.Lock()
	defer s.Unlock()
	return s.devices[serial]
}

// SimDevice is an open simulated controller
type SimDevice struct {
	mu sync.Mutex

	serial    string
	cfg       simOptions
	opened    time.Time
	shut      bool
	shutdowns int
	calls     []string
	channels  map[int]*SimChannel
}

// Serial returns the serial number
func (d *SimDevice) Serial() string {
	return d.serial
}

// Channel acquires a channel
func (d *SimDevice) Channel(n int) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shut {
		return nil, ErrShutdown
	}
	if n < 1 || n > d.cfg.Channels {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnavailable, n, d.cfg.Channels)
	}
	c, ok := d.channels[n]
	if !ok {
		c = &SimChannel{dev: d, n: n, pos: d.cfg.Home, reported: d.cfg.Home}
		d.channels[n] = c
	}
	return c, nil
}

// Shutdown stops polling on every channel.  Every call is counted.
func (d *SimDevice) Shutdown() error {
	d.mu.Lock()
	d.shutdowns++
	d.calls = append(d.calls, "Shutdown")
	if d.shut {
		d.mu.Unlock()
		return nil
	}
	d.shut = true
	var stops []*SimChannel
	for _, c := range d.channels {
		if c.polling {
			stops = append(stops, c)
		}
		c.enabled = false
	}
	d.mu.Unlock()
	for _, c := range stops {
		c.stopPolling(false)
	}
	return nil
}

// Shutdowns returns how many times Shutdown was called
func (d *SimDevice) Shutdowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdowns
}

// Calls returns the operations performed on the device, in order
func (d *SimDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// SimState is a snapshot of a simulated channel
type SimState struct {
	Position float64
	Enabled  bool
	Polling  bool
	Polls    int
	Backlash float64
}

// Peek returns the true state of channel n
func (d *SimDevice) Peek(n int) SimState {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[n]
	if !ok {
		return SimState{}
	}
	return SimState{Position: c.pos, Enabled: c.enabled, Polling: c.polling, Polls: c.polls, Backlash: c.backlash}
}

func (d *SimDevice) record(format string, args ...interface{}) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

// SimChannel is one axis of a SimDevice
type SimChannel struct {
	dev *SimDevice
	n   int

	pos      float64
	reported float64
	polling  bool
	polls    int
	enabled  bool
	backlash float64
	stop     chan struct{}
	done     chan struct{}
}

// SettingsInitialized is true once SettingsDelay has passed since Open
func (c *SimChannel) SettingsInitialized() bool {
	return time.Since(c.dev.opened) >= c.dev.cfg.SettingsDelay
}

// WaitSettingsInitialized blocks until the settings are initialized
func (c *SimChannel) WaitSettingsInitialized(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !c.SettingsInitialized() {
		if time.Now().After(deadline) {
			return ErrInitializationTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// StartPolling begins a background refresh of the reported position
func (c *SimChannel) StartPolling(interval time.Duration) error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StartPolling %s", interval)
	if d.shut {
		return ErrShutdown
	}
	if c.polling {
		return nil
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	c.polling = true
	c.polls = 0
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.poll(interval, c.stop, c.done)
	return nil
}

func (c *SimChannel) poll(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.dev.mu.Lock()
			c.reported = c.pos
			c.polls++
			c.dev.mu.Unlock()
		}
	}
}

// PollingReady is true once polling has refreshed the status at least once
func (c *SimChannel) PollingReady() bool {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	return c.polling && c.polls > 0
}

// StopPolling ends the background refresh
func (c *SimChannel) StopPolling() error {
	c.stopPolling(true)
	return nil
}

func (c *SimChannel) stopPolling(record bool) {
	d := c.dev
	d.mu.Lock()
	if record {
		d.record("StopPolling")
	}
	if c.stop == nil {
		d.mu.Unlock()
		return
	}
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.polling = false
	close(stop)
	d.mu.Unlock()
	<-done
}

// Enable energizes the channel.  The channel must be polling.
func (c *SimChannel) Enable() error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Enable")
	if d.shut {
		return ErrShutdown
	}
	if !c.polling {
		return ErrNotPolling
	}
	c.enabled = true
	return nil
}

// SetBacklash sets the backlash distance
func (c *SimChannel) SetBacklash(distance float64) error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SetBacklash %g", distance)
	if d.shut {
		return ErrShutdown
	}
	c.backlash = distance
	return nil
}

// MoveAbs moves to pos
func (c *SimChannel) MoveAbs(pos float64, timeout time.Duration) error {
	c.dev.mu.Lock()
	c.dev.record("MoveAbs %g", pos)
	c.dev.mu.Unlock()
	return c.move(func(float64) float64 { return pos }, timeout)
}

// MoveRel moves delta in the given direction
func (c *SimChannel) MoveRel(dir Direction, delta float64, timeout time.Duration) error {
	c.dev.mu.Lock()
	c.dev.record("MoveRel %s %g", dir, delta)
	c.dev.mu.Unlock()
	return c.move(func(from float64) float64 { return from + dir.Sign()*delta }, timeout)
}

func (c *SimChannel) move(target func(float64) float64, timeout time.Duration) error {
	d := c.dev
	d.mu.Lock()
	if d.shut {
		d.mu.Unlock()
		return ErrShutdown
	}
	if !c.enabled {
		d.mu.Unlock()
		return ErrNotEnabled
	}
	from := c.pos
	to := target(from)
	stall := d.cfg.Stall != nil && d.cfg.Stall(to)
	vel := d.cfg.Velocity
	d.mu.Unlock()

	if stall {
		time.Sleep(timeout)
		return MoveTimeoutError{Target: to, Position: c.view(from), Timeout: timeout}
	}
	var travel time.Duration
	if vel > 0 {
		travel = time.Duration(math.Abs(to-from) / vel * float64(time.Second))
	}
	if timeout > 0 && travel > timeout {
		time.Sleep(timeout)
		frac := float64(timeout) / float64(travel)
		d.mu.Lock()
		c.pos = from + (to-from)*frac
		c.reported = c.pos
		p := c.pos
		d.mu.Unlock()
		return MoveTimeoutError{Target: to, Position: c.view(p), Timeout: timeout}
	}
	if travel > 0 {
		time.Sleep(travel)
	}
	d.mu.Lock()
	c.pos = c.quantize(to)
	c.reported = c.pos
	d.mu.Unlock()
	return nil
}

func (c *SimChannel) quantize(x float64) float64 {
	res := c.dev.cfg.Resolution
	if res <= 0 {
		return x
	}
	return math.Round(x/res) * res
}

func (c *SimChannel) view(x float64) float64 {
	if !c.dev.cfg.Wrap {
		return x
	}
	x = math.Mod(x, 360)
	if x < 0 {
		x += 360
	}
	return x
}

// Position returns the last reported position
func (c *SimChannel) Position() (float64, error) {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shut {
		return 0, ErrShutdown
	}
	return c.view(c.reported), nil
}
