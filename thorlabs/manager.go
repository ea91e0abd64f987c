package thorlabs

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rflab/anglesweep/motion"
	"github.com/tarm/serial"
)

const (
	// APTBaud is the fixed baud rate of the APT virtual serial port
	APTBaud = 115200

	defaultIdentifyTimeout = 2 * time.Second

	// portReadTimeout bounds each read of the port so the reader goroutine
	// notices shutdown; tarm's Close waits for a read in progress
	portReadTimeout = 100 * time.Millisecond
)

// DefaultPatterns are where APT controllers show up on Linux
var DefaultPatterns = []string{"/dev/serial/by-id/*Thorlabs*", "/dev/ttyUSB*"}

// PortOpener opens the named serial port
type PortOpener func(name string) (io.ReadWriteCloser, error)

// makeSerConf makes a serial.Config with the APT line settings
func makeSerConf(name string) *serial.Config {
	return &serial.Config{
		Name:        name,
		Baud:        APTBaud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: portReadTimeout}
}

// OpenSerial opens an APT port with tarm/serial, retrying briefly since the
// port is often still held by a just-closed process
func OpenSerial(name string) (io.ReadWriteCloser, error) {
	var port io.ReadWriteCloser
	op := func() error {
		p, err := serial.OpenPort(makeSerConf(name))
		if err != nil {
			return err
		}
		port = p
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, 4)); err != nil {
		return nil, err
	}
	return port, nil
}

// Manager discovers and opens controllers.  The zero value scans
// DefaultPatterns with OpenSerial.
//
// Controllers identified by Discover stay open until the next Discover or
// Open, which hands one out and closes the rest.
type Manager struct {
	Patterns        []string
	Opener          PortOpener
	CountsPerUnit   float64
	IdentifyTimeout time.Duration

	mu    sync.Mutex
	found map[string]*Controller
}

// release closes every controller kept by Discover except keep
func (m *Manager) release(keep *Controller) {
	for sn, c := range m.found {
		if c != keep {
			c.close()
		}
		delete(m.found, sn)
	}
}

func (m *Manager) ports() []string {
	pats := m.Patterns
	if len(pats) == 0 {
		pats = DefaultPatterns
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range pats {
		matches, err := filepath.Glob(p)
		if err != nil {
			continue
		}
		for _, name := range matches {
			target, err := filepath.EvalSymlinks(name)
			if err != nil {
				target = name
			}
			if seen[target] {
				continue
			}
			seen[target] = true
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) identify(name string) (*Controller, Info, error) {
	opener := m.Opener
	if opener == nil {
		opener = OpenSerial
	}
	timeout := m.IdentifyTimeout
	if timeout == 0 {
		timeout = defaultIdentifyTimeout
	}
	port, err := opener(name)
	if err != nil {
		return nil, Info{}, err
	}
	c := NewController(port, m.CountsPerUnit)
	info, err := c.Identify(timeout)
	if err != nil {
		c.close()
		return nil, Info{}, err
	}
	return c, info, nil
}

// Discover lists the serial numbers of every controller that answers on a port
func (m *Manager) Discover() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(nil)
	if m.found == nil {
		m.found = make(map[string]*Controller)
	}
	var serials []string
	for _, name := range m.ports() {
		c, info, err := m.identify(name)
		if err != nil {
			log.Printf("thorlabs: %s did not identify: %v", name, err)
			continue
		}
		if _, dup := m.found[info.Serial]; dup {
			log.Printf("thorlabs: %s repeats serial %s", name, info.Serial)
			c.close()
			continue
		}
		m.found[info.Serial] = c
		serials = append(serials, info.Serial)
	}
	sort.Strings(serials)
	return serials, nil
}

// Open returns the controller with the given serial number, reusing the
// port Discover identified it on
func (m *Manager) Open(sn string) (motion.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.found[sn]; ok {
		m.release(c)
		log.Printf("thorlabs: using discovered controller %s", sn)
		return c, nil
	}
	m.release(nil)
	for _, name := range m.ports() {
		c, info, err := m.identify(name)
		if err != nil {
			continue
		}
		if info.Serial == sn {
			log.Printf("thorlabs: %s is %s serial %s firmware %s", name, info.Model, info.Serial, info.Firmware)
			return c, nil
		}
		c.close()
	}
	return nil, fmt.Errorf("%w: %s", motion.ErrDeviceNotFound, sn)
}
