// Package record contains sinks for sweep samples
package record

import (
	"encoding/csv"
	"errors"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rflab/anglesweep/sweep"
)

// Log writes one log line per sample
type Log struct {
	// Unit is appended to the value, e.g. dBm
	Unit string
}

// Record logs s
func (l Log) Record(s sweep.Sample) error {
	if !s.Valid {
		log.Printf("sample %d at %.3f (%+.3f from home): invalid, %s (%q)", s.Index, s.Absolute, s.Angle, s.Reason, s.Raw)
		return nil
	}
	log.Printf("sample %d at %.3f (%+.3f from home): %g %s", s.Index, s.Absolute, s.Angle, s.Value, l.Unit)
	return nil
}

// CSVHeader is the first row written by CSV
var CSVHeader = []string{"index", "angle", "absolute", "position", "value", "valid", "raw", "reason", "time"}

// CSV writes samples as comma separated rows, flushing after each so a
// crashed run keeps what it measured
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	c      io.Closer
	header bool
}

// NewCSV writes to w.  If w is an io.Closer it is closed by Close.
func NewCSV(w io.Writer) *CSV {
	c, _ := w.(io.Closer)
	return &CSV{w: csv.NewWriter(w), c: c}
}

// CreateCSV creates the file at path
func CreateCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewCSV(f), nil
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Record writes s as a row
func (c *CSV) Record(s sweep.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.header {
		if err := c.w.Write(CSVHeader); err != nil {
			return err
		}
		c.header = true
	}
	row := []string{
		strconv.Itoa(s.Index),
		fmtFloat(s.Angle),
		fmtFloat(s.Absolute),
		fmtFloat(s.Position),
		strconv.FormatFloat(s.Value, 'g', -1, 64),
		strconv.FormatBool(s.Valid),
		s.Raw,
		s.Reason,
		s.Time.Format(time.RFC3339Nano),
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the underlying writer
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	err := c.w.Error()
	if c.c != nil {
		if err2 := c.c.Close(); err == nil {
			err = err2
		}
		c.c = nil
	}
	return err
}

// subBuffer is how many samples a slow subscriber may lag by before missing some
const subBuffer = 1024

// Memory keeps every sample and forwards new ones to subscribers
type Memory struct {
	mu      sync.Mutex
	samples []sweep.Sample
	subs    map[chan sweep.Sample]struct{}
	closed  bool
}

// NewMemory returns an empty Memory
func NewMemory() *Memory {
	return &Memory{subs: make(map[chan sweep.Sample]struct{})}
}

// Record stores s and forwards it
func (m *Memory) Record(s sweep.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			log.Printf("record: subscriber lagging, dropped sample %d", s.Index)
		}
	}
	return nil
}

// Samples returns a copy of every sample so far
func (m *Memory) Samples() []sweep.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sweep.Sample(nil), m.samples...)
}

// Subscribe returns the samples so far and a channel of the ones to come.
// The channel is closed by Close or by calling cancel.
func (m *Memory) Subscribe() (backlog []sweep.Sample, ch <-chan sweep.Sample, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make(chan sweep.Sample, subBuffer)
	backlog = append([]sweep.Sample(nil), m.samples...)
	if m.closed {
		close(c)
		return backlog, c, func() {}
	}
	m.subs[c] = struct{}{}
	cancel = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[c]; ok {
			delete(m.subs, c)
			close(c)
		}
	}
	return backlog, c, cancel
}

// Close ends every subscription.  Samples stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for c := range m.subs {
		close(c)
		delete(m.subs, c)
	}
	return nil
}

// Multi sends every sample to each recorder in turn
type Multi []sweep.Recorder

// Record calls every recorder and returns the first error
func (m Multi) Record(s sweep.Sample) error {
	var first error
	for _, r := range m {
		if err := r.Record(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every recorder which is an io.Closer
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
