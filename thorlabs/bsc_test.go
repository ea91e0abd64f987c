package thorlabs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rflab/anglesweep/motion"
)

// fakeBSC answers the subset of APT a sweep uses
type fakeBSC struct {
	mu      sync.Mutex
	serial  uint32
	pos     int32
	stall   bool
	ids     []uint16
	enables []byte
	conn    net.Conn
}

func newFake(serial uint32) (*fakeBSC, net.Conn) {
	host, dev := net.Pipe()
	f := &fakeBSC{serial: serial, conn: dev}
	go f.run()
	return f, host
}

func (f *fakeBSC) write(m message) {
	f.conn.Write(m.encode())
}

func (f *fakeBSC) statusFrom(id uint16, src byte) message {
	st := status{Ident: 1, Position: f.pos, Encoder: f.pos, Bits: 0x80000400}
	return message{ID: id, Dest: addrHost, Source: src, Data: st.encode()}
}

func (f *fakeBSC) run() {
	defer f.conn.Close()
	for {
		m, err := readMessage(f.conn)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.ids = append(f.ids, m.ID)
		stall := f.stall
		f.mu.Unlock()
		switch m.ID {
		case msgHWReqInfo:
			data := make([]byte, 84)
			binary.LittleEndian.PutUint32(data[0:4], f.serial)
			copy(data[4:12], "BSC201")
			copy(data[14:18], []byte{5, 0, 3, 0})
			f.write(message{ID: msgHWGetInfo, Dest: addrHost, Source: addrGeneric, Data: data})
		case msgMotReqStatusUpdate:
			f.write(f.statusFrom(msgMotGetStatusUpdate, m.Dest))
		case msgMotMoveAbsolute, msgMotMoveRelative:
			v := int32(binary.LittleEndian.Uint32(m.Data[2:6]))
			if m.ID == msgMotMoveAbsolute {
				f.pos = v
			} else {
				f.pos += v
			}
			if !stall {
				f.write(f.statusFrom(msgMotMoveCompleted, m.Dest))
			}
		case msgModSetChanEnable:
			f.mu.Lock()
			f.enables = append(f.enables, m.Param2)
			f.mu.Unlock()
		}
	}
}

func (f *fakeBSC) Enables() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.enables...)
}

func TestEncodeShortMessage(t *testing.T) {
	m := message{ID: msgModSetChanEnable, Param1: 1, Param2: enableOn, Dest: addrBay1, Source: addrHost}
	want := []byte{0x10, 0x02, 0x01, 0x01, 0x21, 0x01}
	if !bytes.Equal(m.encode(), want) {
		t.Errorf("got % X, want % X", m.encode(), want)
	}
}

func TestLongMessageDecodes(t *testing.T) {
	m := message{ID: msgMotMoveAbsolute, Dest: addrBay1, Source: addrHost, Data: chanInt32(1, -23654399)}
	buf := m.encode()
	if buf[4] != addrBay1|longFlag || buf[2] != 6 {
		t.Errorf("bad long header % X", buf[:headerLen])
	}
	got, err := readMessage(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMessageTruncated(t *testing.T) {
	m := message{ID: msgMotMoveAbsolute, Dest: addrBay1, Source: addrHost, Data: chanInt32(1, 5)}
	buf := m.encode()
	_, err := readMessage(bytes.NewReader(buf[:8]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}
}

func nearly(a, b float64) bool {
	return math.Abs(a-b) <= 1/HDR50CountsPerDegree
}

func TestControllerSweepSequence(t *testing.T) {
	f, port := newFake(40123456)
	c := NewController(port, HDR50CountsPerDegree)
	info, err := c.Identify(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if info.Serial != "40123456" || info.Model != "BSC201" {
		t.Errorf("bad info %+v", info)
	}
	ch, err := c.Channel(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.WaitSettingsInitialized(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := ch.Enable(); !errors.Is(err, motion.ErrNotPolling) {
		t.Errorf("enable before polling: expected ErrNotPolling, got %v", err)
	}
	if err := ch.StartPolling(5 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for !ch.(motion.Readier).PollingReady() {
		if time.Now().After(deadline) {
			t.Fatal("polling never produced a status")
		}
		time.Sleep(time.Millisecond)
	}
	if err := ch.Enable(); err != nil {
		t.Fatal(err)
	}
	if err := ch.SetBacklash(0); err != nil {
		t.Fatal(err)
	}
	if err := ch.MoveAbs(315, time.Second); err != nil {
		t.Fatal(err)
	}
	pos, _ := ch.Position()
	if !nearly(pos, 315) {
		t.Errorf("expected 315, got %f", pos)
	}
	if err := ch.MoveRel(motion.Backward, 0.5, time.Second); err != nil {
		t.Fatal(err)
	}
	pos, _ = ch.Position()
	if !nearly(pos, 314.5) {
		t.Errorf("expected 314.5, got %f", pos)
	}
	if err := c.Shutdown(); err != nil {
		t.Error(err)
	}
	if err := c.Shutdown(); err != nil {
		t.Errorf("second shutdown errored: %v", err)
	}
	en := f.Enables()
	if len(en) != 2 || en[0] != enableOn || en[1] != enableOff {
		t.Errorf("expected enable then disable, got %v", en)
	}
}

func TestControllerMoveTimeout(t *testing.T) {
	f, port := newFake(40123456)
	f.mu.Lock()
	f.stall = true
	f.mu.Unlock()
	c := NewController(port, HDR50CountsPerDegree)
	defer c.Shutdown()
	ch, err := c.Channel(1)
	if err != nil {
		t.Fatal(err)
	}
	ch.StartPolling(5 * time.Millisecond)
	if err := ch.Enable(); err != nil {
		t.Fatal(err)
	}
	err = ch.MoveAbs(90, 20*time.Millisecond)
	var mte motion.MoveTimeoutError
	if !errors.As(err, &mte) {
		t.Fatalf("expected MoveTimeoutError, got %v", err)
	}
	if mte.Target != 90 {
		t.Errorf("expected target 90, got %f", mte.Target)
	}
}

func TestChannelOutOfRange(t *testing.T) {
	_, port := newFake(1)
	c := NewController(port, 0)
	defer c.Shutdown()
	if _, err := c.Channel(MaxChannels + 1); !errors.Is(err, motion.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestManagerOpensBySerial(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ttyUSB0", "ttyUSB1"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	serials := map[string]uint32{"ttyUSB0": 40000001, "ttyUSB1": 40000002}
	m := &Manager{
		Patterns:        []string{filepath.Join(dir, "ttyUSB*")},
		IdentifyTimeout: time.Second,
		Opener: func(name string) (io.ReadWriteCloser, error) {
			_, port := newFake(serials[filepath.Base(name)])
			return port, nil
		}}
	found, err := m.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"40000001", "40000002"}, found); diff != "" {
		t.Errorf("discover mismatch (-want +got):\n%s", diff)
	}
	dev, err := m.Open("40000002")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Serial() != "40000002" {
		t.Errorf("opened the wrong controller %s", dev.Serial())
	}
	dev.Shutdown()
	if _, err := m.Open("123"); !errors.Is(err, motion.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

// ttyPort behaves like a tarm/serial port: a read returns (0, io.EOF) after
// timeout with no data, or blocks until data if timeout is zero, and Close
// waits for any read in progress, as closing the fd does.
type ttyPort struct {
	conn    net.Conn
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newTTYFake(serial uint32, timeout time.Duration) (*fakeBSC, *ttyPort) {
	f, conn := newFake(serial)
	return f, &ttyPort{conn: conn, timeout: timeout}
}

func (p *ttyPort) Read(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	if p.timeout > 0 {
		p.conn.SetReadDeadline(time.Now().Add(p.timeout))
	}
	n, err := p.conn.Read(b)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, io.EOF
	}
	return n, err
}

func (p *ttyPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *ttyPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.conn.Close()
}

func (p *ttyPort) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not return within %s", what, d)
	}
}

func TestShutdownWithTimedSerialReads(t *testing.T) {
	f, port := newTTYFake(40123456, 20*time.Millisecond)
	c := NewController(port, HDR50CountsPerDegree)
	if _, err := c.Identify(time.Second); err != nil {
		t.Fatal(err)
	}
	ch, err := c.Channel(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.WaitSettingsInitialized(time.Second); err != nil {
		t.Fatal(err)
	}
	ch.StartPolling(5 * time.Millisecond)
	if err := ch.Enable(); err != nil {
		t.Fatal(err)
	}
	// idle reads between frames must not end the reader
	time.Sleep(60 * time.Millisecond)
	if err := ch.MoveAbs(10, time.Second); err != nil {
		t.Fatal(err)
	}
	within(t, 2*time.Second, "Shutdown", func() {
		if err := c.Shutdown(); err != nil {
			t.Error(err)
		}
	})
	if !port.isClosed() {
		t.Error("port left open")
	}
	if en := f.Enables(); len(en) != 2 || en[1] != enableOff {
		t.Errorf("expected enable then disable, got %v", en)
	}
}

func TestPollReaderJoinsSplitFrame(t *testing.T) {
	m := message{ID: msgMotMoveAbsolute, Dest: addrBay1, Source: addrHost, Data: chanInt32(1, 37547)}
	buf := m.encode()
	chunks := [][]byte{buf[:4], nil, nil, buf[4:9], nil, buf[9:]}
	r := pollReader{r: &chunkReader{chunks: chunks}, shut: func() bool { return false }}
	got, err := readMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestPollReaderStopsWhenShut(t *testing.T) {
	r := pollReader{r: &chunkReader{}, shut: func() bool { return true }}
	if _, err := r.Read(make([]byte, 6)); !errors.Is(err, ErrPortClosed) {
		t.Errorf("expected ErrPortClosed, got %v", err)
	}
}

// chunkReader returns one chunk per Read, an empty chunk as a timed out read
type chunkReader struct {
	chunks [][]byte
}

func (c *chunkReader) Read(b []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	next := c.chunks[0]
	c.chunks = c.chunks[1:]
	if len(next) == 0 {
		return 0, io.EOF
	}
	return copy(b, next), nil
}

func TestSerialConfigTimesOutReads(t *testing.T) {
	cfg := makeSerConf("/dev/ttyUSB0")
	if cfg.ReadTimeout <= 0 {
		t.Error("APT ports need a read timeout so Close does not wait on a blocked read")
	}
	if cfg.Baud != APTBaud {
		t.Errorf("baud %d, expected %d", cfg.Baud, APTBaud)
	}
}

func TestManagerReusesDiscoveredPort(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ttyUSB0", "ttyUSB1"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	serials := map[string]uint32{"ttyUSB0": 40000001, "ttyUSB1": 40000002}
	var mu sync.Mutex
	opens := map[string]int{}
	ports := map[string]*ttyPort{}
	m := &Manager{
		Patterns:        []string{filepath.Join(dir, "ttyUSB*")},
		IdentifyTimeout: time.Second,
		Opener: func(name string) (io.ReadWriteCloser, error) {
			base := filepath.Base(name)
			_, port := newTTYFake(serials[base], 20*time.Millisecond)
			mu.Lock()
			opens[base]++
			ports[base] = port
			mu.Unlock()
			return port, nil
		}}
	var dev motion.Device
	within(t, 3*time.Second, "Discover and Open", func() {
		if _, err := m.Discover(); err != nil {
			t.Error(err)
			return
		}
		var err error
		dev, err = m.Open("40000002")
		if err != nil {
			t.Error(err)
		}
	})
	if dev == nil {
		t.FailNow()
	}
	mu.Lock()
	if opens["ttyUSB0"] != 1 || opens["ttyUSB1"] != 1 {
		t.Errorf("each port should be opened once, got %v", opens)
	}
	other, chosen := ports["ttyUSB0"], ports["ttyUSB1"]
	mu.Unlock()
	if !other.isClosed() {
		t.Error("the controller not asked for should be released")
	}
	if chosen.isClosed() {
		t.Error("the opened controller's port was closed")
	}
	within(t, 2*time.Second, "Shutdown", func() { dev.Shutdown() })
}
