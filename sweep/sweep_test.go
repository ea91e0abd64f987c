package sweep_test

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rflab/anglesweep/comm"
	"github.com/rflab/anglesweep/keysight"
	"github.com/rflab/anglesweep/motion"
	"github.com/rflab/anglesweep/sweep"
)

const serial = "40123456"

// sliceRecorder keeps every sample and counts Close calls
type sliceRecorder struct {
	sync.Mutex
	samples []sweep.Sample
	closes  int
}

func (s *sliceRecorder) Record(smp sweep.Sample) error {
	s.Lock()
	defer s.Unlock()
	s.samples = append(s.samples, smp)
	return nil
}

func (s *sliceRecorder) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closes++
	return nil
}

// bench is a simulated stage and scope wired to a controller
type bench struct {
	sim    *motion.Sim
	scope  *keysight.Mock
	rec    *sliceRecorder
	ctl    *sweep.Controller
	slept  []time.Duration
	dialed int
}

func decreasing(n int) string {
	return fmt.Sprintf("%.2f", -10-0.1*float64(n))
}

func newBench(reading func(int) string) *bench {
	b := &bench{
		sim:   motion.NewSim(serial),
		scope: keysight.NewMock(reading),
		rec:   &sliceRecorder{},
	}
	b.sim.Resolution = 1 / 75093.33
	b.sim.Wrap = true
	b.ctl = &sweep.Controller{
		Dial: func(addr string) (sweep.Meter, error) {
			b.dialed++
			return b.scope, nil
		},
		Motion:   b.sim,
		Recorder: b.rec,
		Sleep:    func(d time.Duration) { b.slept = append(b.slept, d) },
		RunID:    "test-run",
	}
	return b
}

func testConfig() sweep.Config {
	cfg := sweep.DefaultConfig()
	cfg.DeviceSerial = serial
	cfg.InstrumentAddress = "TCPIP0::scope::5025::SOCKET"
	cfg.PollInterval = time.Millisecond
	cfg.MoveTimeout = time.Second
	cfg.HomeTimeout = time.Second
	return cfg
}

func (b *bench) device(t *testing.T) *motion.SimDevice {
	t.Helper()
	d := b.sim.Device(serial)
	if d == nil {
		t.Fatal("actuator was never opened")
	}
	return d
}

func TestEndToEndSweep(t *testing.T) {
	b := newBench(decreasing)
	cfg := testConfig()
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Completed {
		t.Fatalf("expected Completed, got %s", res)
	}
	if res.Samples != 180 || len(b.rec.samples) != 180 {
		t.Fatalf("expected 180 samples, got %d (%d recorded)", res.Samples, len(b.rec.samples))
	}
	first, last := b.rec.samples[0], b.rec.samples[179]
	if math.Abs(first.Angle) > cfg.Tolerance || math.Abs(first.Absolute-315) > cfg.Tolerance {
		t.Errorf("first sample not at home: %+v", first)
	}
	if math.Abs(last.Angle+89.5) > 2e-3 {
		t.Errorf("expected last sample at -89.5 from home, got %f", last.Angle)
	}
	if first.Value <= last.Value {
		t.Errorf("readings out of order: first %f last %f", first.Value, last.Value)
	}
	final := b.device(t).Peek(1).Position
	if math.Abs(final-225) > 2e-3 {
		t.Errorf("expected the stage to end at 225, got %f", final)
	}
	avg := 0
	for _, d := range b.slept {
		if d == cfg.AveragingDelay {
			avg++
		}
	}
	if avg != 180 {
		t.Errorf("expected 180 averaging waits, got %d", avg)
	}
	if b.device(t).Shutdowns() != 1 || b.scope.Closes() != 1 || b.rec.closes != 1 {
		t.Errorf("shutdown did not release everything once: %d %d %d",
			b.device(t).Shutdowns(), b.scope.Closes(), b.rec.closes)
	}
	if res.RunID != "test-run" {
		t.Errorf("run id not kept, got %s", res.RunID)
	}
}

func TestIterationCount(t *testing.T) {
	cases := []struct {
		home, end, step float64
		dir             motion.Direction
	}{
		{315, 225, 0.5, motion.Backward},
		{0, 1, 0.3, motion.Forward},
		{10, -20, 3, motion.Backward},
		{350, 370, 7, motion.Forward},
		{100, 100, 1, motion.Backward},
		{45, 44.9, 1, motion.Backward},
	}
	for _, c := range cases {
		name := fmt.Sprintf("%g->%g by %g", c.home, c.end, c.step)
		b := newBench(decreasing)
		cfg := testConfig()
		cfg.HomeAngle, cfg.EndAngle, cfg.StepSize, cfg.Direction = c.home, c.end, c.step, c.dir
		res := b.ctl.Run(cfg)
		if res.Status != sweep.Completed {
			t.Errorf("%s: expected Completed, got %s", name, res)
			continue
		}
		want := int(math.Ceil(math.Abs(c.home-c.end) / c.step))
		if res.Samples != want || cfg.Iterations() != want {
			t.Errorf("%s: expected %d iterations, ran %d, predicted %d", name, want, res.Samples, cfg.Iterations())
		}
		if want == 0 {
			continue
		}
		// the stage finishes on the far side of the end angle, or on it
		lastAngle := b.rec.samples[len(b.rec.samples)-1].Absolute + c.dir.Sign()*c.step
		past := (lastAngle - c.end) * c.dir.Sign()
		if past < -cfg.Tolerance-2e-3 {
			t.Errorf("%s: stopped short of the end at %f", name, lastAngle)
		}
	}
}

func TestShutdownAfterMoveTimeout(t *testing.T) {
	b := newBench(decreasing)
	b.sim.Stall = func(target float64) bool { return target < 313.9 }
	cfg := testConfig()
	cfg.MoveTimeout = 10 * time.Millisecond
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Failed || res.Step != sweep.StepMeasurement {
		t.Fatalf("expected Failed(measurement), got %s", res)
	}
	if !errors.Is(res.Err, motion.ErrMoveTimeout) {
		t.Errorf("expected a move timeout, got %v", res.Err)
	}
	if res.Samples != 3 {
		t.Errorf("expected 3 samples before the stall, got %d", res.Samples)
	}
	if n := b.device(t).Shutdowns(); n != 1 {
		t.Errorf("expected exactly one shutdown, got %d", n)
	}
	if b.scope.Closes() != 1 {
		t.Errorf("instrument closed %d times", b.scope.Closes())
	}
	if b.device(t).Peek(1).Polling {
		t.Error("polling still running after shutdown")
	}
}

func sentinelAt(i int) func(int) string {
	return func(n int) string {
		if n == i {
			return "9.99999E+37"
		}
		return decreasing(n)
	}
}

func shortConfig() sweep.Config {
	cfg := testConfig()
	cfg.HomeAngle, cfg.EndAngle, cfg.StepSize = 10, 5, 1
	return cfg
}

func TestSentinelContinue(t *testing.T) {
	b := newBench(sentinelAt(2))
	res := b.ctl.Run(shortConfig())
	if res.Status != sweep.Completed || res.Samples != 5 || res.Invalid != 1 {
		t.Fatalf("expected Completed with 5 samples and 1 invalid, got %s", res)
	}
	s := b.rec.samples[2]
	if s.Valid || s.Reason != sweep.ReasonNoPeak || s.Value != 9.99999e37 {
		t.Errorf("sentinel sample not marked invalid with its value kept: %+v", s)
	}
}

func TestSentinelAbort(t *testing.T) {
	b := newBench(sentinelAt(2))
	cfg := shortConfig()
	cfg.SentinelPolicy = sweep.Abort
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Aborted {
		t.Fatalf("expected Aborted, got %s", res)
	}
	if res.Samples != 3 || b.rec.samples[2].Valid {
		t.Errorf("expected the invalid sample to be recorded before aborting, got %d samples", res.Samples)
	}
	if b.device(t).Shutdowns() != 1 {
		t.Error("abort skipped shutdown")
	}
}

func TestSentinelRequery(t *testing.T) {
	b := newBench(sentinelAt(2))
	cfg := shortConfig()
	cfg.SentinelPolicy = sweep.Requery
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Completed || res.Invalid != 0 {
		t.Fatalf("expected Completed with no invalid samples, got %s", res)
	}
	if got := b.rec.samples[2].Raw; got != decreasing(3) {
		t.Errorf("expected the requery reading %s, got %s", decreasing(3), got)
	}
	queries := 0
	for _, c := range b.scope.Commands() {
		if c == ":FUNCtion4:FFT:PEAK:MAGNitude?" {
			queries++
		}
	}
	if queries != 6 {
		t.Errorf("expected 6 peak queries, got %d", queries)
	}
}

func TestUnparseableReadingContinues(t *testing.T) {
	b := newBench(func(n int) string {
		if n == 0 {
			return "garbage"
		}
		return "-3.5"
	})
	res := b.ctl.Run(shortConfig())
	if res.Status != sweep.Completed || res.Invalid != 1 {
		t.Fatalf("expected Completed with 1 invalid sample, got %s", res)
	}
	if b.rec.samples[0].Reason != sweep.ReasonParse {
		t.Errorf("expected parse failure, got %+v", b.rec.samples[0])
	}
}

func TestReadTimeoutFails(t *testing.T) {
	b := newBench(decreasing)
	b.scope.Latency = time.Second
	cfg := shortConfig()
	cfg.InstrumentTimeout = 5 * time.Millisecond
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Failed || res.Step != sweep.StepMeasurement {
		t.Fatalf("expected Failed(measurement), got %s", res)
	}
	if !errors.Is(res.Err, comm.ErrReadTimeout) {
		t.Errorf("expected a read timeout, got %v", res.Err)
	}
	if b.device(t).Shutdowns() != 1 {
		t.Error("read timeout skipped shutdown")
	}
}

func TestInstrumentInitFailureLeavesActuatorAlone(t *testing.T) {
	b := newBench(decreasing)
	b.scope.Fail = map[string]error{":RECall:SETup 9": errors.New("setup slot empty")}
	res := b.ctl.Run(testConfig())
	if res.Status != sweep.Failed || res.Step != sweep.StepInstrumentInit {
		t.Fatalf("expected Failed(instrument init), got %s", res)
	}
	if b.sim.Device(serial) != nil {
		t.Error("actuator was opened after the instrument failed")
	}
	if b.scope.Closes() != 1 {
		t.Errorf("instrument closed %d times", b.scope.Closes())
	}
}

func TestInstrumentErrorQueueIsFatal(t *testing.T) {
	b := newBench(decreasing)
	b.scope.Queue = []error{errors.New(`-241,"Hardware missing"`)}
	res := b.ctl.Run(testConfig())
	if res.Status != sweep.Failed || res.Step != sweep.StepInstrumentInit {
		t.Fatalf("expected Failed(instrument init), got %s", res)
	}
	b = newBench(decreasing)
	b.scope.Queue = []error{errors.New(`-241,"Hardware missing"`)}
	cfg := shortConfig()
	cfg.CheckErrors = false
	if res := b.ctl.Run(cfg); res.Status != sweep.Completed {
		t.Errorf("error queue checked while disabled: %s", res)
	}
}

func TestDialFailure(t *testing.T) {
	b := newBench(decreasing)
	b.ctl.Dial = func(addr string) (sweep.Meter, error) {
		return nil, comm.ConnectionError{Addr: addr, Err: errors.New("connection refused")}
	}
	res := b.ctl.Run(testConfig())
	if res.Status != sweep.Failed || res.Step != sweep.StepInstrumentOpen {
		t.Fatalf("expected Failed(instrument open), got %s", res)
	}
	var ce comm.ConnectionError
	if !errors.As(res.Err, &ce) {
		t.Errorf("expected a ConnectionError, got %v", res.Err)
	}
	if res.ShutdownErr != nil {
		t.Errorf("shutdown with nothing open errored: %v", res.ShutdownErr)
	}
}

func TestDeviceNotFound(t *testing.T) {
	b := newBench(decreasing)
	cfg := testConfig()
	cfg.DeviceSerial = "99999999"
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Failed || res.Step != sweep.StepActuatorInit {
		t.Fatalf("expected Failed(actuator init), got %s", res)
	}
	if !errors.Is(res.Err, motion.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", res.Err)
	}
	if b.scope.Closes() != 1 {
		t.Error("instrument left open")
	}
}

func TestSettingsTimeout(t *testing.T) {
	b := newBench(decreasing)
	b.sim.SettingsDelay = time.Hour
	cfg := testConfig()
	cfg.SettingsTimeout = 10 * time.Millisecond
	res := b.ctl.Run(cfg)
	if !errors.Is(res.Err, motion.ErrInitializationTimeout) || res.Step != sweep.StepActuatorInit {
		t.Fatalf("expected an initialization timeout, got %s", res)
	}
	if b.device(t).Shutdowns() != 1 {
		t.Error("partial initialization skipped shutdown")
	}
}

func TestHomingLandsOnHome(t *testing.T) {
	b := newBench(decreasing)
	cfg := shortConfig()
	var homed float64
	b.ctl.Gate = func() error {
		homed = b.device(t).Peek(1).Position
		return nil
	}
	if res := b.ctl.Run(cfg); res.Status != sweep.Completed {
		t.Fatal(res)
	}
	if math.Abs(homed-cfg.HomeAngle) > cfg.Tolerance {
		t.Errorf("expected %f after homing, got %f", cfg.HomeAngle, homed)
	}
}

func TestHomingVerificationFails(t *testing.T) {
	b := newBench(decreasing)
	b.sim.Resolution = 1
	cfg := shortConfig()
	cfg.HomeAngle = 10.4
	cfg.EndAngle = 5
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Failed || res.Step != sweep.StepHoming {
		t.Fatalf("expected Failed(homing), got %s", res)
	}
}

func TestZeroOffsetAndWrap(t *testing.T) {
	b := newBench(decreasing)
	cfg := shortConfig()
	cfg.ZeroOffset = -8
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Completed || res.Samples != 5 {
		t.Fatalf("expected 5 samples across the stage's zero, got %s", res)
	}
	want := []float64{10, 9, 8, 7, 6}
	var got []float64
	for _, s := range b.rec.samples {
		got = append(got, math.Round(s.Absolute*1e3)/1e3)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("angles mismatch (-want +got):\n%s", diff)
	}
	if p := b.rec.samples[4].Position; math.Abs(p-358) > 1e-3 {
		t.Errorf("expected the stage to report 358, got %f", p)
	}
}

func TestGateError(t *testing.T) {
	b := newBench(decreasing)
	b.ctl.Gate = func() error { return errors.New("operator cancelled") }
	res := b.ctl.Run(testConfig())
	if res.Status != sweep.Failed || res.Step != sweep.StepStartGate {
		t.Fatalf("expected Failed(start gate), got %s", res)
	}
	if res.Samples != 0 || b.device(t).Shutdowns() != 1 {
		t.Error("gate failure measured or skipped shutdown")
	}
}

func TestChanGate(t *testing.T) {
	b := newBench(decreasing)
	start := make(chan struct{})
	b.ctl.Gate = sweep.ChanGate(start)
	waiting := make(chan struct{})
	var once sync.Once
	b.ctl.OnStatus = func(s sweep.Session) {
		if s.Status == sweep.AwaitingStart {
			once.Do(func() { close(waiting) })
		}
	}
	done := make(chan sweep.Result)
	go func() { done <- b.ctl.Run(shortConfig()) }()
	<-waiting
	select {
	case <-done:
		t.Fatal("run finished without the gate")
	case <-time.After(20 * time.Millisecond):
	}
	close(start)
	if res := <-done; res.Status != sweep.Completed {
		t.Error(res)
	}
}

func TestInvalidConfigTouchesNothing(t *testing.T) {
	b := newBench(decreasing)
	cfg := testConfig()
	cfg.Direction = motion.Forward
	res := b.ctl.Run(cfg)
	if res.Status != sweep.Failed || res.Step != sweep.StepConfiguration {
		t.Fatalf("expected Failed(configuration), got %s", res)
	}
	if !errors.Is(res.Err, sweep.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", res.Err)
	}
	if b.dialed != 0 || b.sim.Device(serial) != nil {
		t.Error("devices touched with an invalid configuration")
	}
}

func TestStatusSequence(t *testing.T) {
	b := newBench(decreasing)
	var seen []sweep.Status
	b.ctl.OnStatus = func(s sweep.Session) {
		if len(seen) == 0 || seen[len(seen)-1] != s.Status {
			seen = append(seen, s.Status)
		}
	}
	b.ctl.Run(shortConfig())
	want := []sweep.Status{sweep.Initializing, sweep.Homing, sweep.AwaitingStart, sweep.Running, sweep.Completed}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

// lossyManager hands out channels whose second position readback fails,
// which is the one taken for the first sample
type lossyManager struct{ motion.Manager }

func (m lossyManager) Open(sn string) (motion.Device, error) {
	d, err := m.Manager.Open(sn)
	if err != nil {
		return nil, err
	}
	return lossyDevice{d}, nil
}

type lossyDevice struct{ motion.Device }

func (d lossyDevice) Channel(n int) (motion.Channel, error) {
	c, err := d.Device.Channel(n)
	if err != nil {
		return nil, err
	}
	return &lossyChannel{Channel: c}, nil
}

type lossyChannel struct {
	motion.Channel
	reads int
}

func (c *lossyChannel) Position() (float64, error) {
	c.reads++
	if c.reads == 2 {
		return 0, errors.New("status update lost")
	}
	return c.Channel.Position()
}

func TestSamplePositionReadFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	b := newBench(decreasing)
	b.ctl.Motion = lossyManager{b.sim}
	res := b.ctl.Run(shortConfig())
	if res.Status != sweep.Completed {
		t.Fatalf("expected Completed, got %s", res)
	}
	first := b.rec.samples[0]
	if math.Abs(first.Position-10) > 1e-3 {
		t.Errorf("first sample position %g, expected the homing readback 10", first.Position)
	}
	if !strings.Contains(buf.String(), "status update lost") {
		t.Errorf("position error not logged:\n%s", buf.String())
	}
}
