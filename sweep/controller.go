/*Package sweep sequences an angle sweep: a rotation stage steps through a
range of angles and at each one a scope is asked for the magnitude of its FFT
peak.

Controller.Run owns both devices for the duration of the run.  Every exit
path, including panics, goes through one shutdown phase which stops polling,
shuts the actuator down and closes the instrument, in that order.
*/
package sweep

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rflab/anglesweep/motion"
	"github.com/rflab/anglesweep/util"
)

// ErrAborted is the cause of an Aborted run
var ErrAborted = errors.New("sweep aborted on a no-peak reading")

// Meter is the measurement instrument
type Meter interface {
	Clear() error
	Identity() (string, error)
	RecallSetup() error
	PeakThreshold() (string, error)
	PeakMagnitude(timeout time.Duration) (string, error)
	Close() error
}

// ErrorLister is implemented by meters with an error queue
type ErrorLister interface {
	Errors() []error
}

// Dialer opens a session to the instrument at address
type Dialer func(address string) (Meter, error)

// Recorder consumes samples in the order they are measured.
// Recorders which are also io.Closers are closed at shutdown.
type Recorder interface {
	Record(Sample) error
}

// Gate blocks until measurements may begin.  An error fails the run.
type Gate func() error

// ChanGate returns a Gate which waits for ch to receive or close
func ChanGate(ch <-chan struct{}) Gate {
	return func() error {
		<-ch
		return nil
	}
}

// Controller runs sweeps.  Dial and Motion are required, the rest are optional.
type Controller struct {
	Dial     Dialer
	Motion   motion.Manager
	Recorder Recorder
	Gate     Gate

	// OnStatus is called on every status change and after every sample
	OnStatus func(Session)

	// Sleep and Now replace time.Sleep and time.Now
	Sleep func(time.Duration)
	Now   func() time.Time

	// RunID names the next run, a random UUID is used if empty
	RunID string
}

// Result is the outcome of a run
type Result struct {
	RunID    string
	Status   Status
	Step     string
	Err      error
	Samples  int
	Invalid  int
	Started  time.Time
	Finished time.Time

	// ShutdownErr collects failures of the shutdown phase, which never change Status
	ShutdownErr error
}

func (r Result) String() string {
	switch r.Status {
	case Completed:
		return fmt.Sprintf("Completed: %d samples (%d invalid) in %s", r.Samples, r.Invalid, r.Finished.Sub(r.Started).Round(time.Millisecond))
	case Failed, Aborted:
		return fmt.Sprintf("%s(%s: %v) after %d samples", r.Status, r.Step, errors.Unwrap(r.Err), r.Samples)
	}
	return r.Status.String()
}

// Run executes one sweep and returns its terminal status.  Samples are
// delivered to the Recorder as they are made.
func (c *Controller) Run(cfg Config) (res Result) {
	r := newRun(c, cfg)
	defer func() {
		r.shutdown()
		res = r.result()
	}()
	r.sequence()
	return
}

type run struct {
	c   *Controller
	cfg Config

	sleep func(time.Duration)
	now   func() time.Time

	sess    Session
	err     error
	started time.Time

	meter   Meter
	device  motion.Device
	channel motion.Channel
	polling bool
	enabled bool

	// angle is the sweep angle, stage position less ZeroOffset
	angle float64
	// pos is the stage position last read back
	pos float64

	down        bool
	shutdownErr error
}

func newRun(c *Controller, cfg Config) *run {
	r := &run{c: c, cfg: cfg, sleep: c.Sleep, now: c.Now}
	if r.sleep == nil {
		r.sleep = time.Sleep
	}
	if r.now == nil {
		r.now = time.Now
	}
	id := c.RunID
	if id == "" {
		id = uuid.NewString()
	}
	r.sess = Session{RunID: id, Status: Initializing, Angle: cfg.HomeAngle}
	r.started = r.now()
	return r
}

func (r *run) result() Result {
	return Result{
		RunID:       r.sess.RunID,
		Status:      r.sess.Status,
		Step:        r.sess.Step,
		Err:         r.err,
		Samples:     r.sess.Iteration,
		Invalid:     r.sess.Invalid,
		Started:     r.started,
		Finished:    r.now(),
		ShutdownErr: r.shutdownErr}
}

func (r *run) notify() {
	if r.c.OnStatus != nil {
		r.c.OnStatus(r.sess)
	}
}

func (r *run) setStatus(s Status) {
	r.sess.Status = s
	r.notify()
}

func (r *run) sequence() {
	r.notify()
	if err := r.cfg.Validate(); err != nil {
		r.fail(StepConfiguration, err)
		return
	}
	r.sess.Total = r.cfg.Iterations()
	steps := []struct {
		name string
		fn   func() error
	}{
		{StepInstrumentOpen, r.openInstrument},
		{StepInstrumentInit, r.initInstrument},
		{StepActuatorInit, r.initActuator},
		{StepHoming, r.home},
		{StepStartGate, r.waitStart},
		{StepMeasurement, r.measure},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			r.fail(s.name, err)
			return
		}
	}
	log.Printf("sweep %s: completed %d samples, %d invalid", r.sess.RunID, r.sess.Iteration, r.sess.Invalid)
	r.setStatus(Completed)
}

func (r *run) fail(step string, err error) {
	r.err = StepError{Step: step, Err: err}
	r.sess.Step = step
	r.sess.LastError = err.Error()
	status := Failed
	if errors.Is(err, ErrAborted) {
		status = Aborted
	}
	log.Printf("sweep %s: %s(%s: %v)", r.sess.RunID, status, step, err)
	r.setStatus(status)
}

func (r *run) openInstrument() error {
	if r.c.Dial == nil {
		return errors.New("no instrument dialer")
	}
	m, err := r.c.Dial(r.cfg.InstrumentAddress)
	if err != nil {
		return err
	}
	r.meter = m
	return nil
}

func (r *run) checkErrors(after string) error {
	if !r.cfg.CheckErrors {
		return nil
	}
	el, ok := r.meter.(ErrorLister)
	if !ok {
		return nil
	}
	if errs := el.Errors(); len(errs) > 0 {
		return fmt.Errorf("instrument reported errors after %s: %w", after, errors.Join(errs...))
	}
	return nil
}

func (r *run) initInstrument() error {
	if err := r.meter.Clear(); err != nil {
		return fmt.Errorf("clearing status: %w", err)
	}
	id, err := r.meter.Identity()
	if err != nil {
		return fmt.Errorf("identity query: %w", err)
	}
	log.Printf("sweep %s: instrument %s", r.sess.RunID, id)
	if err := r.meter.RecallSetup(); err != nil {
		return fmt.Errorf("recalling setup: %w", err)
	}
	if err := r.checkErrors("recalling setup"); err != nil {
		return err
	}
	thr, err := r.meter.PeakThreshold()
	if err != nil {
		return fmt.Errorf("peak threshold query: %w", err)
	}
	log.Printf("sweep %s: peak detection threshold %s", r.sess.RunID, thr)
	return r.checkErrors("threshold query")
}

func (r *run) initActuator() error {
	if r.c.Motion == nil {
		return errors.New("no motion manager")
	}
	cfg := r.cfg
	if found, err := r.c.Motion.Discover(); err != nil {
		log.Printf("sweep %s: device discovery: %v", r.sess.RunID, err)
	} else {
		log.Printf("sweep %s: found motion controllers %v", r.sess.RunID, found)
	}
	dev, err := r.c.Motion.Open(cfg.DeviceSerial)
	if err != nil {
		return err
	}
	r.device = dev
	ch, err := dev.Channel(cfg.Channel)
	if err != nil {
		return err
	}
	r.channel = ch
	if !ch.SettingsInitialized() {
		if err := ch.WaitSettingsInitialized(cfg.SettingsTimeout); err != nil {
			return err
		}
	}
	if err := ch.StartPolling(cfg.PollInterval); err != nil {
		return fmt.Errorf("starting polling: %w", err)
	}
	r.polling = true
	r.sleep(cfg.PollSettle)
	if rd, ok := ch.(motion.Readier); ok {
		if err := r.waitPollingReady(rd); err != nil {
			return err
		}
	}
	if err := ch.Enable(); err != nil {
		return fmt.Errorf("enabling: %w", err)
	}
	r.enabled = true
	r.sleep(cfg.EnableSettle)
	if err := ch.SetBacklash(cfg.Backlash); err != nil {
		return fmt.Errorf("setting backlash: %w", err)
	}
	return nil
}

// waitPollingReady waits in real time, the injected sleep does not advance the actuator
func (r *run) waitPollingReady(rd motion.Readier) error {
	deadline := time.Now().Add(r.cfg.ReadyTimeout)
	tick := r.cfg.PollInterval / 4
	if tick <= 0 || tick > 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	for !rd.PollingReady() {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no status polled within %s", motion.ErrInitializationTimeout, r.cfg.ReadyTimeout)
		}
		time.Sleep(tick)
	}
	return nil
}

// stage converts a sweep angle to a commanded stage position
func (r *run) stage(angle float64) float64 {
	p := angle + r.cfg.ZeroOffset
	if r.cfg.Rotary {
		p = math.Mod(p, 360)
		if p < 0 {
			p += 360
		}
	}
	return p
}

// readAngle returns the sweep angle of the stage, unwrapped near expect
func (r *run) readAngle(expect float64) (float64, error) {
	p, err := r.channel.Position()
	if err != nil {
		return 0, err
	}
	r.pos = p
	a := p - r.cfg.ZeroOffset
	if r.cfg.Rotary {
		a = util.UnwrapNear(a, expect)
	}
	return a, nil
}

func (r *run) home() error {
	r.setStatus(Homing)
	cfg := r.cfg
	target := r.stage(cfg.HomeAngle)
	log.Printf("sweep %s: homing to %.4f (stage %.4f)", r.sess.RunID, cfg.HomeAngle, target)
	if err := r.channel.MoveAbs(target, cfg.HomeTimeout); err != nil {
		return err
	}
	a, err := r.readAngle(cfg.HomeAngle)
	if err != nil {
		return err
	}
	if !util.ApproxEqual(a, cfg.HomeAngle, cfg.Tolerance) {
		return fmt.Errorf("stage at %.4f after homing to %.4f", a, cfg.HomeAngle)
	}
	r.angle = a
	r.sess.Angle = a
	return nil
}

func (r *run) waitStart() error {
	r.setStatus(AwaitingStart)
	log.Printf("sweep %s: %d measurements from %g to %g, estimated %s", r.sess.RunID, r.sess.Total,
		r.cfg.HomeAngle, r.cfg.EndAngle, r.cfg.EstimatedDuration())
	if r.c.Gate == nil {
		return nil
	}
	return r.c.Gate()
}

// continues is the loop condition, checked before every measurement
func (r *run) continues() bool {
	if r.cfg.Direction == motion.Backward {
		return r.angle-r.cfg.EndAngle > r.cfg.Tolerance
	}
	return r.cfg.EndAngle-r.angle > r.cfg.Tolerance
}

func (r *run) query() (Reading, error) {
	raw, err := r.meter.PeakMagnitude(r.cfg.InstrumentTimeout)
	if err != nil {
		return Reading{}, err
	}
	return ParseReading(raw, r.cfg.Sentinel), nil
}

func (r *run) record(s Sample) {
	if r.c.Recorder != nil {
		if err := r.c.Recorder.Record(s); err != nil {
			log.Printf("sweep %s: recording sample %d: %v", r.sess.RunID, s.Index, err)
		}
	}
	r.sess.Iteration++
	if !s.Valid {
		r.sess.Invalid++
	}
	r.notify()
}

func (r *run) measure() error {
	r.setStatus(Running)
	cfg := r.cfg
	for i := 0; r.continues(); i++ {
		rel := r.angle - cfg.HomeAngle
		r.sleep(cfg.AveragingDelay)
		rd, err := r.query()
		if err != nil {
			return err
		}
		if rd.Reason == ReasonNoPeak && cfg.SentinelPolicy == Requery {
			log.Printf("sweep %s: no peak at %.4f, querying again", r.sess.RunID, r.angle)
			r.sleep(cfg.AveragingDelay)
			if rd, err = r.query(); err != nil {
				return err
			}
		}
		pos, err := r.channel.Position()
		if err != nil {
			log.Printf("sweep %s: reading position for sample %d: %v, recording %.4f from the last move", r.sess.RunID, i, err, r.pos)
			pos = r.pos
		}
		r.record(Sample{
			Index:    i,
			Angle:    rel,
			Absolute: r.angle,
			Position: pos,
			Raw:      rd.Raw,
			Value:    rd.Value,
			Valid:    rd.Valid,
			Reason:   rd.Reason,
			Time:     r.now()})
		if rd.Reason == ReasonNoPeak && cfg.SentinelPolicy == Abort {
			return fmt.Errorf("%w at %.4f (%s)", ErrAborted, r.angle, rd.Raw)
		}

		expect := r.angle + cfg.Direction.Sign()*cfg.StepSize
		if err := r.channel.MoveRel(cfg.Direction, cfg.StepSize, cfg.MoveTimeout); err != nil {
			return err
		}
		a, err := r.readAngle(expect)
		if err != nil {
			return err
		}
		r.angle = a
		r.sess.Angle = a
	}
	return nil
}

// shutdown releases everything that was acquired.  Only the first call does anything.
func (r *run) shutdown() {
	if r.down {
		return
	}
	r.down = true
	var errs []error
	if r.channel != nil {
		if r.cfg.Park && r.enabled {
			if err := r.channel.MoveAbs(r.stage(0), r.cfg.HomeTimeout); err != nil {
				errs = append(errs, fmt.Errorf("parking: %w", err))
			}
		}
		if r.polling {
			if err := r.channel.StopPolling(); err != nil {
				errs = append(errs, fmt.Errorf("stopping polling: %w", err))
			}
		}
	}
	if r.device != nil {
		if err := r.device.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("actuator shutdown: %w", err))
		}
	}
	if r.meter != nil {
		if err := r.meter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing instrument: %w", err))
		}
	}
	if cl, ok := r.c.Recorder.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing recorder: %w", err))
		}
	}
	r.shutdownErr = errors.Join(errs...)
	if r.shutdownErr != nil {
		log.Printf("sweep %s: shutdown: %v", r.sess.RunID, r.shutdownErr)
	}
}
