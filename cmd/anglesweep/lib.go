package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/rflab/anglesweep/keysight"
	"github.com/rflab/anglesweep/motion"
	"github.com/rflab/anglesweep/record"
	"github.com/rflab/anglesweep/sweep"
	"github.com/rflab/anglesweep/thorlabs"
	"github.com/rflab/anglesweep/util"
)

// Config is the file and environment configuration.  Durations are in seconds.
type Config struct {
	DeviceSerial      string  `koanf:"DeviceSerial" yaml:"DeviceSerial"`
	Channel           int     `koanf:"Channel" yaml:"Channel"`
	CountsPerDegree   float64 `koanf:"CountsPerDegree" yaml:"CountsPerDegree"`
	InstrumentAddress string  `koanf:"InstrumentAddress" yaml:"InstrumentAddress"`
	InstrumentTimeout float64 `koanf:"InstrumentTimeout" yaml:"InstrumentTimeout"`
	CommandSpacing    float64 `koanf:"CommandSpacing" yaml:"CommandSpacing"`
	Setup             int     `koanf:"Setup" yaml:"Setup"`
	FFTFunction       int     `koanf:"FFTFunction" yaml:"FFTFunction"`
	AveragingDelay    float64 `koanf:"AveragingDelay" yaml:"AveragingDelay"`

	HomeAngle float64 `koanf:"HomeAngle" yaml:"HomeAngle"`
	EndAngle  float64 `koanf:"EndAngle" yaml:"EndAngle"`
	StepSize  float64 `koanf:"StepSize" yaml:"StepSize"`
	Direction string  `koanf:"Direction" yaml:"Direction"`

	HomeTimeout     float64 `koanf:"HomeTimeout" yaml:"HomeTimeout"`
	MoveTimeout     float64 `koanf:"MoveTimeout" yaml:"MoveTimeout"`
	SettingsTimeout float64 `koanf:"SettingsTimeout" yaml:"SettingsTimeout"`
	PollInterval    float64 `koanf:"PollInterval" yaml:"PollInterval"`
	PollSettle      float64 `koanf:"PollSettle" yaml:"PollSettle"`
	EnableSettle    float64 `koanf:"EnableSettle" yaml:"EnableSettle"`
	ReadyTimeout    float64 `koanf:"ReadyTimeout" yaml:"ReadyTimeout"`

	Backlash       float64 `koanf:"Backlash" yaml:"Backlash"`
	ZeroOffset     float64 `koanf:"ZeroOffset" yaml:"ZeroOffset"`
	Tolerance      float64 `koanf:"Tolerance" yaml:"Tolerance"`
	Rotary         bool    `koanf:"Rotary" yaml:"Rotary"`
	SentinelPolicy string  `koanf:"SentinelPolicy" yaml:"SentinelPolicy"`
	CheckErrors    bool    `koanf:"CheckErrors" yaml:"CheckErrors"`
	Park           bool    `koanf:"Park" yaml:"Park"`

	OutputDir string   `koanf:"OutputDir" yaml:"OutputDir"`
	Formats   []string `koanf:"Formats" yaml:"Formats"`
	Addr      string   `koanf:"Addr" yaml:"Addr"`
	Mock      bool     `koanf:"Mock" yaml:"Mock"`
}

// defaults mirrors sweep.DefaultConfig
func defaults() Config {
	d := sweep.DefaultConfig()
	secs := func(t time.Duration) float64 { return t.Seconds() }
	return Config{
		DeviceSerial:      d.DeviceSerial,
		Channel:           d.Channel,
		CountsPerDegree:   thorlabs.HDR50CountsPerDegree,
		InstrumentAddress: d.InstrumentAddress,
		InstrumentTimeout: secs(d.InstrumentTimeout),
		CommandSpacing:    0.02,
		Setup:             keysight.DefaultSetup,
		FFTFunction:       keysight.DefaultFunction,
		AveragingDelay:    secs(d.AveragingDelay),
		HomeAngle:         d.HomeAngle,
		EndAngle:          d.EndAngle,
		StepSize:          d.StepSize,
		Direction:         d.Direction.String(),
		HomeTimeout:       secs(d.HomeTimeout),
		MoveTimeout:       secs(d.MoveTimeout),
		SettingsTimeout:   secs(d.SettingsTimeout),
		PollInterval:      secs(d.PollInterval),
		PollSettle:        secs(d.PollSettle),
		EnableSettle:      secs(d.EnableSettle),
		ReadyTimeout:      secs(d.ReadyTimeout),
		Backlash:          d.Backlash,
		ZeroOffset:        d.ZeroOffset,
		Tolerance:         d.Tolerance,
		Rotary:            d.Rotary,
		SentinelPolicy:    d.SentinelPolicy.String(),
		CheckErrors:       d.CheckErrors,
		Park:              d.Park,
		OutputDir:         ".",
		Formats:           []string{"csv"},
		Addr:              ":8000",
	}
}

// envKeys maps lower case key names to the configuration's keys, so
// ANGLESWEEP_HOMEANGLE sets HomeAngle
func envKeys() map[string]string {
	out := map[string]string{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		k := t.Field(i).Tag.Get("koanf")
		out[strings.ToLower(k)] = k
	}
	return out
}

// SweepConfig converts c to the controller's configuration
func (c Config) SweepConfig() (sweep.Config, error) {
	if c.CommandSpacing < 0 || math.IsNaN(c.CommandSpacing) {
		return sweep.Config{}, fmt.Errorf("CommandSpacing %v must be zero or more seconds", c.CommandSpacing)
	}
	dir, err := motion.ParseDirection(c.Direction)
	if err != nil {
		return sweep.Config{}, err
	}
	pol, err := sweep.ParseSentinelPolicy(c.SentinelPolicy)
	if err != nil {
		return sweep.Config{}, err
	}
	d := util.SecsToDuration
	out := sweep.DefaultConfig()
	out.DeviceSerial = c.DeviceSerial
	out.Channel = c.Channel
	out.InstrumentAddress = c.InstrumentAddress
	out.InstrumentTimeout = d(c.InstrumentTimeout)
	out.HomeAngle = c.HomeAngle
	out.EndAngle = c.EndAngle
	out.StepSize = c.StepSize
	out.Direction = dir
	out.AveragingDelay = d(c.AveragingDelay)
	out.HomeTimeout = d(c.HomeTimeout)
	out.MoveTimeout = d(c.MoveTimeout)
	out.SettingsTimeout = d(c.SettingsTimeout)
	out.PollInterval = d(c.PollInterval)
	out.PollSettle = d(c.PollSettle)
	out.EnableSettle = d(c.EnableSettle)
	out.ReadyTimeout = d(c.ReadyTimeout)
	out.Backlash = c.Backlash
	out.ZeroOffset = c.ZeroOffset
	out.Tolerance = c.Tolerance
	out.Rotary = c.Rotary
	out.SentinelPolicy = pol
	out.CheckErrors = c.CheckErrors
	out.Park = c.Park
	return out, out.Validate()
}

// Hardware returns the instrument dialer and motion manager, simulated if c.Mock
func (c Config) Hardware(sc sweep.Config) (sweep.Dialer, motion.Manager) {
	if c.Mock {
		sim := motion.NewSim(c.DeviceSerial)
		sim.Velocity = 20
		sim.Resolution = 1 / c.CountsPerDegree
		sim.SettingsDelay = 200 * time.Millisecond
		sim.Wrap = sc.Rotary
		dial := func(string) (sweep.Meter, error) {
			m := keysight.NewMock(BeamPattern(sc))
			m.Function, m.Setup = c.FFTFunction, c.Setup
			return m, nil
		}
		return dial, sim
	}
	dial := func(addr string) (sweep.Meter, error) {
		scope, err := keysight.OpenInfiniium(addr, util.SecsToDuration(c.InstrumentTimeout),
			util.SecsToDuration(c.CommandSpacing), c.FFTFunction, c.Setup)
		if err != nil {
			return nil, err
		}
		return scope, nil
	}
	return dial, &thorlabs.Manager{CountsPerUnit: c.CountsPerDegree}
}

// BeamPattern is the simulated scope's reading for the nth query: a sinc
// squared main lobe centred halfway through the sweep.  Readings below
// -60 dBm report no peak.
func BeamPattern(sc sweep.Config) func(n int) string {
	center := (sc.HomeAngle + sc.EndAngle) / 2
	return func(n int) string {
		angle := sc.HomeAngle + sc.Direction.Sign()*float64(n+1)*sc.StepSize
		x := math.Pi * (angle - center) / 20
		g := 1.0
		if x != 0 {
			g = math.Sin(x) / x
		}
		p := -10 + 20*math.Log10(math.Abs(g)+1e-12)
		if p < -60 {
			return "9.99999E+37"
		}
		return fmt.Sprintf("%.4E", p)
	}
}

// Recorders builds the sinks for a run, always including a Log and mem
func (c Config) Recorders(runID string, sc sweep.Config, mem *record.Memory) (record.Multi, error) {
	out := record.Multi{record.Log{Unit: "dBm"}}
	if mem != nil {
		out = append(out, mem)
	}
	if len(c.Formats) == 0 {
		return out, nil
	}
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(c.OutputDir, "anglesweep-"+runID)
	for _, f := range c.Formats {
		ext := strings.ToLower(strings.TrimSpace(f))
		switch ext {
		case "csv":
			w, err := record.CreateCSV(stem + ".csv")
			if err != nil {
				out.Close()
				return nil, err
			}
			out = append(out, w)
		case "fits":
			out = append(out, record.NewFITS(stem+".fits",
				fitsio.Card{Name: "RUNID", Value: runID, Comment: "sweep run"},
				fitsio.Card{Name: "HOMEANG", Value: sc.HomeAngle, Comment: "[deg] home angle"},
				fitsio.Card{Name: "ENDANG", Value: sc.EndAngle, Comment: "[deg] end angle"},
				fitsio.Card{Name: "STEPSIZE", Value: sc.StepSize, Comment: "[deg] step size"},
				fitsio.Card{Name: "AVGDELAY", Value: sc.AveragingDelay.Seconds(), Comment: "[s] averaging delay"},
				fitsio.Card{Name: "INSTRUME", Value: sc.InstrumentAddress},
				fitsio.Card{Name: "DATE", Value: time.Now().UTC().Format(time.RFC3339)}))
		case "png", "svg", "pdf":
			out = append(out, record.NewPlot(stem+"."+ext, "Angle sweep "+runID))
		case "":
		default:
			out.Close()
			return nil, fmt.Errorf("unknown output format %q, use csv, fits, png, svg or pdf", f)
		}
	}
	return out, nil
}
