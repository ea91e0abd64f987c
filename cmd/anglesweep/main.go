package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	"github.com/rflab/anglesweep/record"
	"github.com/rflab/anglesweep/server"
	"github.com/rflab/anglesweep/sweep"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "anglesweep.yml"

	// EnvPrefix starts every environment variable which overrides the file
	EnvPrefix = "ANGLESWEEP_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	keys := envKeys()
	k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return keys[strings.ToLower(strings.TrimPrefix(s, EnvPrefix))]
	}), nil)
}

func root() {
	str := `anglesweep rotates an antenna under test through a range of angles
and records the peak of an oscilloscope's FFT at every step.

Usage:
	anglesweep <command>

Commands:
	run
	serve
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `anglesweep is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  mkconf writes the
defaults to anglesweep.yml as a starting point.  Any key may also be set from
the environment as ANGLESWEEP_<KEY>, e.g. ANGLESWEEP_STEPSIZE=1.

run homes the stage, waits for Enter, then measures.  serve does the same
but waits for POST /sweep/start, and serves the run at Addr:
	GET  /sweep/status   the run's progress
	GET  /sweep/samples  every sample so far
	GET  /sweep/stream   websocket, one JSON message per sample
	POST /sweep/start    begin measuring once homed
	GET  /list-of-routes

Times are in seconds.  Angles are in degrees.  Direction is forward or backward.
SentinelPolicy decides what a "no peak" reading (9.99999E+37) does:
	continue  record it as invalid and keep going
	abort     stop the run
	requery   wait the averaging delay and query once more

InstrumentAddress is a VISA style resource:
	USB0::0x2A8D::0x9027::MY59190106::0::INSTR
	TCPIP0::192.168.1.10::inst0::INSTR
	TCPIP0::192.168.1.10::5025::SOCKET
	ASRL/dev/ttyUSB0::INSTR

Formats is a list of csv, fits, png (or svg, pdf) written to OutputDir.

Mock: true runs against a simulated stage and scope.`
	fmt.Println(str)
}

func loadConfig() Config {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := loadConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("anglesweep version %v\n", Version)
}

func statusLine(s sweep.Session) string {
	switch s.Status {
	case sweep.Running:
		return fmt.Sprintf("measuring %d/%d at %.2f deg, %d invalid", s.Iteration, s.Total, s.Angle, s.Invalid)
	case sweep.Homing:
		return fmt.Sprintf("homing to %.2f deg", s.Angle)
	case sweep.AwaitingStart:
		return "homed"
	}
	return strings.ToLower(s.Status.String())
}

func newSpinner() *yacspin.Spinner {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "initializing",
		StopCharacter:     "done",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "failed",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return spin
}

// consoleGate waits for a line on in.  A closed input starts the sweep.
func consoleGate(spin *yacspin.Spinner, in io.Reader) sweep.Gate {
	return func() error {
		spin.Pause()
		defer spin.Unpause()
		fmt.Print("homed, press Enter to start measuring ")
		_, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

func prepare(c Config, mem *record.Memory) (sweep.Config, *sweep.Controller) {
	sc, err := c.SweepConfig()
	if err != nil {
		log.Fatal(err)
	}
	runID := uuid.NewString()
	recs, err := c.Recorders(runID, sc, mem)
	if err != nil {
		log.Fatal(err)
	}
	dial, mgr := c.Hardware(sc)
	return sc, &sweep.Controller{Dial: dial, Motion: mgr, Recorder: recs, RunID: runID}
}

func run() {
	c := loadConfig()
	sc, ctl := prepare(c, nil)
	spin := newSpinner()
	ctl.OnStatus = func(s sweep.Session) { spin.Message(statusLine(s)) }
	ctl.Gate = consoleGate(spin, os.Stdin)

	spin.Start()
	res := ctl.Run(sc)
	if res.Status == sweep.Completed {
		spin.StopMessage(res.String())
		spin.Stop()
	} else {
		spin.StopFailMessage(res.String())
		spin.StopFail()
	}
	if res.ShutdownErr != nil {
		log.Printf("shutdown: %v", res.ShutdownErr)
	}
	if res.Status != sweep.Completed {
		os.Exit(1)
	}
}

func serve() {
	c := loadConfig()
	mem := record.NewMemory()
	srv := server.New(mem)
	sc, ctl := prepare(c, mem)
	ctl.OnStatus = srv.Observe
	ctl.Gate = srv.Gate()
	go func() {
		res := ctl.Run(sc)
		log.Printf("sweep %s: %s", res.RunID, res)
	}()
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, srv.Handler()))
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "serve":
		serve()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
