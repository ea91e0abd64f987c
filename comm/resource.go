package comm

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultSCPIPort is the raw socket port used by most LAN instruments
const DefaultSCPIPort = 5025

// ErrBadResource is generated when a resource string cannot be parsed
var ErrBadResource = errors.New("malformed instrument resource string")

// Kind is the transport a resource lives on
type Kind int

const (
	// TCP is a raw SCPI socket
	TCP Kind = iota

	// Serial is an RS-232 or USB-CDC port
	Serial

	// USB is a USBTMC device
	USB
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case Serial:
		return "serial"
	case USB:
		return "usbtmc"
	}
	return "unknown"
}

// Resource is a parsed instrument address
type Resource struct {
	Kind Kind

	// Addr is host:port for TCP and the device path for Serial
	Addr string

	// VID, PID, and SerialNumber identify a USB device
	VID, PID     uint16
	SerialNumber string

	// Stream is true for transports without message boundaries,
	// which must be read up to a terminator
	Stream bool
}

/*ParseResource understands the VISA-like strings

	TCPIP[n]::host::port::SOCKET
	TCPIP[n]::host[::INSTR]          (raw socket on port 5025)
	ASRL<device>[::INSTR]            (ASRL/dev/ttyUSB0 or ASRL3 for COM3)
	USB[n]::vid::pid::serial[::INSTR]

as well as bare host:port and /dev/ paths.
*/
func ParseResource(s string) (Resource, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Resource{}, ErrBadResource
	}
	if !strings.Contains(s, "::") {
		if strings.HasPrefix(s, "/dev/") || strings.HasPrefix(strings.ToUpper(s), "COM") {
			return Resource{Kind: Serial, Addr: s, Stream: true}, nil
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, strconv.Itoa(DefaultSCPIPort))
		}
		return Resource{Kind: TCP, Addr: s, Stream: true}, nil
	}

	parts := strings.Split(s, "::")
	head := strings.ToUpper(parts[0])
	last := strings.ToUpper(parts[len(parts)-1])
	switch {
	case strings.HasPrefix(head, "TCPIP"):
		if len(parts) < 2 || parts[1] == "" {
			return Resource{}, fmt.Errorf("%w: %q has no host", ErrBadResource, s)
		}
		port := strconv.Itoa(DefaultSCPIPort)
		if last == "SOCKET" {
			if len(parts) != 4 {
				return Resource{}, fmt.Errorf("%w: %q socket resources need a port", ErrBadResource, s)
			}
			if _, err := strconv.ParseUint(parts[2], 10, 16); err != nil {
				return Resource{}, fmt.Errorf("%w: %q bad port", ErrBadResource, s)
			}
			port = parts[2]
		}
		return Resource{Kind: TCP, Addr: net.JoinHostPort(parts[1], port), Stream: true}, nil

	case strings.HasPrefix(head, "ASRL"):
		dev := parts[0][len("ASRL"):]
		if dev == "" {
			return Resource{}, fmt.Errorf("%w: %q has no port", ErrBadResource, s)
		}
		if n, err := strconv.Atoi(dev); err == nil {
			dev = "COM" + strconv.Itoa(n)
		}
		return Resource{Kind: Serial, Addr: dev, Stream: true}, nil

	case strings.HasPrefix(head, "USB"):
		if len(parts) < 4 {
			return Resource{}, fmt.Errorf("%w: %q needs vid, pid and serial", ErrBadResource, s)
		}
		vid, err := strconv.ParseUint(parts[1], 0, 16)
		if err != nil {
			return Resource{}, fmt.Errorf("%w: %q bad vendor id", ErrBadResource, s)
		}
		pid, err := strconv.ParseUint(parts[2], 0, 16)
		if err != nil {
			return Resource{}, fmt.Errorf("%w: %q bad product id", ErrBadResource, s)
		}
		return Resource{Kind: USB, VID: uint16(vid), PID: uint16(pid), SerialNumber: parts[3], Addr: s}, nil
	}
	return Resource{}, fmt.Errorf("%w: %q", ErrBadResource, s)
}
