package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// Error is an entry from an instrument's SCPI error queue
type Error struct {
	Code int
	Msg  string
}

// Error satisfies stdlib error interface
func (e Error) Error() string {
	msg := e.Msg
	if msg == "" {
		if s, ok := StandardErrors[e.Code]; ok {
			msg = s
		} else {
			msg = "UNKNOWN ERROR CODE"
		}
	}
	return fmt.Sprintf("SCPI error %d - %s", e.Code, msg)
}

// ParseErrorResponse decodes a SYSTem:ERRor? reply such as
// -113,"Undefined header" or +0,"No error"
func ParseErrorResponse(s string) (Error, error) {
	s = strings.TrimSpace(s)
	code, msg := s, ""
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		code, msg = s[:idx], s[idx+1:]
	}
	c, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return Error{}, ParseError{Cmd: "SYSTem:ERRor?", Raw: s, Err: err}
	}
	return Error{Code: c, Msg: strings.Trim(strings.TrimSpace(msg), `"`)}, nil
}

var (
	// StandardErrors maps the SCPI-99 standard error codes to strings
	StandardErrors = map[int]string{
		-100: "COMMAND ERROR",
		-101: "INVALID CHARACTER",
		-102: "SYNTAX ERROR",
		-103: "INVALID SEPARATOR",
		-104: "DATA TYPE ERROR",
		-105: "GROUP EXECUTE TRIGGER NOT ALLOWED",
		-108: "PARAMETER NOT ALLOWED",
		-109: "MISSING PARAMETER",
		-110: "COMMAND HEADER ERROR",
		-113: "UNDEFINED HEADER (UNKNOWN COMMAND)",
		-115: "UNEXPECTED NUMBER OF PARAMETERS",
		-120: "NUMERIC DATA ERROR",
		-130: "SUFFIX ERROR",
		-131: "INVALID SUFFIX",
		-151: "INVALID STRING DATA",

		-200: "EXECUTION ERROR",
		-220: "PARAMETER ERROR",
		-221: "SETTINGS CONFLICT",
		-222: "DATA OUT OF RANGE",
		-230: "DATA CORRUPT OR STALE",
		-231: "DATA QUESTIONABLE",
		-240: "HARDWARE ERROR",
		-241: "HARDWARE MISSING",
		-250: "MASS STORAGE ERROR",
		-251: "MISSING MASS STORAGE",
		-252: "MISSING MEDIA",
		-253: "CORRUPT MEDIA",
		-254: "MEDIA FULL",
		-255: "DIRECTORY FULL",
		-256: "FILE NAME NOT FOUND",
		-257: "FILE NAME ERROR",
		-258: "MEDIA PROTECTED",

		-310: "SYSTEM ERROR",
		-311: "MEMORY ERROR",
		-313: "CALIBRATION MEMORY LOST",
		-314: "SAVE/RECALL MEMORY LOST",
		-315: "CONFIGURATION MEMORY LOST",
		-321: "OUT OF MEMORY",
		-330: "SELF-TEST FAILED",
		-340: "CALIBRATION FAILURE",
		-350: "QUEUE OVERFLOW",
		-363: "INPUT BUFFER OVERRUN",

		-400: "QUERY ERROR",
		-410: "QUERY INTERRUPTED",
		-420: "QUERY UNTERMINATED",
		-430: "QUERY DEADLOCKED",
	}
)
