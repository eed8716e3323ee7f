// Package scpi provides primitives for working with devices that
// have SCPI or IEEE-488.2 style command interfaces
package scpi

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/cryolab/cryoseq/comm"
)

const (
	timeout = 5 * time.Second

	tcpFrameSize = 1500
)

// standard event status register bits that indicate a rejected command
const (
	esrQueryError     = 1 << 2
	esrDeviceError    = 1 << 3
	esrExecutionError = 1 << 4
	esrCommandError   = 1 << 5

	esrErrorMask = esrQueryError | esrDeviceError | esrExecutionError | esrCommandError
)

// Termination describes how frames are delimited on the wire
type Termination struct {
	Rx byte
	Tx []byte
}

// LF is the common SCPI termination, a line feed in both directions
var LF = Termination{Rx: '\n', Tx: []byte{'\n'}}

// CRLF terminates outgoing frames with a carriage return and line feed.
// Responses end in the same pair; the trailing CR is stripped by ReadString.
var CRLF = Termination{Rx: '\n', Tx: []byte("\r\n")}

// CommandError is returned when the device flags a command as rejected
// in its standard event status register
type CommandError struct {
	Cmd string
	ESR int
}

func (e *CommandError) Error() string {
	var kinds []string
	if e.ESR&esrCommandError != 0 {
		kinds = append(kinds, "command error")
	}
	if e.ESR&esrExecutionError != 0 {
		kinds = append(kinds, "execution error")
	}
	if e.ESR&esrDeviceError != 0 {
		kinds = append(kinds, "device error")
	}
	if e.ESR&esrQueryError != 0 {
		kinds = append(kinds, "query error")
	}
	return fmt.Sprintf("%q rejected by device: %s (ESR=%d)", e.Cmd, strings.Join(kinds, ", "), e.ESR)
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where the event status register is read after every write
	// to ensure the device accepted the input
	Handshaking bool

	// Limiter paces commands; nil means unlimited
	Limiter *rate.Limiter

	// Term is the frame termination, LF if the zero value
	Term Termination
}

func (s *SCPI) term() Termination {
	if s.Term.Rx == 0 {
		return LF
	}
	return s.Term
}

func (s *SCPI) wait() error {
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Wait(context.Background())
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also queries the event status register and checks that it is clean.
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	str := strings.Join(cmds, " ")
	if err := s.wait(); err != nil {
		return err
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	t := s.term()
	wrap := comm.NewTimeout(comm.NewTerminator(conn, t.Rx, t.Tx), timeout)
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return errors.Wrapf(err, "writing %q", str)
	}
	if !s.Handshaking {
		return nil
	}
	if err = s.wait(); err != nil {
		return err
	}
	_, err = io.WriteString(wrap, "*ESR?")
	if err != nil {
		return err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return errors.Wrap(err, "reading event status register")
	}
	esr, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return errors.Wrap(err, "parsing event status register")
	}
	if esr&esrErrorMask != 0 {
		// the connection is fine, only the command was bad
		return &CommandError{Cmd: str, ESR: esr}
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	str := strings.Join(cmds, " ")
	if err := s.wait(); err != nil {
		return nil, err
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	t := s.term()
	wrap := comm.NewTimeout(comm.NewTerminator(conn, t.Rx, t.Tx), timeout)
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return nil, errors.Wrapf(err, "writing %q", str)
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response to %q", str)
	}
	return buf[:n], nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(resp), "\r\n"), nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// ReadFloats sends a command to the device, then parses a
// comma separated response as a list of floats
func (s *SCPI) ReadFloats(cmds ...string) ([]float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return nil, err
	}
	return ParseFloats(resp)
}

// ParseFloats parses a comma separated list such as "+60.000,+30.000,+6.000"
func ParseFloats(resp string) ([]float64, error) {
	pieces := strings.Split(resp, ",")
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, errors.Wrapf(err, "field %d of %q", i, resp)
		}
		out[i] = f
	}
	return out, nil
}
