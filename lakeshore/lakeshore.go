/*Package lakeshore provides tools for working with Lakeshore Model 372 AC resistance bridges
and temperature controllers.

The 372 is reachable over ethernet (TCP port 7777) or its USB serial port.
Before use over ethernet the interface must be enabled on the front panel
(Interface -> Enabled -> Ethernet); the IP address is shown under
View IP Config.
*/
package lakeshore

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/cryolab/cryoseq/comm"
	"github.com/cryolab/cryoseq/scpi"
	"github.com/cryolab/cryoseq/temperature"
)

// per the Lakeshore 372 manual, the controller interface
// uses the following schema:

// ethernet: TCP port 7777
// serial: 57600 baud, 1 start 7 data, odd parity, 1 stop
// terminator CRLF
// < 20 commands per second

// command messages look like <command><space><parameter data><terminators>
// query messages look like <query mnemonic><?><space><parameter data><terminators>
const (
	// DefaultPort is the TCP port the 372 listens on
	DefaultPort = "7777"

	// SampleHeater is the output number of the sample heater
	SampleHeater = 0

	// MaxChannel is the highest numbered scanner channel
	MaxChannel = 16

	commandInterval = 50 * time.Millisecond
)

// ErrBadChannel is returned when a channel is outside 1..MaxChannel
var ErrBadChannel = errors.New("channel out of range 1-16")

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        57600,
		Size:        7,
		Parity:      serial.ParityOdd,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// OutputMode is the control mode of a heater output
type OutputMode int

const (
	// ModeOff disables the output
	ModeOff OutputMode = iota
	// ModeMonitor is monitor out
	ModeMonitor
	// ModeOpenLoop drives the output at a fixed manual percentage
	ModeOpenLoop
	// ModeZone selects PID parameters from the zone table
	ModeZone
	// ModeStill is the still heater mode
	ModeStill
	// ModeClosedLoop is PID control toward the setpoint
	ModeClosedLoop
	// ModeWarmUp is the warm up heater mode
	ModeWarmUp
)

var outputModeNames = []string{"off", "monitor out", "open loop", "zone", "still", "closed loop", "warm up"}

func (m OutputMode) String() string {
	if m < 0 || int(m) >= len(outputModeNames) {
		return "unknown(" + strconv.Itoa(int(m)) + ")"
	}
	return outputModeNames[m]
}

// Polarity is the polarity of a heater output
type Polarity int

const (
	// Unipolar outputs only drive positive current
	Unipolar Polarity = iota
	// Bipolar outputs may drive either sign
	Bipolar
)

// HeaterRange is a sample heater current range
type HeaterRange int

// RangeOff is the heater range that turns the heater off
const RangeOff HeaterRange = 0

var heaterRangeNames = []string{
	"off", "31.6uA", "100uA", "316uA", "1mA", "3.16mA", "10mA", "31.6mA", "100mA",
}

// MaxHeaterRange is the largest sample heater range
const MaxHeaterRange = HeaterRange(8)

func (r HeaterRange) String() string {
	if !r.Valid() {
		return "unknown(" + strconv.Itoa(int(r)) + ")"
	}
	return heaterRangeNames[r]
}

// Valid returns true if r is a sample heater range the 372 accepts
func (r HeaterRange) Valid() bool {
	return r >= RangeOff && r <= MaxHeaterRange
}

// PID holds the control loop gains
type PID struct {
	P float64 `json:"p" yaml:"P"`
	I float64 `json:"i" yaml:"I"`
	D float64 `json:"d" yaml:"D"`
}

// Validate checks the gains against the limits of the 372
func (p PID) Validate() error {
	if p.P < 0 || p.P > 1000 {
		return fmt.Errorf("P gain %v outside 0-1000", p.P)
	}
	if p.I < 0 || p.I > 10000 {
		return fmt.Errorf("I gain %v outside 0-10000", p.I)
	}
	if p.D < 0 || p.D > 2500 {
		return fmt.Errorf("D gain %v outside 0-2500", p.D)
	}
	return nil
}

// Ramp holds the setpoint ramp parameters
type Ramp struct {
	Enabled bool    `json:"enabled"`
	Rate    float64 `json:"rate"` // K/min
}

// HeaterOutputSettings is the OUTMODE configuration of an output.
// The heater will not turn on until it has been configured.
type HeaterOutputSettings struct {
	Mode          OutputMode
	Input         int // channel to control from, 0 for none
	PowerupEnable bool
	Polarity      Polarity
	Filter        bool // use filtered readings
	Delay         int  // autoscan delay in seconds, 1-255
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Model372 models a Lakeshore 372 controller
type Model372 struct {
	s scpi.SCPI

	// Output is the heater output that setpoint, PID, range and manual
	// output commands act on
	Output int
}

// NewModel372 creates a new controller instance.  If serial is false,
// addr is an IP address, with or without a port.
func NewModel372(addr string, serial bool) *Model372 {
	var maker comm.CreationFunc
	if serial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, DefaultPort)
		}
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	pool := comm.NewPool(1, 10*time.Second, maker)
	return &Model372{
		s: scpi.SCPI{
			Pool:        pool,
			Handshaking: true,
			Limiter:     rate.NewLimiter(rate.Every(commandInterval), 1),
			Term:        scpi.CRLF,
		},
		Output: SampleHeater,
	}
}

// Close frees the connection to the controller
func (m *Model372) Close() error {
	m.s.Pool.Close()
	return nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func checkChannel(ch int) error {
	if ch < 1 || ch > MaxChannel {
		return errors.Wrapf(ErrBadChannel, "channel %d", ch)
	}
	return nil
}

// Identification returns the identifying information from the controller.
// it looks something like:
//
// LSCI,MODEL372,<serial>,<firmware>
func (m *Model372) Identification() (string, error) {
	return m.s.ReadString("*IDN?")
}

// KelvinReading reads the temperature of a scanner channel in K
func (m *Model372) KelvinReading(ch int) (temperature.Kelvin, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	f, err := m.s.ReadFloat("RDGK?", strconv.Itoa(ch))
	if err != nil {
		return 0, errors.Wrapf(err, "reading channel %d", ch)
	}
	return temperature.Kelvin(f), nil
}

// ConfigureHeater sets the output mode of the controlled output
func (m *Model372) ConfigureHeater(cfg HeaterOutputSettings) error {
	cmd := fmt.Sprintf("OUTMODE %d,%d,%d,%d,%d,%d,%d",
		m.Output, cfg.Mode, cfg.Input, b2i(cfg.PowerupEnable), cfg.Polarity, b2i(cfg.Filter), cfg.Delay)
	return m.s.Write(cmd)
}

// HeaterOutputSettings reads the output mode of the controlled output
func (m *Model372) HeaterOutputSettings() (HeaterOutputSettings, error) {
	resp, err := m.s.ReadString("OUTMODE?", strconv.Itoa(m.Output))
	if err != nil {
		return HeaterOutputSettings{}, err
	}
	return parseOutmode(resp)
}

func parseOutmode(resp string) (HeaterOutputSettings, error) {
	var out HeaterOutputSettings
	pieces := strings.Split(resp, ",")
	if len(pieces) != 6 {
		return out, fmt.Errorf("malformed OUTMODE response %q", resp)
	}
	ints := make([]int, 6)
	for i, p := range pieces {
		p = strings.TrimSpace(p)
		if i == 1 && p == "A" {
			// control input A is addressed as 17 by OUTMODE
			ints[i] = MaxChannel + 1
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return out, errors.Wrapf(err, "OUTMODE field %d", i)
		}
		ints[i] = v
	}
	out.Mode = OutputMode(ints[0])
	out.Input = ints[1]
	out.PowerupEnable = ints[2] == 1
	out.Polarity = Polarity(ints[3])
	out.Filter = ints[4] == 1
	out.Delay = ints[5]
	return out, nil
}

// SetHeaterRange sets the current range of the controlled output
func (m *Model372) SetHeaterRange(r HeaterRange) error {
	if !r.Valid() {
		return fmt.Errorf("heater range %d outside 0-%d", r, MaxHeaterRange)
	}
	return m.s.Write(fmt.Sprintf("RANGE %d,%d", m.Output, r))
}

// HeaterRange reads the current range of the controlled output
func (m *Model372) HeaterRange() (HeaterRange, error) {
	i, err := m.s.ReadInt("RANGE?", strconv.Itoa(m.Output))
	return HeaterRange(i), err
}

// SetPID sets the control loop gains
func (m *Model372) SetPID(p PID) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return m.s.Write(fmt.Sprintf("PID %d,%s,%s,%s", m.Output, ftoa(p.P), ftoa(p.I), ftoa(p.D)))
}

// PID reads the control loop gains:
// P - linear / proportional term
// I - integral term
// D - derivative term
func (m *Model372) PID() (PID, error) {
	f, err := m.s.ReadFloats("PID?", strconv.Itoa(m.Output))
	if err != nil {
		return PID{}, err
	}
	if len(f) != 3 {
		return PID{}, fmt.Errorf("expected 3 PID terms, got %d", len(f))
	}
	return PID{P: f[0], I: f[1], D: f[2]}, nil
}

// SetRamp enables or disables setpoint ramping at rate K/min
func (m *Model372) SetRamp(r Ramp) error {
	return m.s.Write(fmt.Sprintf("RAMP %d,%d,%s", m.Output, b2i(r.Enabled), ftoa(r.Rate)))
}

// Ramp reads the setpoint ramp parameters
func (m *Model372) Ramp() (Ramp, error) {
	f, err := m.s.ReadFloats("RAMP?", strconv.Itoa(m.Output))
	if err != nil {
		return Ramp{}, err
	}
	if len(f) != 2 {
		return Ramp{}, fmt.Errorf("expected 2 RAMP fields, got %d", len(f))
	}
	return Ramp{Enabled: f[0] == 1, Rate: f[1]}, nil
}

// SetSetpoint sets the control setpoint in K
func (m *Model372) SetSetpoint(k temperature.Kelvin) error {
	return m.s.Write(fmt.Sprintf("SETP %d,%s", m.Output, k.Format()))
}

// Setpoint reads the control setpoint in K
func (m *Model372) Setpoint() (temperature.Kelvin, error) {
	f, err := m.s.ReadFloat("SETP?", strconv.Itoa(m.Output))
	return temperature.Kelvin(f), err
}

// SetManualOutput sets the open loop output in percent of the range
func (m *Model372) SetManualOutput(pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("manual output %v%% outside 0-100", pct)
	}
	return m.s.Write(fmt.Sprintf("MOUT %d,%s", m.Output, ftoa(pct)))
}

// ManualOutput reads the open loop output in percent
func (m *Model372) ManualOutput() (float64, error) {
	return m.s.ReadFloat("MOUT?", strconv.Itoa(m.Output))
}

// HeaterOutput reads the sample heater output in percent
func (m *Model372) HeaterOutput() (float64, error) {
	return m.s.ReadFloat("HTR?")
}

// HeaterOff sets the range to off and the output mode to off,
// keeping the rest of the output configuration
func (m *Model372) HeaterOff() error {
	if err := m.SetHeaterRange(RangeOff); err != nil {
		return err
	}
	cfg, err := m.HeaterOutputSettings()
	if err != nil {
		return err
	}
	cfg.Mode = ModeOff
	return m.ConfigureHeater(cfg)
}
