/*Package sequence runs temperature control programs on a Lakeshore controller.

A Program is a list of Steps.  For each step the Sequencer pushes the
step's parameters to the controller, waits for the step's Wait, then
samples every channel at the program Interval for the step's Runtime.
PID control itself happens in the controller firmware; this package only
changes its parameters and records what it reads.

Monitor is the read-only counterpart: it never touches the heater and
samples in back to back runs of fixed length, each into a fresh log.
*/
package sequence

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/cryolab/cryoseq/lakeshore"
	"github.com/cryolab/cryoseq/temperature"
)

// Mode selects how the heater is driven
type Mode string

const (
	// ClosedLoop uses PID settings and a setpoint with a ramp rate
	ClosedLoop Mode = "closed-loop"

	// OpenLoop turns the heater on at a constant manual output, no setpoint
	OpenLoop Mode = "open-loop"
)

const (
	minRampRate = 0.001 // K/min
	maxRampRate = 100
)

// ErrInvalidProgram wraps every validation failure
var ErrInvalidProgram = errors.New("invalid program")

// Step is one entry of a program
type Step struct {
	// Setpoint in K, closed loop only
	Setpoint temperature.Kelvin `koanf:"Setpoint" yaml:"Setpoint"`

	// RampRate of the setpoint in K/min, closed loop only.  Zero disables ramping.
	RampRate float64 `koanf:"RampRate" yaml:"RampRate"`

	// P, I, D are the loop gains, closed loop only
	P float64 `koanf:"P" yaml:"P"`
	I float64 `koanf:"I" yaml:"I"`
	D float64 `koanf:"D" yaml:"D"`

	// ManualOutput is the heater output in percent, open loop only
	ManualOutput float64 `koanf:"ManualOutput" yaml:"ManualOutput"`

	// HeaterRange is the sample heater range, 0 (off) to 8 (100mA)
	HeaterRange lakeshore.HeaterRange `koanf:"HeaterRange" yaml:"HeaterRange"`

	// Runtime is how long the step samples for
	Runtime time.Duration `koanf:"Runtime" yaml:"Runtime"`

	// Wait is how long to wait after applying the step before sampling
	Wait time.Duration `koanf:"Wait" yaml:"Wait"`
}

// PID returns the gains of the step
func (s Step) PID() lakeshore.PID {
	return lakeshore.PID{P: s.P, I: s.I, D: s.D}
}

// Program is a full temperature control sequence
type Program struct {
	Mode Mode `koanf:"Mode" yaml:"Mode"`

	// Channels are the scanner channels sampled on every tick
	Channels []int `koanf:"Channels" yaml:"Channels"`

	// Interval is the time between samples
	Interval time.Duration `koanf:"Interval" yaml:"Interval"`

	// HeaterInput is the channel the heater controls from.
	// Zero uses the first sampled channel.
	HeaterInput int `koanf:"HeaterInput" yaml:"HeaterInput"`

	// HeaterOffOnExit turns the heater off when the program ends or is halted.
	// Otherwise the heater is left on the settings of the last step.
	HeaterOffOnExit bool `koanf:"HeaterOffOnExit" yaml:"HeaterOffOnExit"`

	Steps []Step `koanf:"Steps" yaml:"Steps"`
}

// ControlInput returns the channel the heater is configured to control from
func (p Program) ControlInput() int {
	if p.HeaterInput == 0 && len(p.Channels) > 0 {
		return p.Channels[0]
	}
	return p.HeaterInput
}

// Duration is the total time the program takes, waits included
func (p Program) Duration() time.Duration {
	var d time.Duration
	for _, s := range p.Steps {
		d += s.Wait + s.Runtime
	}
	return d
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalidProgram, fmt.Sprintf(format, args...))
}

// ValidateChannels checks a channel list
func ValidateChannels(channels []int) error {
	if len(channels) == 0 {
		return invalid("no channels to read")
	}
	seen := map[int]bool{}
	for _, ch := range channels {
		if ch < 1 || ch > lakeshore.MaxChannel {
			return invalid("channel %d outside 1-%d", ch, lakeshore.MaxChannel)
		}
		if seen[ch] {
			return invalid("channel %d listed twice", ch)
		}
		seen[ch] = true
	}
	return nil
}

// Validate checks the program before anything is sent to the controller
func (p Program) Validate() error {
	if p.Mode != ClosedLoop && p.Mode != OpenLoop {
		return invalid("mode %q is neither %q nor %q", p.Mode, ClosedLoop, OpenLoop)
	}
	if err := ValidateChannels(p.Channels); err != nil {
		return err
	}
	if p.Interval <= 0 {
		return invalid("sample interval must be positive, got %v", p.Interval)
	}
	if in := p.ControlInput(); in < 1 || in > lakeshore.MaxChannel {
		return invalid("heater input %d outside 1-%d", in, lakeshore.MaxChannel)
	}
	if len(p.Steps) == 0 {
		return invalid("no steps")
	}
	for i, s := range p.Steps {
		if err := p.validateStep(s); err != nil {
			return errors.Wrapf(err, "step %d", i+1)
		}
	}
	return nil
}

func (p Program) validateStep(s Step) error {
	if s.Runtime <= 0 {
		return invalid("runtime must be positive, got %v", s.Runtime)
	}
	if s.Wait < 0 {
		return invalid("wait must not be negative, got %v", s.Wait)
	}
	if !s.HeaterRange.Valid() {
		return invalid("heater range %d outside 0-%d", s.HeaterRange, lakeshore.MaxHeaterRange)
	}
	switch p.Mode {
	case ClosedLoop:
		if s.Setpoint <= 0 {
			return invalid("setpoint must be above 0 K, got %v", s.Setpoint)
		}
		if s.RampRate != 0 && (s.RampRate < minRampRate || s.RampRate > maxRampRate) {
			return invalid("ramp rate %v K/min outside %v-%v", s.RampRate, minRampRate, maxRampRate)
		}
		if err := s.PID().Validate(); err != nil {
			return invalid("%v", err)
		}
	case OpenLoop:
		if s.ManualOutput < 0 || s.ManualOutput > 100 {
			return invalid("manual output %v%% outside 0-100", s.ManualOutput)
		}
	}
	return nil
}
