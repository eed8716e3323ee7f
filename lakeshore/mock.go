package lakeshore

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cryolab/cryoseq/temperature"
)

const (
	// mockBase is the temperature the mock settles to with the heater off
	mockBase = temperature.Kelvin(0.008)

	// mockTau is the time constant for unramped setpoint changes
	mockTau = 30 * time.Second

	// mockNoise is the relative noise on every reading
	mockNoise = 1e-3
)

// Mock372 is an in-process stand-in for a Model 372.  Temperatures follow
// the setpoint (or the manual output in open loop) with a first order lag,
// or linearly when ramping is enabled.
type Mock372 struct {
	sync.Mutex

	// Now is the clock used by the simulation, time.Now if nil
	Now func() time.Time

	settings HeaterOutputSettings
	rng      HeaterRange
	pid      PID
	ramp     Ramp
	setpoint temperature.Kelvin
	manual   float64

	from    temperature.Kelvin // temperature when the target last changed
	changed time.Time
}

// NewMock372 returns a mock controller sitting at base temperature
func NewMock372() *Mock372 {
	return &Mock372{from: mockBase, setpoint: mockBase, pid: PID{P: 10, I: 20}}
}

func (m *Mock372) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// target must be called with the lock held
func (m *Mock372) target() temperature.Kelvin {
	if m.rng == RangeOff {
		return mockBase
	}
	switch m.settings.Mode {
	case ModeClosedLoop:
		return m.setpoint
	case ModeOpenLoop:
		return mockBase + temperature.Kelvin(m.manual/100*float64(m.rng)*0.005)
	}
	return mockBase
}

// current must be called with the lock held
func (m *Mock372) current() temperature.Kelvin {
	if m.changed.IsZero() {
		return m.from
	}
	dt := m.now().Sub(m.changed)
	tgt := m.target()
	delta := float64(tgt - m.from)
	if m.ramp.Enabled && m.ramp.Rate > 0 && m.settings.Mode == ModeClosedLoop && m.rng != RangeOff {
		moved := m.ramp.Rate * dt.Minutes()
		if moved >= math.Abs(delta) {
			return tgt
		}
		return m.from + temperature.Kelvin(math.Copysign(moved, delta))
	}
	return tgt - temperature.Kelvin(delta*math.Exp(-dt.Seconds()/mockTau.Seconds()))
}

// retarget must be called with the lock held, before the state changes
func (m *Mock372) retarget() {
	m.from = m.current()
	m.changed = m.now()
}

// Identification returns a fake identification string
func (m *Mock372) Identification() (string, error) {
	return "LSCI,MODEL372,MOCK,1.0", nil
}

// KelvinReading returns the simulated temperature, slightly noisy.
// Channels other than the control input read a little warmer.
func (m *Mock372) KelvinReading(ch int) (temperature.Kelvin, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	m.Lock()
	defer m.Unlock()
	t := float64(m.current())
	if ch != m.settings.Input {
		t *= 1 + 0.01*float64(ch)
	}
	t *= 1 + mockNoise*(rand.Float64()*2-1)
	return temperature.Kelvin(t), nil
}

// ConfigureHeater sets the simulated output mode
func (m *Mock372) ConfigureHeater(cfg HeaterOutputSettings) error {
	m.Lock()
	defer m.Unlock()
	m.retarget()
	m.settings = cfg
	return nil
}

// HeaterOutputSettings returns the simulated output mode
func (m *Mock372) HeaterOutputSettings() (HeaterOutputSettings, error) {
	m.Lock()
	defer m.Unlock()
	return m.settings, nil
}

// SetHeaterRange sets the simulated range
func (m *Mock372) SetHeaterRange(r HeaterRange) error {
	if !r.Valid() {
		return fmt.Errorf("heater range %d outside 0-%d", r, MaxHeaterRange)
	}
	m.Lock()
	defer m.Unlock()
	m.retarget()
	m.rng = r
	return nil
}

// HeaterRange returns the simulated range
func (m *Mock372) HeaterRange() (HeaterRange, error) {
	m.Lock()
	defer m.Unlock()
	return m.rng, nil
}

// SetPID stores the gains; the simulation ignores them
func (m *Mock372) SetPID(p PID) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.pid = p
	return nil
}

// PID returns the stored gains
func (m *Mock372) PID() (PID, error) {
	m.Lock()
	defer m.Unlock()
	return m.pid, nil
}

// SetRamp sets the simulated ramp
func (m *Mock372) SetRamp(r Ramp) error {
	m.Lock()
	defer m.Unlock()
	m.retarget()
	m.ramp = r
	return nil
}

// Ramp returns the simulated ramp
func (m *Mock372) Ramp() (Ramp, error) {
	m.Lock()
	defer m.Unlock()
	return m.ramp, nil
}

// SetSetpoint sets the simulated setpoint
func (m *Mock372) SetSetpoint(k temperature.Kelvin) error {
	m.Lock()
	defer m.Unlock()
	m.retarget()
	m.setpoint = k
	return nil
}

// Setpoint returns the simulated setpoint
func (m *Mock372) Setpoint() (temperature.Kelvin, error) {
	m.Lock()
	defer m.Unlock()
	return m.setpoint, nil
}

// SetManualOutput sets the simulated open loop output
func (m *Mock372) SetManualOutput(pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("manual output %v%% outside 0-100", pct)
	}
	m.Lock()
	defer m.Unlock()
	m.retarget()
	m.manual = pct
	return nil
}

// ManualOutput returns the simulated open loop output
func (m *Mock372) ManualOutput() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.manual, nil
}

// HeaterOutput returns the manual output in open loop and a rough
// estimate of the effort in closed loop
func (m *Mock372) HeaterOutput() (float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.rng == RangeOff {
		return 0, nil
	}
	switch m.settings.Mode {
	case ModeOpenLoop:
		return m.manual, nil
	case ModeClosedLoop:
		return math.Min(100, math.Max(0, float64(m.setpoint-mockBase)*1e3)), nil
	}
	return 0, nil
}

// HeaterOff turns the simulated heater off
func (m *Mock372) HeaterOff() error {
	m.Lock()
	defer m.Unlock()
	m.retarget()
	m.rng = RangeOff
	m.settings.Mode = ModeOff
	return nil
}

// Close is a no-op
func (m *Mock372) Close() error {
	return nil
}
