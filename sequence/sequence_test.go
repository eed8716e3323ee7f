package sequence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryolab/cryoseq/datalog"
	"github.com/cryolab/cryoseq/lakeshore"
	"github.com/cryolab/cryoseq/temperature"
)

var t0 = time.Date(2021, 3, 4, 14, 0, 0, 0, time.Local)

type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		c.slept = append(c.slept, d)
		c.t = c.t.Add(d)
	}
	return nil
}

// fakeController logs every command in the 372's own syntax
type fakeController struct {
	calls   []string
	rng     lakeshore.HeaterRange
	pid     lakeshore.PID
	sp      temperature.Kelvin
	mout    float64
	readErr error
}

func (f *fakeController) KelvinReading(ch int) (temperature.Kelvin, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	return temperature.Kelvin(0.01 * float64(ch)), nil
}

func (f *fakeController) ConfigureHeater(c lakeshore.HeaterOutputSettings) error {
	f.calls = append(f.calls, fmt.Sprintf("OUTMODE %d,%d", c.Mode, c.Input))
	return nil
}

func (f *fakeController) SetHeaterRange(r lakeshore.HeaterRange) error {
	f.calls = append(f.calls, fmt.Sprintf("RANGE %d", r))
	f.rng = r
	return nil
}

func (f *fakeController) HeaterRange() (lakeshore.HeaterRange, error) { return f.rng, nil }

func (f *fakeController) SetPID(p lakeshore.PID) error {
	f.calls = append(f.calls, fmt.Sprintf("PID %v,%v,%v", p.P, p.I, p.D))
	f.pid = p
	return nil
}

func (f *fakeController) PID() (lakeshore.PID, error) { return f.pid, nil }

func (f *fakeController) SetRamp(r lakeshore.Ramp) error {
	f.calls = append(f.calls, fmt.Sprintf("RAMP %v,%v", r.Enabled, r.Rate))
	return nil
}

func (f *fakeController) SetSetpoint(k temperature.Kelvin) error {
	f.calls = append(f.calls, fmt.Sprintf("SETP %v", float64(k)))
	f.sp = k
	return nil
}

func (f *fakeController) Setpoint() (temperature.Kelvin, error) { return f.sp, nil }

func (f *fakeController) SetManualOutput(pct float64) error {
	f.calls = append(f.calls, fmt.Sprintf("MOUT %v", pct))
	f.mout = pct
	return nil
}

func (f *fakeController) ManualOutput() (float64, error) { return f.mout, nil }

func (f *fakeController) HeaterOff() error {
	f.calls = append(f.calls, "HEATER OFF")
	return nil
}

type memSink struct {
	channels []int
	samples  []datalog.Sample
	closed   bool
}

func (m *memSink) Begin(channels []int) error { m.channels = channels; return nil }

func (m *memSink) Record(s datalog.Sample) error {
	m.samples = append(m.samples, s)
	return nil
}

func (m *memSink) Close() error { m.closed = true; return nil }

func closedLoop() Program {
	return Program{
		Mode:     ClosedLoop,
		Channels: []int{6, 9},
		Interval: 10 * time.Second,
		Steps: []Step{
			{Setpoint: 0.015, RampRate: 0.01, P: 60, I: 30, D: 6, HeaterRange: 3, Runtime: 30 * time.Second, Wait: time.Minute},
			{Setpoint: 0.02, P: 60, I: 30, HeaterRange: 4, Runtime: 25 * time.Second},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Program)
	}{
		{"bad mode", func(p *Program) { p.Mode = "auto" }},
		{"no channels", func(p *Program) { p.Channels = nil }},
		{"channel 17", func(p *Program) { p.Channels = []int{17} }},
		{"duplicate channel", func(p *Program) { p.Channels = []int{6, 6} }},
		{"zero interval", func(p *Program) { p.Interval = 0 }},
		{"bad heater input", func(p *Program) { p.HeaterInput = 20 }},
		{"no steps", func(p *Program) { p.Steps = nil }},
		{"zero runtime", func(p *Program) { p.Steps[0].Runtime = 0 }},
		{"negative wait", func(p *Program) { p.Steps[1].Wait = -time.Second }},
		{"range 9", func(p *Program) { p.Steps[0].HeaterRange = 9 }},
		{"zero setpoint", func(p *Program) { p.Steps[0].Setpoint = 0 }},
		{"ramp too fast", func(p *Program) { p.Steps[0].RampRate = 200 }},
		{"P too large", func(p *Program) { p.Steps[1].P = 2000 }},
	}
	require.NoError(t, closedLoop().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := closedLoop()
			p.Steps = append([]Step(nil), p.Steps...)
			tt.edit(&p)
			err := p.Validate()
			assert.ErrorIs(t, err, ErrInvalidProgram)
		})
	}
}

func TestValidateOpenLoopIgnoresPID(t *testing.T) {
	p := Program{
		Mode:     OpenLoop,
		Channels: []int{6},
		Interval: time.Second,
		Steps:    []Step{{ManualOutput: 15, HeaterRange: 5, Runtime: time.Minute, P: 5000}},
	}
	require.NoError(t, p.Validate())
	p.Steps[0].ManualOutput = 150
	assert.ErrorIs(t, p.Validate(), ErrInvalidProgram)
}

func TestControlInputDefaultsToFirstChannel(t *testing.T) {
	p := closedLoop()
	assert.Equal(t, 6, p.ControlInput())
	p.HeaterInput = 9
	assert.Equal(t, 9, p.ControlInput())
	assert.Equal(t, 115*time.Second, p.Duration())
}

func TestSampleCount(t *testing.T) {
	assert.Equal(t, 3, SampleCount(30*time.Second, 10*time.Second))
	assert.Equal(t, 3, SampleCount(25*time.Second, 10*time.Second))
	assert.Equal(t, 1, SampleCount(5*time.Second, 10*time.Second))
	assert.Equal(t, 0, SampleCount(0, 10*time.Second))
}

func newSequencer(p Program) (*Sequencer, *fakeController, *fakeClock, *memSink) {
	ctl := &fakeController{}
	clk := &fakeClock{t: t0}
	sink := &memSink{}
	hist := datalog.NewHistory(nil, 0)
	s := &Sequencer{
		Program:    p,
		Controller: ctl,
		Sampler:    &Sampler{History: hist, Sink: sink, Clock: clk},
		Log:        zerolog.Nop(),
	}
	return s, ctl, clk, sink
}

func TestClosedLoopRun(t *testing.T) {
	s, ctl, clk, sink := newSequencer(closedLoop())
	var finished []int
	s.Hooks.StepFinished = func(n int) { finished = append(finished, n) }

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []string{
		"OUTMODE 5,6",
		"RANGE 3", "PID 60,30,6", "RAMP true,0.01", "SETP 0.015",
		"RANGE 4", "PID 60,30,0", "RAMP false,0.001", "SETP 0.02",
	}, ctl.calls)
	assert.Equal(t, []int{1, 2}, finished)
	assert.Equal(t, []int{6, 9}, sink.channels)

	require.Len(t, sink.samples, 6)
	want := []time.Duration{60, 70, 80, 90, 100, 110}
	for i, smp := range sink.samples {
		assert.Equal(t, t0.Add(want[i]*time.Second), smp.Time, "sample %d", i)
	}
	assert.Equal(t, 1, sink.samples[2].Step)
	assert.Equal(t, 2, sink.samples[3].Step)
	assert.InDelta(t, 0.09, float64(sink.samples[0].Values[1]), 1e-12)

	// each step lasts its full runtime
	assert.Equal(t, t0.Add(115*time.Second), clk.Now())
	assert.Equal(t, 6, s.Sampler.History.Len())
	assert.False(t, sink.closed, "the caller owns the sink")
}

func TestOpenLoopRun(t *testing.T) {
	p := Program{
		Mode:            OpenLoop,
		Channels:        []int{6},
		Interval:        time.Second,
		HeaterOffOnExit: true,
		Steps:           []Step{{ManualOutput: 15, HeaterRange: 5, Runtime: 3 * time.Second}},
	}
	s, ctl, _, sink := newSequencer(p)
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"OUTMODE 2,6", "RANGE 5", "MOUT 15", "HEATER OFF"}, ctl.calls)
	assert.Len(t, sink.samples, 3)
}

func TestInvalidProgramTouchesNothing(t *testing.T) {
	p := closedLoop()
	p.Interval = 0
	s, ctl, _, _ := newSequencer(p)
	assert.ErrorIs(t, s.Run(context.Background()), ErrInvalidProgram)
	assert.Empty(t, ctl.calls)
}

func TestCancelTurnsHeaterOff(t *testing.T) {
	p := closedLoop()
	p.HeaterOffOnExit = true
	s, ctl, _, sink := newSequencer(p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Hooks.Sampled = func(int, datalog.Sample) { cancel() }

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sink.samples, 1)
	assert.Equal(t, "HEATER OFF", ctl.calls[len(ctl.calls)-1])
}

func TestReadErrorAbortsRun(t *testing.T) {
	s, ctl, _, sink := newSequencer(closedLoop())
	ctl.readErr = lakeshore.ErrBadChannel
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lakeshore.ErrBadChannel)
	assert.Contains(t, err.Error(), "step 1")
	assert.Contains(t, err.Error(), "reading channel 6")
	assert.Empty(t, sink.samples)
}

func TestRunAgainstMock(t *testing.T) {
	clk := &fakeClock{t: t0}
	mock := lakeshore.NewMock372()
	mock.Now = clk.Now
	p := Program{
		Mode:     ClosedLoop,
		Channels: []int{6},
		Interval: time.Minute,
		Steps:    []Step{{Setpoint: 0.05, RampRate: 0.01, P: 10, I: 10, HeaterRange: 5, Runtime: 10 * time.Minute}},
	}
	sink := &memSink{}
	s := &Sequencer{Program: p, Controller: mock, Sampler: &Sampler{Sink: sink, Clock: clk}, Log: zerolog.Nop()}
	require.NoError(t, s.Run(context.Background()))
	require.Len(t, sink.samples, 10)
	first, last := sink.samples[0].Values[0], sink.samples[9].Values[0]
	assert.Greater(t, float64(last), float64(first), "setpoint ramp should warm the stage")
}

func TestMonitorRuns(t *testing.T) {
	clk := &fakeClock{t: t0}
	var sinks []*memSink
	var saved []int
	m := &Monitor{
		Reader:   &fakeController{},
		Channels: []int{6, 9},
		Interval: 10 * time.Second,
		Runtime:  time.Minute,
		Delay:    DefaultMonitorDelay,
		Runs:     2,
		NewSink: func(n int) (datalog.Sink, error) {
			s := &memSink{}
			sinks = append(sinks, s)
			return s, nil
		},
		History: datalog.NewHistory(nil, 0),
		Clock:   clk,
		Hooks:   Hooks{StepFinished: func(n int) { saved = append(saved, n) }},
		Log:     zerolog.Nop(),
	}
	require.NoError(t, m.Run(context.Background()))
	require.Len(t, sinks, 2)
	for _, s := range sinks {
		assert.Len(t, s.samples, 6)
		assert.True(t, s.closed)
	}
	assert.Equal(t, []int{1, 2}, saved)
	assert.Equal(t, t0.Add(10*time.Second), sinks[0].samples[0].Time)
	assert.Equal(t, t0.Add(80*time.Second), sinks[1].samples[0].Time)
	assert.Equal(t, 6, m.History.Len(), "history holds only the current run")
}

func TestMonitorCancelClosesLog(t *testing.T) {
	clk := &fakeClock{t: t0}
	sink := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &Monitor{
		Reader:   &fakeController{},
		Channels: []int{6},
		Interval: time.Second,
		Runtime:  time.Minute,
		NewSink:  func(int) (datalog.Sink, error) { return sink, nil },
		Clock:    clk,
		Hooks:    Hooks{Sampled: func(int, datalog.Sample) { cancel() }},
		Log:      zerolog.Nop(),
	}
	assert.ErrorIs(t, m.Run(ctx), context.Canceled)
	assert.True(t, sink.closed)
	assert.Len(t, sink.samples, 1)
}

func TestMonitorValidate(t *testing.T) {
	m := &Monitor{Channels: []int{6}, Interval: time.Second}
	assert.ErrorIs(t, m.Run(context.Background()), ErrInvalidProgram)
}
