package sequence

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cryolab/cryoseq/lakeshore"
	"github.com/cryolab/cryoseq/temperature"
)

// Controller is the part of a temperature controller the sequencer drives.
// Both lakeshore.Model372 and lakeshore.Mock372 satisfy it.
type Controller interface {
	Reader
	ConfigureHeater(lakeshore.HeaterOutputSettings) error
	SetHeaterRange(lakeshore.HeaterRange) error
	HeaterRange() (lakeshore.HeaterRange, error)
	SetPID(lakeshore.PID) error
	PID() (lakeshore.PID, error)
	SetRamp(lakeshore.Ramp) error
	SetSetpoint(temperature.Kelvin) error
	Setpoint() (temperature.Kelvin, error)
	SetManualOutput(pct float64) error
	ManualOutput() (float64, error)
	HeaterOff() error
}

// Sequencer runs a Program.  Steps are numbered from 1 in hooks, logs and
// recorded samples.
type Sequencer struct {
	Program    Program
	Controller Controller
	Sampler    *Sampler
	Hooks      Hooks
	Log        zerolog.Logger
}

// Run validates the program, configures the heater and executes every step
// in order.  It returns ctx.Err() if the context is cancelled.  The sink of
// the sampler is opened here but left for the caller to close.
func (s *Sequencer) Run(ctx context.Context) (err error) {
	p := s.Program
	if err := p.Validate(); err != nil {
		return err
	}
	if s.Sampler == nil {
		s.Sampler = &Sampler{}
	}
	if s.Sampler.Clock == nil {
		s.Sampler.Clock = SystemClock{}
	}
	s.Sampler.Reader = s.Controller
	s.Sampler.Channels = p.Channels

	if p.HeaterOffOnExit {
		defer func() {
			if herr := s.Controller.HeaterOff(); herr != nil {
				s.Log.Error().Err(herr).Msg("turning heater off")
				if err == nil {
					err = herr
				}
				return
			}
			s.Log.Info().Msg("heater off")
		}()
	}

	if err := s.configure(); err != nil {
		return err
	}
	if err := s.Sampler.Begin(); err != nil {
		return errors.Wrap(err, "opening log")
	}
	for i, step := range p.Steps {
		if err := s.runStep(ctx, i+1, step); err != nil {
			return err
		}
	}
	s.Log.Info().Int("steps", len(p.Steps)).Msg("program complete")
	return nil
}

func (s *Sequencer) configure() error {
	mode := lakeshore.ModeClosedLoop
	if s.Program.Mode == OpenLoop {
		mode = lakeshore.ModeOpenLoop
	}
	cfg := lakeshore.HeaterOutputSettings{
		Mode:          mode,
		Input:         s.Program.ControlInput(),
		PowerupEnable: true,
		Polarity:      lakeshore.Unipolar,
		Delay:         1,
	}
	if err := s.Controller.ConfigureHeater(cfg); err != nil {
		return errors.Wrap(err, "configuring heater")
	}
	s.Log.Info().Str("mode", mode.String()).Int("input", cfg.Input).Msg("heater configured")
	return nil
}

func (s *Sequencer) runStep(ctx context.Context, n int, step Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Hooks.stepStarted(n)
	if err := s.apply(n, step); err != nil {
		return errors.Wrapf(err, "step %d", n)
	}

	s.Hooks.waiting(n, step.Wait)
	if step.Wait > 0 {
		s.Log.Info().Int("step", n).Dur("wait", step.Wait).Msg("waiting")
	}
	if err := s.Sampler.Clock.Sleep(ctx, step.Wait); err != nil {
		return err
	}

	s.Hooks.sampling(n, step.Runtime, SampleCount(step.Runtime, s.Program.Interval))
	s.Log.Info().Int("step", n).Dur("runtime", step.Runtime).Msg("sampling")
	if err := s.Sampler.window(ctx, n, s.Program.Interval, step.Runtime, s.Hooks.sampled(n)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "step %d", n)
	}
	s.Hooks.stepFinished(n)
	return nil
}

// apply pushes the parameters of a step to the controller.  Range, PID,
// setpoint and manual output are read back and logged.
func (s *Sequencer) apply(n int, step Step) error {
	c := s.Controller
	log := s.Log.With().Int("step", n).Logger()

	if err := c.SetHeaterRange(step.HeaterRange); err != nil {
		return errors.Wrap(err, "setting heater range")
	}
	r, err := c.HeaterRange()
	if err != nil {
		return errors.Wrap(err, "reading heater range")
	}
	log.Info().Str("range", r.String()).Msg("heater range set")

	if s.Program.Mode == OpenLoop {
		if err := c.SetManualOutput(step.ManualOutput); err != nil {
			return errors.Wrap(err, "setting manual output")
		}
		out, err := c.ManualOutput()
		if err != nil {
			return errors.Wrap(err, "reading manual output")
		}
		log.Info().Float64("percent", out).Msg("manual output set")
		return nil
	}

	if err := c.SetPID(step.PID()); err != nil {
		return errors.Wrap(err, "setting PID")
	}
	pid, err := c.PID()
	if err != nil {
		return errors.Wrap(err, "reading PID")
	}
	log.Info().Float64("P", pid.P).Float64("I", pid.I).Float64("D", pid.D).Msg("PID set")

	// the 372 rejects a zero rate even with ramping off
	ramp := lakeshore.Ramp{Rate: minRampRate}
	if step.RampRate > 0 {
		ramp = lakeshore.Ramp{Enabled: true, Rate: step.RampRate}
	}
	if err := c.SetRamp(ramp); err != nil {
		return errors.Wrap(err, "setting ramp")
	}
	if err := c.SetSetpoint(step.Setpoint); err != nil {
		return errors.Wrap(err, "setting setpoint")
	}
	sp, err := c.Setpoint()
	if err != nil {
		return errors.Wrap(err, "reading setpoint")
	}
	log.Info().Str("setpoint", sp.String()).Float64("ramp", step.RampRate).Msg("setpoint set")
	return nil
}
