package sequence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cryolab/cryoseq/datalog"
)

// DefaultMonitorDelay is the pause before each read-only run
const DefaultMonitorDelay = 10 * time.Second

// Monitor samples without touching the heater.  It performs back to back
// runs of fixed length, each recorded to a sink of its own, until Runs
// runs are done or the context is cancelled.
type Monitor struct {
	Reader   Reader
	Channels []int
	Interval time.Duration
	Runtime  time.Duration

	// Delay is slept before each run starts sampling
	Delay time.Duration

	// Runs is the number of runs; zero runs until cancelled
	Runs int

	// NewSink opens the log for run n, counted from 1.  May be nil.
	NewSink func(n int) (datalog.Sink, error)

	History *datalog.History
	Clock   Clock
	Hooks   Hooks
	Log     zerolog.Logger
}

// Validate checks the monitor settings
func (m *Monitor) Validate() error {
	if err := ValidateChannels(m.Channels); err != nil {
		return err
	}
	if m.Interval <= 0 {
		return invalid("sample interval must be positive, got %v", m.Interval)
	}
	if m.Runtime <= 0 {
		return invalid("runtime must be positive, got %v", m.Runtime)
	}
	if m.Delay < 0 || m.Runs < 0 {
		return invalid("delay and run count must not be negative")
	}
	return nil
}

// Run performs the runs.  It returns ctx.Err() when cancelled, after
// closing the sink of the run in progress.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Clock == nil {
		m.Clock = SystemClock{}
	}
	for n := 1; m.Runs == 0 || n <= m.Runs; n++ {
		if err := m.run(ctx, n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "run %d", n)
		}
	}
	return nil
}

func (m *Monitor) run(ctx context.Context, n int) (err error) {
	m.Hooks.stepStarted(n)
	m.Hooks.waiting(n, m.Delay)
	if err := m.Clock.Sleep(ctx, m.Delay); err != nil {
		return err
	}

	smp := &Sampler{Reader: m.Reader, Channels: m.Channels, History: m.History, Clock: m.Clock}
	if m.NewSink != nil {
		sink, err := m.NewSink(n)
		if err != nil {
			return errors.Wrap(err, "opening log")
		}
		defer func() {
			if cerr := sink.Close(); cerr != nil && err == nil {
				err = errors.Wrap(cerr, "closing log")
			}
		}()
		smp.Sink = sink
	}
	if err := smp.Begin(); err != nil {
		return errors.Wrap(err, "opening log")
	}

	m.Log.Info().Int("run", n).Dur("runtime", m.Runtime).Msg("read only run")
	m.Hooks.sampling(n, m.Runtime, SampleCount(m.Runtime, m.Interval))
	if err := smp.window(ctx, n, m.Interval, m.Runtime, m.Hooks.sampled(n)); err != nil {
		return err
	}
	m.Hooks.stepFinished(n)
	return nil
}
