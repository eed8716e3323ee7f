package sequence

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cryolab/cryoseq/datalog"
	"github.com/cryolab/cryoseq/temperature"
)

// Reader reads a temperature from a scanner channel
type Reader interface {
	KelvinReading(ch int) (temperature.Kelvin, error)
}

// Sampler reads every channel on each tick and records the result
type Sampler struct {
	Reader   Reader
	Channels []int

	// History is optional; the live plot reads from it
	History *datalog.History

	// Sink is optional; CSV, archive and other persisted logs go here
	Sink datalog.Sink

	Clock Clock
}

// Begin resets the history and opens the sink for a new run
func (s *Sampler) Begin() error {
	if s.History != nil {
		s.History.Reset(s.Channels)
	}
	if s.Sink != nil {
		return s.Sink.Begin(s.Channels)
	}
	return nil
}

// Sample reads each channel once.  A read error aborts the sample; nothing
// is recorded for it.
func (s *Sampler) Sample(ctx context.Context, step int) (datalog.Sample, error) {
	smp := datalog.Sample{
		Time:     s.Clock.Now(),
		Step:     step,
		Channels: s.Channels,
		Values:   make([]temperature.Kelvin, len(s.Channels)),
	}
	for i, ch := range s.Channels {
		if err := ctx.Err(); err != nil {
			return smp, err
		}
		k, err := s.Reader.KelvinReading(ch)
		if err != nil {
			return smp, errors.Wrapf(err, "reading channel %d", ch)
		}
		smp.Values[i] = k
	}
	if s.History != nil {
		s.History.Append(smp)
	}
	if s.Sink != nil {
		if err := s.Sink.Record(smp); err != nil {
			return smp, errors.Wrap(err, "recording sample")
		}
	}
	return smp, nil
}

// SampleCount is the number of samples taken in a window of length runtime:
// one at the start and one every interval while time remains.
func SampleCount(runtime, interval time.Duration) int {
	if runtime <= 0 || interval <= 0 {
		return 0
	}
	n := runtime / interval
	if runtime%interval != 0 {
		n++
	}
	return int(n)
}

// window samples every interval for runtime.  Ticks are scheduled from the
// start of the window so slow reads do not accumulate drift.  It returns
// once the full runtime has elapsed.
func (s *Sampler) window(ctx context.Context, step int, interval, runtime time.Duration, sampled func(datalog.Sample)) error {
	start := s.Clock.Now()
	n := SampleCount(runtime, interval)
	for k := 0; k < n; k++ {
		due := start.Add(time.Duration(k) * interval)
		if err := s.Clock.Sleep(ctx, due.Sub(s.Clock.Now())); err != nil {
			return err
		}
		smp, err := s.Sample(ctx, step)
		if err != nil {
			return err
		}
		if sampled != nil {
			sampled(smp)
		}
	}
	return s.Clock.Sleep(ctx, start.Add(runtime).Sub(s.Clock.Now()))
}
