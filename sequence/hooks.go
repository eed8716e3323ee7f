package sequence

import (
	"time"

	"github.com/cryolab/cryoseq/datalog"
)

// Hooks are called as a program or monitor advances.  Any may be nil.
// For a Monitor the step index is the run number.
type Hooks struct {
	StepStarted  func(step int)
	Waiting      func(step int, d time.Duration)
	Sampling     func(step int, runtime time.Duration, samples int)
	Sampled      func(step int, s datalog.Sample)
	StepFinished func(step int)
}

func (h Hooks) stepStarted(i int) {
	if h.StepStarted != nil {
		h.StepStarted(i)
	}
}

func (h Hooks) waiting(i int, d time.Duration) {
	if h.Waiting != nil {
		h.Waiting(i, d)
	}
}

func (h Hooks) sampling(i int, runtime time.Duration, n int) {
	if h.Sampling != nil {
		h.Sampling(i, runtime, n)
	}
}

func (h Hooks) sampled(i int) func(datalog.Sample) {
	if h.Sampled == nil {
		return nil
	}
	return func(s datalog.Sample) { h.Sampled(i, s) }
}

func (h Hooks) stepFinished(i int) {
	if h.StepFinished != nil {
		h.StepFinished(i)
	}
}
