package datalog

import (
	"sync"
	"time"

	"github.com/cryolab/cryoseq/temperature"
)

// History is the in-memory log of a run.  It keeps the most recent
// capacity samples per channel and is safe for concurrent use, so the
// HTTP server can read it while the sampler appends.
type History struct {
	mu       sync.RWMutex
	channels []int
	times    []time.Time
	values   [][]float64 // [channel index][sample]
	steps    []int
	capacity int
	cursor   int
	filled   bool
}

// NewHistory creates a history for the given channels.  A capacity of
// zero or less keeps every sample.
func NewHistory(channels []int, capacity int) *History {
	h := &History{capacity: capacity}
	h.Reset(channels)
	return h
}

// Reset empties the history and sets the channels it tracks
func (h *History) Reset(channels []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels = append([]int(nil), channels...)
	h.times = nil
	h.steps = nil
	h.values = make([][]float64, len(channels))
	h.cursor = 0
	h.filled = false
}

// Channels returns the channels tracked by the history
func (h *History) Channels() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]int(nil), h.channels...)
}

// Append adds a sample.  Values for channels the history does not track
// are ignored.
func (h *History) Append(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vals := make([]float64, len(h.channels))
	for i, ch := range h.channels {
		for j, sch := range s.Channels {
			if sch == ch && j < len(s.Values) {
				vals[i] = float64(s.Values[j])
			}
		}
	}
	if h.capacity <= 0 || len(h.times) < h.capacity {
		h.times = append(h.times, s.Time)
		h.steps = append(h.steps, s.Step)
		for i := range h.values {
			h.values[i] = append(h.values[i], vals[i])
		}
		return
	}
	h.times[h.cursor] = s.Time
	h.steps[h.cursor] = s.Step
	for i := range h.values {
		h.values[i][h.cursor] = vals[i]
	}
	h.cursor = (h.cursor + 1) % h.capacity
	h.filled = true
}

// Len returns the number of samples held
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.times)
}

// order returns indices from least to most recent; must hold the lock
func (h *History) order() []int {
	n := len(h.times)
	idx := make([]int, n)
	start := 0
	if h.filled {
		start = h.cursor
	}
	for i := range idx {
		idx[i] = (start + i) % n
	}
	return idx
}

// Snapshot is a copy of a History, least recent first
type Snapshot struct {
	Channels []int       `json:"channels"`
	Times    []time.Time `json:"timestamp"`
	Steps    []int       `json:"step"`
	Values   [][]float64 `json:"kelvin"`
}

// Snapshot copies the history out in chronological order
func (h *History) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.order()
	snap := Snapshot{
		Channels: append([]int(nil), h.channels...),
		Times:    make([]time.Time, len(idx)),
		Steps:    make([]int, len(idx)),
		Values:   make([][]float64, len(h.channels)),
	}
	for i := range snap.Values {
		snap.Values[i] = make([]float64, len(idx))
	}
	for out, in := range idx {
		snap.Times[out] = h.times[in]
		snap.Steps[out] = h.steps[in]
		for c := range h.values {
			snap.Values[c][out] = h.values[c][in]
		}
	}
	return snap
}

// Latest returns the most recent sample, false if there is none
func (h *History) Latest() (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.times)
	if n == 0 {
		return Sample{}, false
	}
	i := n - 1
	if h.filled {
		i = (h.cursor - 1 + n) % n
	}
	s := Sample{Time: h.times[i], Step: h.steps[i], Channels: append([]int(nil), h.channels...)}
	for c := range h.values {
		s.Values = append(s.Values, kelvin(h.values[c][i]))
	}
	return s, true
}

func kelvin(f float64) temperature.Kelvin { return temperature.Kelvin(f) }
