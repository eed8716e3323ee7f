/*Package datalog records channel readings.

Every tick of a run produces one Sample.  Samples are appended to an
in-memory History (which feeds the live plot and the HTTP readings
endpoint) and handed to a Sink.  The primary Sink is a CSV file; the
SQLite archive, InfluxDB and Prometheus sinks are optional and are fanned
out to with Multi.
*/
package datalog

import (
	"time"

	"github.com/cryolab/cryoseq/temperature"
)

// Sample is one reading of every configured channel
type Sample struct {
	Time time.Time

	// Step is the number of the sequence step the sample was taken in,
	// or the run number for read-only monitoring
	Step int

	Channels []int
	Values   []temperature.Kelvin
}

// Sink receives samples.  Begin is called once before the first Record.
type Sink interface {
	Begin(channels []int) error
	Record(Sample) error
	Close() error
}

// Multi fans out to every sink in order.  All sinks are always called;
// the first error is returned.
type Multi []Sink

// Begin calls Begin on every sink
func (m Multi) Begin(channels []int) error {
	var first error
	for _, s := range m {
		if err := s.Begin(channels); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Record calls Record on every sink
func (m Multi) Record(s Sample) error {
	var first error
	for _, sink := range m {
		if err := sink.Record(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close calls Close on every sink
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
