package datalog

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the latest readings as Prometheus gauges
type Metrics struct {
	temperature *prometheus.GaugeVec
	step        prometheus.Gauge
	samples     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cryoseq",
			Name:      "channel_temperature_kelvin",
			Help:      "Most recent temperature reading of a Lakeshore channel.",
		}, []string{"channel"}),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cryoseq",
			Name:      "step",
			Help:      "Index of the sequence step being sampled, or the monitor run number.",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryoseq",
			Name:      "samples_total",
			Help:      "Number of samples taken.",
		}),
	}
	for _, c := range []prometheus.Collector{m.temperature, m.step, m.samples} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Begin is a no-op
func (m *Metrics) Begin(channels []int) error {
	return nil
}

// Record updates the gauges
func (m *Metrics) Record(s Sample) error {
	for i, ch := range s.Channels {
		if i >= len(s.Values) {
			break
		}
		m.temperature.WithLabelValues(strconv.Itoa(ch)).Set(float64(s.Values[i]))
	}
	m.step.Set(float64(s.Step))
	m.samples.Inc()
	return nil
}

// Close is a no-op; the collectors stay registered for the life of the process
func (m *Metrics) Close() error {
	return nil
}
