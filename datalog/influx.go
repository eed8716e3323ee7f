package datalog

import (
	"strconv"

	influx "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

// InfluxConfig locates an InfluxDB v2 bucket
type InfluxConfig struct {
	URL    string `koanf:"URL" yaml:"URL"`
	Token  string `koanf:"Token" yaml:"Token"`
	Org    string `koanf:"Org" yaml:"Org"`
	Bucket string `koanf:"Bucket" yaml:"Bucket"`
}

// Enabled is true when a URL is configured
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// Influx writes samples as points of the "temperature" measurement,
// tagged by channel and run.  Writes are asynchronous and batched by the
// client; write errors are logged, not returned.
type Influx struct {
	client influx.Client
	write  api.WriteAPI
	run    string
}

// NewInflux connects to the bucket described by cfg.  run tags every point,
// typically with the log file name.
func NewInflux(cfg InfluxConfig, run string, log zerolog.Logger) *Influx {
	client := influx.NewClientWithOptions(cfg.URL, cfg.Token, influx.DefaultOptions().SetBatchSize(20))
	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	i := &Influx{client: client, write: w, run: run}
	go func() {
		for err := range w.Errors() {
			log.Error().Err(err).Msg("could not write to influxdb")
		}
	}()
	return i
}

// Begin is a no-op
func (i *Influx) Begin(channels []int) error {
	return nil
}

// Record queues one point per channel
func (i *Influx) Record(s Sample) error {
	for j, ch := range s.Channels {
		if j >= len(s.Values) {
			break
		}
		p := influx.NewPoint(
			"temperature",
			map[string]string{
				"channel": strconv.Itoa(ch),
				"run":     i.run,
			},
			map[string]interface{}{
				"kelvin": float64(s.Values[j]),
				"step":   s.Step,
			},
			s.Time,
		)
		// write asynchronously
		i.write.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and closes the client
func (i *Influx) Close() error {
	i.write.Flush()
	i.client.Close()
	return nil
}
