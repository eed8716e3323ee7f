package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"

	yml "gopkg.in/yaml.v2"

	"github.com/cryolab/cryoseq/datalog"
	"github.com/cryolab/cryoseq/lakeshore"
	"github.com/cryolab/cryoseq/sequence"
)

const (
	// ConfigFileName is what it sounds like
	ConfigFileName = "cryoseq.yml"

	// EnvPrefix starts every environment variable that overrides the config,
	// e.g. CRYOSEQ_INSTRUMENT_ADDR=192.168.0.12
	EnvPrefix = "CRYOSEQ_"
)

// Instrument says how to reach the controller
type Instrument struct {
	// Addr is the network address (host or host:port) or the serial port
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// Mock uses a simulated controller instead of hardware
	Mock bool `koanf:"Mock" yaml:"Mock"`
}

// Output controls the log files
type Output struct {
	Dir string `koanf:"Dir" yaml:"Dir"`

	// Filename replaces the dated default name; the run number is still appended
	Filename string `koanf:"Filename" yaml:"Filename"`

	// TimeLayout formats the time column, Go reference time layout
	TimeLayout string `koanf:"TimeLayout" yaml:"TimeLayout"`
}

// Plot controls the live plot
type Plot struct {
	// Addr serves the live plot over HTTP, empty for none
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Save writes a PNG beside the log after each step
	Save bool `koanf:"Save" yaml:"Save"`

	// Capacity is the number of samples held in memory, 0 for all
	Capacity int `koanf:"Capacity" yaml:"Capacity"`

	Width  float64 `koanf:"Width" yaml:"Width"`
	Height float64 `koanf:"Height" yaml:"Height"`
	DPI    int     `koanf:"DPI" yaml:"DPI"`
}

// Archive controls the SQLite run archive
type Archive struct {
	// Path of the database, empty for none
	Path string `koanf:"Path" yaml:"Path"`
}

// Monitor holds the read-only mode settings
type Monitor struct {
	Runtime time.Duration `koanf:"Runtime" yaml:"Runtime"`
	Delay   time.Duration `koanf:"Delay" yaml:"Delay"`

	// Runs is the number of runs, 0 runs until halted
	Runs int `koanf:"Runs" yaml:"Runs"`
}

// Config is the complete configuration of cryoseq
type Config struct {
	Instrument Instrument           `koanf:"Instrument" yaml:"Instrument"`
	Output     Output               `koanf:"Output" yaml:"Output"`
	Plot       Plot                 `koanf:"Plot" yaml:"Plot"`
	Archive    Archive              `koanf:"Archive" yaml:"Archive"`
	Influx     datalog.InfluxConfig `koanf:"Influx" yaml:"Influx"`
	Monitor    Monitor              `koanf:"Monitor" yaml:"Monitor"`

	// LogLevel is one of trace, debug, info, warn, error
	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`

	Program sequence.Program `koanf:"Program" yaml:"Program"`
}

// DefaultConfig is a short closed loop program against a controller
// on the default address
func DefaultConfig() Config {
	return Config{
		Instrument: Instrument{Addr: "192.168.0.12:" + lakeshore.DefaultPort},
		Output:     Output{Dir: "Lakeshore Data", TimeLayout: datalog.DefaultTimeLayout},
		Plot:       Plot{Addr: ":8372", Save: true, Width: 8, Height: 6, DPI: 100},
		Monitor:    Monitor{Runtime: time.Hour, Delay: sequence.DefaultMonitorDelay},
		LogLevel:   "info",
		Program: sequence.Program{
			Mode:     sequence.ClosedLoop,
			Channels: []int{6},
			Interval: 10 * time.Second,
			Steps: []sequence.Step{
				{Setpoint: 0.015, RampRate: 0.01, P: 60, I: 30, HeaterRange: 3, Runtime: 30 * time.Minute},
				{Setpoint: 0.025, RampRate: 0.01, P: 60, I: 30, HeaterRange: 4, Runtime: 30 * time.Minute, Wait: 5 * time.Minute},
			},
		},
	}
}

// envKeys maps environment variables onto keys already present in k.
// CRYOSEQ_PLOT_ADDR sets Plot.Addr; variables naming no known key are dropped.
func envKeys(k *koanf.Koanf) func(string) string {
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(strings.Replace(key, ".", "_", -1))] = key
	}
	return func(s string) string {
		return known[strings.ToLower(strings.TrimPrefix(s, EnvPrefix))]
	}
}

// loadConfig layers the defaults, the config file at path and the
// environment, in that order.  A missing file is not an error.
func loadConfig(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "loading defaults")
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(errors.Cause(err)) && !strings.Contains(err.Error(), "no such") {
			return nil, errors.Wrapf(err, "loading %s", path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKeys(k)), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment")
	}
	return k, nil
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

// writeConfig encodes c as YAML
func writeConfig(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// mkconf writes the merged configuration to path
func mkconf(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeConfig(f, c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
