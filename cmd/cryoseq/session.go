package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/cryolab/cryoseq/datalog"
	"github.com/cryolab/cryoseq/lakeshore"
	"github.com/cryolab/cryoseq/liveplot"
	"github.com/cryolab/cryoseq/sequence"
	"github.com/cryolab/cryoseq/util"
)

// instrument is a controller the sequencer can drive and the server can read
type instrument interface {
	sequence.Controller
	lakeshore.Reader
	Close() error
}

func openInstrument(cfg Instrument, log zerolog.Logger) instrument {
	if cfg.Mock {
		log.Warn().Msg("using a simulated controller")
		return lakeshore.NewMock372()
	}
	log.Info().Str("addr", cfg.Addr).Bool("serial", cfg.Serial).Msg("connecting to Model 372")
	return lakeshore.NewModel372(cfg.Addr, cfg.Serial)
}

// session ties one sequenced or read-only run to its logs, plot and UI
type session struct {
	cfg      Config
	mode     string
	title    string
	log      zerolog.Logger
	inst     instrument
	hist     *datalog.History
	reg      *prometheus.Registry
	metrics  *datalog.Metrics
	archive  *datalog.Archive
	srv      *liveplot.Server
	progress *progress
	steps    int

	logfile string
}

func newSession(cfg Config, inst instrument, mode, title string, ui io.Writer, log zerolog.Logger) (*session, error) {
	s := &session{
		cfg:      cfg,
		mode:     mode,
		title:    title,
		log:      log,
		inst:     inst,
		hist:     datalog.NewHistory(cfg.Program.Channels, cfg.Plot.Capacity),
		reg:      prometheus.NewRegistry(),
		progress: newProgress(ui, log),
	}
	s.reg.MustRegister(collectors.NewGoCollector())
	m, err := datalog.NewMetrics(s.reg)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	if cfg.Archive.Path != "" {
		a, err := datalog.OpenArchive(cfg.Archive.Path)
		if err != nil {
			return nil, errors.Wrap(err, "opening archive")
		}
		s.archive = a
	}
	s.srv = &liveplot.Server{
		History:    s.hist,
		Options:    s.plotOptions(),
		Controller: inst,
		Gatherer:   s.reg,
		Log:        log,
	}
	return s, nil
}

func (s *session) plotOptions() liveplot.Options {
	return liveplot.Options{
		Title:  s.title,
		Width:  s.cfg.Plot.Width,
		Height: s.cfg.Plot.Height,
		DPI:    s.cfg.Plot.DPI,
	}
}

// serve starts the live plot server if one is configured
func (s *session) serve(ctx context.Context) {
	if s.cfg.Plot.Addr == "" {
		return
	}
	go func() {
		if err := s.srv.ListenAndServe(ctx, s.cfg.Plot.Addr); err != nil {
			s.log.Error().Err(err).Msg("live plot server stopped")
		}
	}()
}

// openSinks creates the log file for a new run and every other sink
// the config enables.  prefix is prepended to the log file name.
func (s *session) openSinks(prefix string) (datalog.Sink, error) {
	now := time.Now()
	s.logfile = datalog.RunFilename(s.cfg.Output.Dir, s.cfg.Output.Filename, prefix, now)
	csv, err := datalog.NewCSV(s.logfile, s.cfg.Output.TimeLayout)
	if err != nil {
		return nil, err
	}
	sinks := datalog.Multi{csv, s.metrics}
	if s.archive != nil {
		run, err := s.archive.NewRun(s.logfile, s.mode, now)
		if err != nil {
			csv.Close()
			return nil, errors.Wrap(err, "archiving run")
		}
		sinks = append(sinks, run)
	}
	if s.cfg.Influx.Enabled() {
		sinks = append(sinks, datalog.NewInflux(s.cfg.Influx, s.logfile, s.log))
	}
	s.log.Info().Str("file", s.logfile).Str("channels", util.IntSliceToCSV(s.cfg.Program.Channels)).Msg("logging")
	return sinks, nil
}

func (s *session) status(state string, step int) {
	s.srv.SetStatus(liveplot.Status{Mode: s.mode, State: state, Step: step, Steps: s.steps, Logfile: s.logfile})
}

func (s *session) savePlot() {
	if !s.cfg.Plot.Save || s.logfile == "" {
		return
	}
	path, err := liveplot.SavePNG(s.logfile, s.hist.Snapshot(), s.plotOptions())
	if err != nil {
		s.log.Error().Err(err).Msg("saving plot")
		return
	}
	s.log.Info().Str("file", path).Msg("plot saved")
}

func (s *session) hooks(unit string) sequence.Hooks {
	label := func(n int) string {
		if s.steps > 0 {
			return fmt.Sprintf("%s %d/%d", unit, n, s.steps)
		}
		return fmt.Sprintf("%s %d", unit, n)
	}
	return sequence.Hooks{
		StepStarted: func(n int) { s.status("configuring", n) },
		Waiting: func(n int, d time.Duration) {
			s.status("waiting", n)
			s.progress.waiting(label(n), d)
		},
		Sampling: func(n int, runtime time.Duration, samples int) {
			s.status("sampling", n)
			s.progress.sampling(label(n), samples)
		},
		Sampled: func(n int, smp datalog.Sample) { s.progress.sampled(smp) },
		StepFinished: func(n int) {
			s.progress.finished()
			s.savePlot()
			s.status("done", n)
		},
	}
}

func (s *session) close() error {
	s.progress.close()
	if s.archive != nil {
		return s.archive.Close()
	}
	return nil
}

// runProgram executes the configured program
func runProgram(ctx context.Context, cfg Config, ui io.Writer, log zerolog.Logger) (err error) {
	p := cfg.Program
	if err := p.Validate(); err != nil {
		return err
	}
	inst := openInstrument(cfg.Instrument, log)
	defer inst.Close()

	s, err := newSession(cfg, inst, string(p.Mode), liveplot.Title, ui, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	s.steps = len(p.Steps)
	s.serve(ctx)

	sink, err := s.openSinks("")
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing log")
		}
	}()

	log.Info().Str("mode", string(p.Mode)).Int("steps", len(p.Steps)).Dur("duration", p.Duration()).Msg("starting program")
	seq := &sequence.Sequencer{
		Program:    p,
		Controller: inst,
		Sampler:    &sequence.Sampler{History: s.hist, Sink: sink},
		Hooks:      s.hooks("step"),
		Log:        log,
	}
	return seq.Run(ctx)
}

// runMonitor records without touching the heater
func runMonitor(ctx context.Context, cfg Config, ui io.Writer, log zerolog.Logger) (err error) {
	inst := openInstrument(cfg.Instrument, log)
	defer inst.Close()

	s, err := newSession(cfg, inst, "read-only", liveplot.ReadOnlyTitle, ui, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	s.steps = cfg.Monitor.Runs
	s.serve(ctx)

	mon := &sequence.Monitor{
		Reader:   inst,
		Channels: cfg.Program.Channels,
		Interval: cfg.Program.Interval,
		Runtime:  cfg.Monitor.Runtime,
		Delay:    cfg.Monitor.Delay,
		Runs:     cfg.Monitor.Runs,
		NewSink:  func(int) (datalog.Sink, error) { return s.openSinks("ReadOnly_") },
		History:  s.hist,
		Hooks:    s.hooks("run"),
		Log:      log,
	}
	return mon.Run(ctx)
}
