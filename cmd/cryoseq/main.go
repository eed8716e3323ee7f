/*Command cryoseq runs temperature programs on a Lakeshore Model 372.

Usage:
	cryoseq [--config cryoseq.yml] <command>

Commands:
	run      execute the configured program
	monitor  record temperatures without touching the heater
	ident    print the controller identification and a reading per channel
	runs     list the runs in the archive, or dump one channel of a run
	mkconf   write the merged configuration to the config file
	conf     print the merged configuration
	version  print the version
*/
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/knadh/koanf"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/cryolab/cryoseq/datalog"
	"github.com/cryolab/cryoseq/sequence"
	"github.com/cryolab/cryoseq/util"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

// config loads the configuration and applies the flags on top of it
func config(c *cli.Context) (Config, *koanf.Koanf, error) {
	k, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return Config{}, nil, err
	}
	cfg, err := unmarshal(k)
	if err != nil {
		return cfg, k, errors.Wrap(err, "decoding config")
	}
	if c.GlobalBool("mock") {
		cfg.Instrument.Mock = true
	}
	if c.GlobalIsSet("log-level") {
		cfg.LogLevel = c.GlobalString("log-level")
	}
	if c.IsSet("channels") {
		chans, err := util.ParseIntCSV(c.String("channels"))
		if err != nil {
			return cfg, k, err
		}
		cfg.Program.Channels = chans
	}
	if c.IsSet("filename") {
		cfg.Output.Filename = c.String("filename")
	}
	if c.Bool("heater-off") {
		cfg.Program.HeaterOffOnExit = true
	}
	if c.IsSet("runtime") {
		cfg.Monitor.Runtime = c.Duration("runtime")
	}
	if c.IsSet("runs") {
		cfg.Monitor.Runs = c.Int("runs")
	}
	return cfg, k, nil
}

// signalContext is cancelled on Ctrl-C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// execute wraps a run in the config, logger and signal handling shared by
// run and monitor.  A halt by signal is not an error.
func execute(fn func(context.Context, Config, zerolog.Logger) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, _, err := config(c)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		err = fn(ctx, cfg, log)
		if errors.Is(err, context.Canceled) {
			fmt.Println("Program halted")
			return nil
		}
		return err
	}
}

var programFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "channels",
		Usage: "comma separated channels to sample, e.g. 6,9",
	},
	cli.StringFlag{
		Name:  "filename",
		Usage: "log file name, the run number is appended",
	},
}

var runCommand = cli.Command{
	Name:  "run",
	Usage: "execute the configured program",
	Description: `
	Applies each step of the program to the controller, waits, then samples
	every channel at the program interval for the step runtime.  Readings go
	to a numbered CSV log and the live plot.`,
	Flags: append(programFlags, cli.BoolFlag{
		Name:  "heater-off",
		Usage: "turn the heater off when the program ends or is halted",
	}),
	Action: execute(func(ctx context.Context, cfg Config, log zerolog.Logger) error {
		return runProgram(ctx, cfg, os.Stdout, log)
	}),
}

var monitorCommand = cli.Command{
	Name:  "monitor",
	Usage: "record temperatures without touching the heater",
	Description: `
	Samples the configured channels in back to back runs, each logged to a new
	numbered file, until halted or the run count is reached.  Without a custom
	filename the dated default name is prefixed with ReadOnly_.`,
	Flags: append(programFlags,
		cli.DurationFlag{
			Name:  "runtime",
			Usage: "length of each run",
		},
		cli.IntFlag{
			Name:  "runs",
			Usage: "number of runs, 0 runs until halted",
		},
	),
	Action: execute(func(ctx context.Context, cfg Config, log zerolog.Logger) error {
		return runMonitor(ctx, cfg, os.Stdout, log)
	}),
}

var identCommand = cli.Command{
	Name:  "ident",
	Usage: "print the controller identification and a reading per channel",
	Flags: programFlags[:1],
	Action: func(c *cli.Context) error {
		cfg, _, err := config(c)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		if err := sequence.ValidateChannels(cfg.Program.Channels); err != nil {
			return err
		}
		inst := openInstrument(cfg.Instrument, log)
		defer inst.Close()
		id, err := inst.Identification()
		if err != nil {
			return err
		}
		fmt.Println(id)
		for _, ch := range cfg.Program.Channels {
			k, err := inst.KelvinReading(ch)
			if err != nil {
				return err
			}
			fmt.Printf("CH. %d\t%v\n", ch, k)
		}
		return nil
	},
}

var runsCommand = cli.Command{
	Name:  "runs",
	Usage: "list the runs in the archive, or dump one channel of a run",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "id", Usage: "run to dump readings from"},
		cli.IntFlag{Name: "channel", Usage: "channel to dump, with --id"},
	},
	Action: func(c *cli.Context) error {
		cfg, _, err := config(c)
		if err != nil {
			return err
		}
		if cfg.Archive.Path == "" {
			return errors.New("no archive configured")
		}
		a, err := datalog.OpenArchive(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer a.Close()
		if c.IsSet("id") {
			return dumpReadings(os.Stdout, a, c.Int64("id"), c.Int("channel"))
		}
		return listRuns(os.Stdout, a)
	},
}

func listRuns(w io.Writer, a *datalog.Archive) error {
	runs, err := a.Runs()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tMODE\tREADINGS\tLOG")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r.ID, r.Started.Format("2006-01-02 15:04:05"), r.Mode, r.Readings, r.Logfile)
	}
	return tw.Flush()
}

// dumpReadings prints one channel of a run, oldest first
func dumpReadings(w io.Writer, a *datalog.Archive, id int64, ch int) error {
	if ch == 0 {
		return errors.New("--channel is required with --id")
	}
	ts, ks, err := a.Readings(id, ch)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		return errors.Errorf("run %d has no readings on channel %d", id, ch)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TIME\tCH. %d (K)\n", ch)
	for i := range ts {
		fmt.Fprintf(tw, "%s\t%s\n", ts[i].Format("2006-01-02 15:04:05"), ks[i].Format())
	}
	return tw.Flush()
}

var mkconfCommand = cli.Command{
	Name:  "mkconf",
	Usage: "write the merged configuration to the config file",
	Action: func(c *cli.Context) error {
		cfg, _, err := config(c)
		if err != nil {
			return err
		}
		return mkconf(c.GlobalString("config"), cfg)
	},
}

var confCommand = cli.Command{
	Name:  "conf",
	Usage: "print the merged configuration",
	Action: func(c *cli.Context) error {
		cfg, _, err := config(c)
		if err != nil {
			return err
		}
		return writeConfig(os.Stdout, cfg)
	},
}

var versionCommand = cli.Command{
	Name:  "version",
	Usage: "print the version",
	Action: func(c *cli.Context) error {
		fmt.Printf("cryoseq version %v\n", Version)
		return nil
	},
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "cryoseq"
	app.Usage = "run temperature programs on a Lakeshore Model 372"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "config, c",
			Value:     ConfigFileName,
			Usage:     "path to the YAML config file",
			TakesFile: true,
		},
		cli.BoolFlag{
			Name:  "mock",
			Usage: "use a simulated controller",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "trace, debug, info, warn or error",
		},
	}
	app.Commands = []cli.Command{
		runCommand,
		monitorCommand,
		identCommand,
		runsCommand,
		mkconfCommand,
		confCommand,
		versionCommand,
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[cryoseq] %v\n", err)
		os.Exit(1)
	}
}
