package datalog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeLayout is the layout of the time column, local wall clock
// to the second
const DefaultTimeLayout = "15:04:05"

// CSV writes one row per sample to a file, flushing after every row so
// the file is current if the run is interrupted
type CSV struct {
	path   string
	layout string
	f      *os.File
	w      *csv.Writer
}

// NewCSV creates (truncating) the file at path.  An empty layout uses
// DefaultTimeLayout.
func NewCSV(path, layout string) (*CSV, error) {
	if layout == "" {
		layout = DefaultTimeLayout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating log file")
	}
	return &CSV{path: path, layout: layout, f: f, w: csv.NewWriter(f)}, nil
}

// Path returns the path of the file being written
func (c *CSV) Path() string {
	return c.path
}

// Header returns the header row for the channels
func Header(channels []int) []string {
	row := []string{"Time:"}
	for _, ch := range channels {
		row = append(row, fmt.Sprintf("CH. %d (K):", ch))
	}
	return row
}

// Begin writes the header row
func (c *CSV) Begin(channels []int) error {
	return c.write(Header(channels))
}

// Record writes a row for the sample
func (c *CSV) Record(s Sample) error {
	row := make([]string, 0, len(s.Values)+1)
	row = append(row, s.Time.Format(c.layout))
	for _, v := range s.Values {
		row = append(row, v.Format())
	}
	return c.write(row)
}

func (c *CSV) write(row []string) error {
	if err := c.w.Write(row); err != nil {
		return errors.Wrapf(err, "writing %s", c.path)
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the file
func (c *CSV) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

// RunFilename returns the first unused numbered log file name in dir.
// With an empty name the base is <prefix>LakeshoreTemp(MM-DD-YY), dated
// by now; a custom name is used as given and prefix is ignored.
// Run numbers start at 1: "Lakeshore Data/LakeshoreTemp(10-19-26)_1.csv".
func RunFilename(dir, name, prefix string, now time.Time) string {
	name = strings.TrimSuffix(name, ".csv")
	if name == "" {
		name = prefix + "LakeshoreTemp(" + now.Format("01-02-06") + ")"
	}
	base := filepath.Join(dir, name)
	for run := 1; ; run++ {
		fn := base + "_" + strconv.Itoa(run) + ".csv"
		if _, err := os.Stat(fn); os.IsNotExist(err) {
			return fn
		}
	}
}

// PlotFilename replaces the .csv extension of a log file with .png
func PlotFilename(logfile string) string {
	return strings.TrimSuffix(logfile, filepath.Ext(logfile)) + ".png"
}
