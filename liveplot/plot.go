/*Package liveplot draws the temperature history of a run and serves it.

Each channel gets its own subplot, stacked vertically on a shared time
axis, so channels that differ by orders of magnitude stay readable.
*/
package liveplot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/cryolab/cryoseq/datalog"
)

const (
	// Title heads the plot of a sequenced run
	Title = "Lakeshore Temperature VS Time"

	// ReadOnlyTitle heads the plot of a monitor run
	ReadOnlyTitle = "(READ ONLY) Temp vs Time"

	// TimeFormat labels the time axis
	TimeFormat = "15:04:05"
)

// Options control the look of the rendered image
type Options struct {
	Title string `koanf:"Title" yaml:"Title"`

	// Width and Height in inches
	Width  float64 `koanf:"Width" yaml:"Width"`
	Height float64 `koanf:"Height" yaml:"Height"`
	DPI    int     `koanf:"DPI" yaml:"DPI"`

	// Location the time axis is shown in, time.Local if nil
	Location *time.Location `koanf:"-" yaml:"-"`
}

// DefaultOptions are used for any zero field of Options
var DefaultOptions = Options{Title: Title, Width: 8, Height: 6, DPI: 100}

func (o Options) withDefaults() Options {
	if o.Title == "" {
		o.Title = DefaultOptions.Title
	}
	if o.Width <= 0 {
		o.Width = DefaultOptions.Width
	}
	if o.Height <= 0 {
		o.Height = DefaultOptions.Height
	}
	if o.DPI <= 0 {
		o.DPI = DefaultOptions.DPI
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

func channelPlot(snap datalog.Snapshot, i int, loc *time.Location) (*plot.Plot, error) {
	p := plot.New()
	p.Y.Label.Text = fmt.Sprintf("CH. %d (K)", snap.Channels[i])
	p.X.Tick.Marker = plot.TimeTicks{Format: TimeFormat, Time: plot.UnixTimeIn(loc)}
	p.Add(plotter.NewGrid())
	if len(snap.Times) == 0 {
		return p, nil
	}

	pts := make(plotter.XYs, len(snap.Times))
	for j, t := range snap.Times {
		pts[j].X = float64(t.UnixNano()) / 1e9
		pts[j].Y = snap.Values[i][j]
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.LineStyle.Color = plotutil.Color(i)
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)
	return p, nil
}

// Draw renders the snapshot onto a new image canvas
func Draw(snap datalog.Snapshot, opts Options) (*vgimg.Canvas, error) {
	opts = opts.withDefaults()
	n := len(snap.Channels)
	if n == 0 {
		return nil, errors.New("no channels to plot")
	}

	plots := make([][]*plot.Plot, n)
	for i := range snap.Channels {
		p, err := channelPlot(snap, i, opts.Location)
		if err != nil {
			return nil, errors.Wrapf(err, "plotting channel %d", snap.Channels[i])
		}
		plots[i] = []*plot.Plot{p}
	}
	plots[0][0].Title.Text = opts.Title
	plots[n-1][0].X.Label.Text = "Time"

	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(opts.Width)*vg.Inch, vg.Length(opts.Height)*vg.Inch),
		vgimg.UseDPI(opts.DPI),
	)
	dc := draw.New(c)
	tiles := draw.Tiles{
		Rows:      n,
		Cols:      1,
		PadX:      vg.Millimeter,
		PadY:      vg.Millimeter,
		PadTop:    vg.Points(2),
		PadBottom: vg.Points(2),
		PadLeft:   vg.Points(2),
		PadRight:  vg.Points(2),
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}
	return c, nil
}

// WritePNG renders the snapshot as a PNG to w
func WritePNG(w io.Writer, snap datalog.Snapshot, opts Options) error {
	c, err := Draw(snap, opts)
	if err != nil {
		return err
	}
	_, err = vgimg.PngCanvas{Canvas: c}.WriteTo(w)
	return err
}

// Render returns the snapshot as PNG bytes
func Render(snap datalog.Snapshot, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := WritePNG(&buf, snap, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SavePNG writes the plot next to the log file, with .csv replaced by
// .png.  It returns the path written.
func SavePNG(logfile string, snap datalog.Snapshot, opts Options) (string, error) {
	path := datalog.PlotFilename(logfile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriter(f)
	if err := WritePNG(bw, snap, opts); err != nil {
		f.Close()
		return "", errors.Wrap(err, "rendering plot")
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
