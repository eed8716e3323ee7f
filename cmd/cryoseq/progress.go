package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/theckman/yacspin"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/cryolab/cryoseq/datalog"
)

// progress draws a spinner while waiting and a bar per sampling window
type progress struct {
	p    *mpb.Progress
	bar  *mpb.Bar
	spin *yacspin.Spinner
	out  io.Writer
	log  zerolog.Logger
}

func newProgress(out io.Writer, log zerolog.Logger) *progress {
	return &progress{
		p:   mpb.New(mpb.WithWidth(64), mpb.WithOutput(out), mpb.WithRefreshRate(250*time.Millisecond)),
		out: out,
		log: log,
	}
}

func (pr *progress) waiting(label string, d time.Duration) {
	if d <= 0 {
		return
	}
	spin, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " " + label,
		SuffixAutoColon: true,
		Message:         fmt.Sprintf("waiting %v", d),
		StopCharacter:   "✓",
		StopMessage:     "done waiting",
		Writer:          pr.out,
	})
	if err != nil {
		pr.log.Debug().Err(err).Msg("no spinner")
		return
	}
	if err := spin.Start(); err != nil {
		pr.log.Debug().Err(err).Msg("no spinner")
		return
	}
	pr.spin = spin
}

func (pr *progress) stopSpinner() {
	if pr.spin != nil {
		pr.spin.Stop()
		pr.spin = nil
	}
}

func (pr *progress) sampling(label string, samples int) {
	pr.stopSpinner()
	pr.bar = pr.p.New(int64(samples),
		mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟"),
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DindentRight}),
			decor.CountersNoUnit("%d / %d", decor.WC{W: 9}),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "complete"),
		),
	)
}

func (pr *progress) sampled(s datalog.Sample) {
	if pr.bar != nil {
		pr.bar.Increment()
	}
	ev := pr.log.Debug().Int("step", s.Step)
	for i, ch := range s.Channels {
		ev = ev.Str(fmt.Sprintf("ch%d", ch), s.Values[i].String()).
			Float64(fmt.Sprintf("ch%d_mK", ch), s.Values[i].Millikelvin())
	}
	ev.Msg("sample")
}

func (pr *progress) finished() {
	if pr.bar != nil && !pr.bar.Completed() {
		pr.bar.Abort(false)
	}
	pr.bar = nil
}

// close stops any spinner and waits for the bars to render
func (pr *progress) close() {
	pr.stopSpinner()
	pr.finished()
	pr.p.Wait()
}
