package datalog

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryolab/cryoseq/temperature"
)

func sampleAt(sec int, step int, vals ...float64) Sample {
	s := Sample{
		Time:     time.Date(2021, 9, 5, 14, 0, sec, 0, time.Local),
		Step:     step,
		Channels: []int{6, 9},
	}
	for _, v := range vals {
		s.Values = append(s.Values, temperature.Kelvin(v))
	}
	return s
}

func TestHistoryUnbounded(t *testing.T) {
	h := NewHistory([]int{6, 9}, 0)
	for i := 0; i < 5; i++ {
		h.Append(sampleAt(i, 0, float64(i), float64(10*i)))
	}
	snap := h.Snapshot()
	assert.Equal(t, 5, h.Len())
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, snap.Values[0])
	assert.Equal(t, []float64{0, 10, 20, 30, 40}, snap.Values[1])
}

func TestHistoryWrapsInOrder(t *testing.T) {
	h := NewHistory([]int{6, 9}, 3)
	for i := 0; i < 5; i++ {
		h.Append(sampleAt(i, i, float64(i), 0))
	}
	snap := h.Snapshot()
	require.Len(t, snap.Times, 3)
	assert.Equal(t, []float64{2, 3, 4}, snap.Values[0])
	assert.Equal(t, []int{2, 3, 4}, snap.Steps)
	assert.True(t, snap.Times[0].Before(snap.Times[2]))

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, temperature.Kelvin(4), latest.Values[0])
}

func TestHistoryMatchesChannelsByNumber(t *testing.T) {
	h := NewHistory([]int{9}, 0)
	h.Append(sampleAt(0, 0, 0.01, 0.02))
	snap := h.Snapshot()
	assert.Equal(t, []float64{0.02}, snap.Values[0])
}

func TestHistoryLatestEmpty(t *testing.T) {
	h := NewHistory([]int{6}, 10)
	_, ok := h.Latest()
	assert.False(t, ok)
}

func TestCSVLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Lakeshore Data", "run_1.csv")
	c, err := NewCSV(path, "")
	require.NoError(t, err)
	require.NoError(t, c.Begin([]int{6, 9}))
	require.NoError(t, c.Record(sampleAt(3, 0, 0.0150321, 0.1)))

	// rows are flushed as they are written
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Time:,CH. 6 (K):,CH. 9 (K):\n14:00:03,0.0150321,0.1\n", string(b))
	require.NoError(t, c.Close())
}

func TestRunFilenameIncrements(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2021, 11, 5, 16, 23, 31, 0, time.Local)

	first := RunFilename(dir, "", "", now)
	assert.Equal(t, filepath.Join(dir, "LakeshoreTemp(11-05-21)_1.csv"), first)
	require.NoError(t, os.WriteFile(first, nil, 0o644))

	second := RunFilename(dir, "", "", now)
	assert.Equal(t, filepath.Join(dir, "LakeshoreTemp(11-05-21)_2.csv"), second)

	assert.Equal(t, filepath.Join(dir, "ReadOnly_LakeshoreTemp(11-05-21)_1.csv"), RunFilename(dir, "", "ReadOnly_", now))
	assert.Equal(t, filepath.Join(dir, "cooldown_1.csv"), RunFilename(dir, "cooldown.csv", "", now))
	assert.Equal(t, filepath.Join(dir, "cooldown_1.csv"), RunFilename(dir, "cooldown", "ReadOnly_", now),
		"a custom name is never prefixed")
}

func TestPlotFilename(t *testing.T) {
	assert.Equal(t, "Lakeshore Data/x_1.png", PlotFilename("Lakeshore Data/x_1.csv"))
}

type recordingSink struct {
	began   bool
	records int
	closed  bool
	err     error
}

func (r *recordingSink) Begin([]int) error { r.began = true; return r.err }
func (r *recordingSink) Record(Sample) error {
	r.records++
	return r.err
}
func (r *recordingSink) Close() error { r.closed = true; return r.err }

func TestMultiCallsEverySink(t *testing.T) {
	bad := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	m := Multi{bad, good}
	assert.Error(t, m.Begin([]int{6}))
	assert.Error(t, m.Record(sampleAt(0, 0, 1, 2)))
	assert.Error(t, m.Close())
	assert.True(t, good.began)
	assert.Equal(t, 1, good.records)
	assert.True(t, good.closed)
}

func TestArchiveRoundTrip(t *testing.T) {
	a, err := OpenArchive(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer a.Close()

	run, err := a.NewRun("Lakeshore Data/x_1.csv", "closed-loop", time.Now())
	require.NoError(t, err)
	require.NoError(t, run.Begin([]int{6, 9}))
	for i := 0; i < 3; i++ {
		require.NoError(t, run.Record(sampleAt(i, 0, 0.01*float64(i+1), 0.5)))
	}

	runs, err := a.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, 6, runs[0].Readings)
	assert.Equal(t, "closed-loop", runs[0].Mode)

	_, ks, err := a.Readings(run.ID, 6)
	require.NoError(t, err)
	assert.Equal(t, []temperature.Kelvin{0.01, 0.02, 0.03}, ks)
}

func TestMetricsTrackLatest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	require.NoError(t, m.Record(sampleAt(0, 2, 0.015, 0.2)))
	assert.Equal(t, 0.015, testutil.ToFloat64(m.temperature.WithLabelValues("6")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.step))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samples))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice should fail")
}

func TestInfluxWritesLineProtocol(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/api/v2/write") {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			body.Write(b)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	i := NewInflux(InfluxConfig{URL: srv.URL, Token: "t", Org: "lab", Bucket: "fridge"}, "x_1", zerolog.Nop())
	require.NoError(t, i.Record(sampleAt(0, 1, 0.015, 0.2)))
	require.NoError(t, i.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body.String(), "temperature,channel=6,run=x_1")
	assert.Contains(t, body.String(), "kelvin=0.015")
}
