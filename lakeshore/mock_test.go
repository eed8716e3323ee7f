package lakeshore

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func within(got, want, rel float64) bool {
	return math.Abs(got-want) <= math.Abs(want)*rel
}

func TestMockRampsLinearly(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	m := NewMock372()
	m.Now = clk.now
	m.ConfigureHeater(HeaterOutputSettings{Mode: ModeClosedLoop, Input: 6})
	m.SetHeaterRange(3)
	m.SetRamp(Ramp{Enabled: true, Rate: 0.01}) // 10 mK/min
	m.SetSetpoint(0.1)

	clk.t = clk.t.Add(time.Minute)
	k, _ := m.KelvinReading(6)
	if !within(float64(k), 0.018, 2e-3) {
		t.Errorf("expected ~18 mK after one minute of ramping, got %v", k)
	}

	clk.t = clk.t.Add(time.Hour)
	k, _ = m.KelvinReading(6)
	if !within(float64(k), 0.1, 2e-3) {
		t.Errorf("expected the ramp to stop at the setpoint, got %v", k)
	}
}

func TestMockHeaterOffReturnsToBase(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	m := NewMock372()
	m.Now = clk.now
	m.ConfigureHeater(HeaterOutputSettings{Mode: ModeOpenLoop, Input: 6})
	m.SetHeaterRange(8)
	m.SetManualOutput(50)
	clk.t = clk.t.Add(time.Hour)
	hot, _ := m.KelvinReading(6)
	m.HeaterOff()
	clk.t = clk.t.Add(time.Hour)
	cold, _ := m.KelvinReading(6)
	if !(cold < hot) {
		t.Errorf("expected the mock to cool with the heater off, %v -> %v", hot, cold)
	}
	if !within(float64(cold), float64(mockBase), 2e-3) {
		t.Errorf("expected base temperature, got %v", cold)
	}
}

func TestHTTPWrapperRoutes(t *testing.T) {
	m := NewMock372()
	m.SetHeaterRange(4)
	m.SetPID(PID{P: 60, I: 30, D: 6})
	r := chi.NewRouter()
	NewHTTPWrapper(m).Bind(r)

	cases := []struct {
		path, contains string
	}{
		{"/heater-range", `"name":"1mA"`},
		{"/pid", `"p":60`},
		{"/version", "MODEL372"},
		{"/read/6", `"f64"`},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", c.path, rec.Code)
			continue
		}
		if !strings.Contains(rec.Body.String(), c.contains) {
			t.Errorf("%s: expected body to contain %s, got %s", c.path, c.contains, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/read/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-numeric channel, got %d", rec.Code)
	}
}
