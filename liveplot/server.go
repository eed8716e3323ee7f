package liveplot

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cryolab/cryoseq/datalog"
	"github.com/cryolab/cryoseq/lakeshore"
)

// Status describes what the run is doing right now
type Status struct {
	Mode    string    `json:"mode"`
	State   string    `json:"state"` // configuring, waiting, sampling, done
	Step    int       `json:"step"`
	Steps   int       `json:"steps"` // zero for an open ended monitor
	Logfile string    `json:"logfile"`
	Since   time.Time `json:"since"`
}

// Server serves the live plot and the readings behind it.
// The zero value serves an empty history.
type Server struct {
	History *datalog.History
	Options Options

	// Controller is optional; its read routes are mounted under /lakeshore
	Controller lakeshore.Reader

	// Gatherer is optional; it is served on /metrics
	Gatherer prometheus.Gatherer

	Log zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// SetStatus replaces the status reported on /status
func (s *Server) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Since.IsZero() {
		st.Since = time.Now()
	}
	s.status = st
}

// Status returns the current status
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) snapshot() datalog.Snapshot {
	if s.History == nil {
		return datalog.Snapshot{}
	}
	return s.History.Snapshot()
}

// Router builds the routes
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/plot.png", s.HTTPPlot)
	r.Get("/readings", s.HTTPReadings)
	r.Get("/status", s.HTTPStatus)
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.Controller != nil {
		r.Route("/lakeshore", lakeshore.NewHTTPWrapper(s.Controller).Bind)
	}
	return r
}

// HTTPPlot renders the history as a PNG
func (s *Server) HTTPPlot(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	if len(snap.Channels) == 0 {
		http.Error(w, "no run in progress", http.StatusNotFound)
		return
	}
	b, err := Render(snap, s.Options)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// HTTPReadings returns the history as JSON
func (s *Server) HTTPReadings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.snapshot())
}

// HTTPStatus returns the status as JSON
func (s *Server) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.Status())
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", addr).Msg("now listening for requests")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shut); err != nil {
			return err
		}
		return nil
	}
}
