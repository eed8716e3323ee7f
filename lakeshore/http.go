package lakeshore

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/cryolab/cryoseq/temperature"
)

// Reader is the read-only face of a controller that is exposed over HTTP.
// Both Model372 and Mock372 satisfy it.
type Reader interface {
	Identification() (string, error)
	KelvinReading(ch int) (temperature.Kelvin, error)
	Setpoint() (temperature.Kelvin, error)
	HeaterRange() (HeaterRange, error)
	PID() (PID, error)
	Ramp() (Ramp, error)
	HeaterOutput() (float64, error)
	ManualOutput() (float64, error)
}

// HTTPWrapper provides HTTP bindings on top of the underlying Go interface.
// It only reads; all changes to the controller go through the sequencer.
type HTTPWrapper struct {
	Controller Reader
}

// NewHTTPWrapper returns a new HTTP wrapper around c
func NewHTTPWrapper(c Reader) HTTPWrapper {
	return HTTPWrapper{Controller: c}
}

// Bind attaches the routes to r
func (h HTTPWrapper) Bind(r chi.Router) {
	r.Get("/read/{ch}", h.HTTPReadChan)
	r.Get("/setpoint", getFloat(func() (float64, error) {
		k, err := h.Controller.Setpoint()
		return float64(k), err
	}))
	r.Get("/heater-output", getFloat(h.Controller.HeaterOutput))
	r.Get("/manual-output", getFloat(h.Controller.ManualOutput))
	r.Get("/heater-range", h.HTTPHeaterRange)
	r.Get("/pid", h.HTTPPID)
	r.Get("/ramp", h.HTTPRamp)
	r.Get("/version", h.HTTPVersion)
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// getFloat calls a float-getting function and returns the response
// as json {'f64': value}
func getFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, map[string]float64{"f64": f})
	}
}

// HTTPReadChan reads a single channel 1~16 plucked from the URL and
// returns the value in K as JSON
func (h HTTPWrapper) HTTPReadChan(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	k, err := h.Controller.KelvinReading(ch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]float64{"f64": float64(k)})
}

// HTTPHeaterRange returns the heater range index and its name
func (h HTTPWrapper) HTTPHeaterRange(w http.ResponseWriter, r *http.Request) {
	rng, err := h.Controller.HeaterRange()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, struct {
		Int  int    `json:"int"`
		Name string `json:"name"`
	}{int(rng), rng.String()})
}

// HTTPPID returns the control loop gains
func (h HTTPWrapper) HTTPPID(w http.ResponseWriter, r *http.Request) {
	p, err := h.Controller.PID()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, p)
}

// HTTPRamp returns the setpoint ramp parameters
func (h HTTPWrapper) HTTPRamp(w http.ResponseWriter, r *http.Request) {
	rmp, err := h.Controller.Ramp()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, rmp)
}

// HTTPVersion reads the version and sends it back as text/plain
func (h HTTPWrapper) HTTPVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Controller.Identification()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(v))
}
