package motion

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"strconv"
	"time"

	"github.com/crest-lab/zwscan/generichttp"
	"github.com/go-chi/chi"
)

// HTTPStages exposes named stages over HTTP.  Moves are issued with Move at
// Velocity and bounded by Timeout.
type HTTPStages struct {
	Stages map[string]Stage

	// Velocity is used for every move, µm/s
	Velocity float64

	// Timeout bounds every move; 0 disables it
	Timeout time.Duration

	RouteTable generichttp.RouteTable
}

// NewHTTPStages returns a route table for the stages as /{axis}/...; mount them under a prefix
func NewHTTPStages(stages map[string]Stage, vel float64, timeout time.Duration) *HTTPStages {
	h := &HTTPStages{Stages: stages, Velocity: vel, Timeout: timeout}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/{axis}/pos"}:    h.getPos,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/{axis}/pos"}:   h.setPos,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/{axis}/home"}:  h.home,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/{axis}/homed"}:  h.homed,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/{axis}/stop"}:  h.stop,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/{axis}/limits"}: h.limits,
	}
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPStages) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPStages) stage(w http.ResponseWriter, r *http.Request) (string, Stage, bool) {
	axis := chi.URLParam(r, "axis")
	s, ok := h.Stages[axis]
	if !ok {
		http.Error(w, "no stage named "+strconv.Quote(axis), http.StatusNotFound)
	}
	return axis, s, ok
}

func (h *HTTPStages) getPos(w http.ResponseWriter, r *http.Request) {
	_, s, ok := h.stage(w, r)
	if !ok {
		return
	}
	pos, err := s.GetPos()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
	hp.EncodeAndRespond(w, r)
}

// setPos triggers an absolute or relative move based on the relative query
// parameter
func (h *HTTPStages) setPos(w http.ResponseWriter, r *http.Request) {
	axis, s, ok := h.stage(w, r)
	if !ok {
		return
	}
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		relative = "false"
	}
	rel, err := strconv.ParseBool(relative)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := generichttp.FloatT{}
	err = json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = Move(axis, s, Command{Relative: rel, Displacement: f.F64, Velocity: h.Velocity}, h.Timeout)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrSoftLimit) || errors.Is(err, ErrInvalidCommand) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPStages) home(w http.ResponseWriter, r *http.Request) {
	axis, s, ok := h.stage(w, r)
	if !ok {
		return
	}
	if err := s.Home(); err != nil {
		http.Error(w, AsFault(axis, "home", err).Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPStages) homed(w http.ResponseWriter, r *http.Request) {
	_, s, ok := h.stage(w, r)
	if !ok {
		return
	}
	b, err := s.IsHomed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Bool, Bool: b}
	hp.EncodeAndRespond(w, r)
}

func (h *HTTPStages) stop(w http.ResponseWriter, r *http.Request) {
	axis, s, ok := h.stage(w, r)
	if !ok {
		return
	}
	st, ok := AsStopper(s)
	if !ok {
		http.Error(w, "stage "+axis+" cannot be stopped", http.StatusNotImplemented)
		return
	}
	if err := st.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// limits returns the soft limits of a Limited stage as JSON {min, max}
func (h *HTTPStages) limits(w http.ResponseWriter, r *http.Request) {
	axis, s, ok := h.stage(w, r)
	if !ok {
		return
	}
	l, isLimited := s.(Limited)
	if !isLimited {
		http.Error(w, "stage "+axis+" has no soft limits", http.StatusNotFound)
		return
	}
	generichttp.ReplyJSON(w, l.Limits)
}
