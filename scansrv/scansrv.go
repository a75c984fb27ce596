// Package scansrv serves the HTTP control surface of a scan: status,
// cancellation, metrics, the live preview and manual device routes.
package scansrv

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/crest-lab/zwscan/generichttp"
	"github.com/crest-lab/zwscan/preview"
	"github.com/crest-lab/zwscan/scan"
	"github.com/crest-lab/zwscan/server/middleware/locker"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server binds an orchestrator and its devices to HTTP routes
type Server struct {
	Orch *scan.Orchestrator

	// Preview is served at /scan/preview.png; may be nil
	Preview *preview.Preview

	// Lock guards the device routes.  Callers lock it for the duration of
	// a scan.
	Lock *locker.Locker

	// Devices maps a mount point, e.g. "stage", to the routes served there
	Devices map[string]generichttp.HTTPer

	reg *prometheus.Registry
}

// New returns a Server with metrics registered for o
func New(o *scan.Orchestrator, prev *preview.Preview, devices map[string]generichttp.HTTPer) *Server {
	s := &Server{Orch: o, Preview: prev, Lock: locker.New(), Devices: devices, reg: prometheus.NewRegistry()}
	s.Lock.DoNotProtect = append(s.Lock.DoNotProtect, "identity", "homed", "limits", "stop")
	gauges := []struct {
		name, help string
		fcn        func() float64
	}{
		{"frames_recorded", "Frames recorded in the current scan.", func() float64 { return float64(o.Status().Frames) }},
		{"frames_total", "Grid points in the current scan.", func() float64 { return float64(o.Status().Total) }},
		{"state", "Orchestrator state, 0 (idle) through 8 (done).", func() float64 { return float64(o.Status().State) }},
		{"primary_position_um", "Commanded primary axis position.", func() float64 { return o.Status().X }},
		{"secondary_position_um", "Commanded secondary axis position.", func() float64 { return o.Status().Y }},
	}
	for _, g := range gauges {
		s.reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "zwscan", Name: g.name, Help: g.help},
			g.fcn,
		))
	}
	return s
}

// RT returns the scan routes, not including the device routes
func (s *Server) RT() generichttp.RouteTable {
	return generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/status"}:      s.status,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/scan/cancel"}:     s.cancel,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/preview.png"}: s.preview,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}:             s.Lock.HTTPGet,
	}
}

// BuildMux returns the root router.  /endpoints lists every route, keyed by
// mount point.
func (s *Server) BuildMux() chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	rt := s.RT()
	rt.Bind(root)
	supergraph["/"] = rt.Endpoints()

	for stem, httper := range s.Devices {
		stem = "/" + strings.Trim(stem, "/")
		supergraph[stem] = httper.RT().Endpoints()
		r := chi.NewRouter()
		r.Use(s.Lock.Check)
		httper.RT().Bind(r)
		root.Mount(stem, r)
	}

	root.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyJSON(w, s.Orch.Status())
}

// cancel requests cancellation of the running scan.  It is idempotent.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if s.Orch.Token == nil {
		http.Error(w, "scan is not cancellable", http.StatusConflict)
		return
	}
	s.Orch.Token.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	if s.Preview == nil {
		http.Error(w, "preview disabled", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	_, err := s.Preview.WriteTo(&buf)
	if errors.Is(err, preview.ErrNoSpectrum) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
