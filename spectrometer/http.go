package spectrometer

import (
	"net/http"

	"github.com/crest-lab/zwscan/generichttp"
)

// HTTPSpectrometer wraps a Spectrometer in an HTTP route table
type HTTPSpectrometer struct {
	// S is the underlying spectrometer
	S Spectrometer

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPSpectrometer returns a new HTTP wrapper around a spectrometer.
// Routes are relative; mount them under a prefix with chi.Route.
func NewHTTPSpectrometer(s Spectrometer) HTTPSpectrometer {
	h := HTTPSpectrometer{S: s}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/identity"}:     h.getIdentity,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/emission"}:     generichttp.GetBool(s.IlluminationEnabled),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/emission"}:    generichttp.SetBool(s.SetIlluminationEnabled),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/power"}:       generichttp.SetFloat(s.SetIlluminationPower),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/integration"}: generichttp.SetInt(s.SetIntegrationTime),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/frame"}:        h.getFrame,
	}
	return h
}

func (h HTTPSpectrometer) getIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := h.S.Identity()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.ReplyJSON(w, id)
}

func (h HTTPSpectrometer) getFrame(w http.ResponseWriter, r *http.Request) {
	f, err := ReadFrame(h.S)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.ReplyJSON(w, f)
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPSpectrometer) RT() generichttp.RouteTable {
	return h.RouteTable
}
