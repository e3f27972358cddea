package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/banshee-data/dronewatch/internal/engine"
	"github.com/banshee-data/dronewatch/internal/httputil"
)

func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	ds := s.eng.ActiveDetections()
	if src := r.URL.Query().Get("source"); src != "" {
		filtered := ds[:0]
		for _, d := range ds {
			if string(d.SourceType) == src {
				filtered = append(filtered, d)
			}
		}
		ds = filtered
	}
	httputil.WriteJSONOK(w, ds)
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	tracks := s.eng.Tracks()
	if r.URL.Query().Get("spoofed") == "true" {
		filtered := tracks[:0]
		for _, t := range tracks {
			if t.IsSpoofed {
				filtered = append(filtered, t)
			}
		}
		tracks = filtered
	}
	httputil.WriteJSONOK(w, tracks)
}

func (s *Server) showTrack(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.eng.Track(id)
	if !ok {
		httputil.NotFound(w, "track not found")
		return
	}
	httputil.WriteJSONOK(w, t)
}

// clearTrack drops the live state of one identity. Its encounter is kept.
func (s *Server) clearTrack(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cleared, err := s.eng.ClearTrack(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !cleared {
		httputil.NotFound(w, "track not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRings(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSONOK(w, s.eng.AlertRings())
}

func (s *Server) showRing(w http.ResponseWriter, r *http.Request) {
	ring, ok := s.eng.AlertRing(mux.Vars(r)["id"])
	if !ok {
		httputil.NotFound(w, "ring not found")
		return
	}
	httputil.WriteJSONOK(w, ring)
}

// ingest accepts one raw payload in any supported shape, for receivers that
// can only speak HTTP.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, "request body too large")
		return
	}
	if err := s.eng.Ingest(r.Context(), raw); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type lifecycleRequest struct {
	Event engine.LifecycleEvent `json:"event"`
}

func (s *Server) notifyLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := httputil.DecodeJSONBody(w, r, maxBodyBytes, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	switch req.Event {
	case engine.LifecycleBackground, engine.LifecycleForeground,
		engine.LifecycleConnectivityLost, engine.LifecycleConnectivityRestored:
	default:
		httputil.BadRequest(w, "unknown lifecycle event")
		return
	}
	if err := s.eng.Notify(r.Context(), req.Event); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type receiverResponse struct {
	Known bool    `json:"known"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

func (s *Server) showReceiver(w http.ResponseWriter, _ *http.Request) {
	c, ok := s.eng.ReceiverLocation()
	httputil.WriteJSONOK(w, receiverResponse{Known: ok, Lat: c.Lat, Lon: c.Lon})
}

type receiverRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) setReceiver(w http.ResponseWriter, r *http.Request) {
	var req receiverRequest
	if err := httputil.DecodeJSONBody(w, r, maxBodyBytes, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Lat == nil || req.Lon == nil {
		httputil.BadRequest(w, "lat and lon are required")
		return
	}
	if err := s.eng.SetReceiverLocation(*req.Lat, *req.Lon); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, receiverResponse{Known: true, Lat: *req.Lat, Lon: *req.Lon})
}
