package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/banshee-data/dronewatch/internal/encounter"
	"github.com/banshee-data/dronewatch/internal/httputil"
	"github.com/banshee-data/dronewatch/internal/security"
	"github.com/banshee-data/dronewatch/internal/units"
)

// requestUnits returns the speed unit for this request, or false after
// writing a 400.
func (s *Server) requestUnits(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.cfg.Units, true
	}
	if !units.IsValid(u) {
		httputil.BadRequest(w, fmt.Sprintf("invalid units %q, must be one of: %s", u, units.GetValidUnitsString()))
		return "", false
	}
	return u, true
}

func convertSpeed(v *float64, unit string) *float64 {
	if v == nil {
		return nil
	}
	c := units.ConvertSpeed(*v, unit)
	return &c
}

// convertEncounter rewrites speeds from m/s in place. e must be an owned copy.
func convertEncounter(e *encounter.Encounter, unit string) {
	if unit == units.MPS {
		return
	}
	e.MaxSpeed = convertSpeed(e.MaxSpeed, unit)
	convertPath(e.FlightPath, unit)
}

func convertPath(path []encounter.FlightPoint, unit string) {
	if unit == units.MPS {
		return
	}
	for i := range path {
		path[i].Speed = convertSpeed(path[i].Speed, unit)
	}
}

func (s *Server) listEncounters(w http.ResponseWriter, r *http.Request) {
	unit, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	list := s.eng.Encounters()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		if n < len(list) {
			list = list[:n]
		}
	}
	for _, e := range list {
		convertEncounter(e, unit)
	}
	httputil.WriteJSONOK(w, list)
}

func (s *Server) showEncounter(w http.ResponseWriter, r *http.Request) {
	unit, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	e, found := s.eng.Encounter(mux.Vars(r)["id"])
	if !found {
		writeError(w, encounter.ErrNotFound)
		return
	}
	convertEncounter(e, unit)
	httputil.WriteJSONOK(w, e)
}

type createRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) createEncounter(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httputil.DecodeJSONBody(w, r, maxBodyBytes, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.ID == "" {
		httputil.BadRequest(w, "id is required")
		return
	}
	e, err := s.eng.CreateEncounter(req.ID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, e)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) renameEncounter(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := httputil.DecodeJSONBody(w, r, maxBodyBytes, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	e, err := s.eng.RenameEncounter(mux.Vars(r)["id"], req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, e.Header())
}

type trustRequest struct {
	Status string `json:"status"`
}

func (s *Server) setTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRequest
	if err := httputil.DecodeJSONBody(w, r, maxBodyBytes, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	e, err := s.eng.SetTrustStatus(mux.Vars(r)["id"], req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, e.Header())
}

// deleteEncounter removes one encounter. ?do_not_track=true also suppresses
// the identity and every address it was seen with.
func (s *Server) deleteEncounter(w http.ResponseWriter, r *http.Request) {
	dnt := false
	if v := r.URL.Query().Get("do_not_track"); v != "" {
		var err error
		if dnt, err = strconv.ParseBool(v); err != nil {
			httputil.BadRequest(w, "invalid do_not_track")
			return
		}
	}
	if err := s.eng.DeleteEncounter(r.Context(), mux.Vars(r)["id"], dnt); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.ClearAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"deleted": n})
}

func (s *Server) listSuppressions(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSONOK(w, s.eng.Store().Suppressions())
}

func (s *Server) clearSuppression(w http.ResponseWriter, r *http.Request) {
	if !s.eng.ClearDoNotTrack(mux.Vars(r)["id"]) {
		httputil.NotFound(w, "identity is not suppressed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTimeParam(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Unix(0, int64(secs*1e9)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: want RFC 3339 or unix seconds", key)
	}
	return t, nil
}

// showPath returns the flight points of an encounter between ?from and ?to,
// inclusive. Both default to the encounter's own span.
func (s *Server) showPath(w http.ResponseWriter, r *http.Request) {
	unit, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	e, found := s.eng.Encounter(id)
	if !found {
		writeError(w, encounter.ErrNotFound)
		return
	}
	from, err := parseTimeParam(r, "from", e.FirstSeen)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to", e.LastSeen)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if to.Before(from) {
		httputil.BadRequest(w, "to is before from")
		return
	}

	var path []encounter.FlightPoint
	if s.paths != nil {
		if path, err = s.paths.PathWithin(r.Context(), id, from, to); err != nil {
			writeError(w, err)
			return
		}
	} else {
		for _, p := range e.FlightPath {
			if !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
				path = append(path, p)
			}
		}
	}
	if path == nil {
		path = []encounter.FlightPoint{}
	}
	convertPath(path, unit)
	httputil.WriteJSONOK(w, path)
}

// exportEncounter serves the full encounter as a JSON download named after
// the encounter.
func (s *Server) exportEncounter(w http.ResponseWriter, r *http.Request) {
	unit, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	e, found := s.eng.Encounter(mux.Vars(r)["id"])
	if !found {
		writeError(w, encounter.ErrNotFound)
		return
	}
	convertEncounter(e, unit)
	name := security.SanitizeFilename(e.Name())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="encounter-%s.json"`, name))
	httputil.WriteJSONOK(w, e)
}
