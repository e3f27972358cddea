// Package api serves the engine over HTTP: read-only snapshots of the live
// picture, a server-sent event stream, and the explicit user actions on
// encounters (create, rename, trust, delete, do-not-track).
package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/banshee-data/dronewatch/internal/encounter"
	"github.com/banshee-data/dronewatch/internal/engine"
	"github.com/banshee-data/dronewatch/internal/httputil"
	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/normalize"
	"github.com/banshee-data/dronewatch/internal/timeutil"
	"github.com/banshee-data/dronewatch/internal/units"
	"github.com/banshee-data/dronewatch/internal/version"
)

const maxBodyBytes = 1 << 20

// PathReader reads a time window of a stored flight path without loading
// the whole encounter. *db.EncounterRepository satisfies it.
type PathReader interface {
	PathWithin(ctx context.Context, id string, from, to time.Time) ([]encounter.FlightPoint, error)
}

// StatsFunc reports extra counters (ingest sources, sink) merged into
// /api/stats under their own key.
type StatsFunc func() any

type Config struct {
	// Units is the default speed unit for responses; ?units= overrides it.
	Units string
	// AllowedOrigins enables CORS for a browser UI served elsewhere.
	AllowedOrigins []string
	// PingInterval paces keep-alive comments on the event stream.
	PingInterval time.Duration
}

type Server struct {
	eng   *engine.Engine
	paths PathReader
	cfg   Config
	clock timeutil.Clock

	extraStats map[string]StatsFunc
}

// NewServer builds a Server. paths may be nil, in which case flight path
// windows are cut from the in-memory encounter.
func NewServer(eng *engine.Engine, paths PathReader, cfg Config) *Server {
	if cfg.Units == "" || !units.IsValid(cfg.Units) {
		cfg.Units = units.MPS
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	return &Server{eng: eng, paths: paths, cfg: cfg, clock: timeutil.RealClock{}, extraStats: map[string]StatsFunc{}}
}

// AddStats registers fn under name in the /api/stats response.
func (s *Server) AddStats(name string, fn StatsFunc) {
	s.extraStats[name] = fn
}

// Router returns the bare route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/version", s.showVersion).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.showStats).Methods(http.MethodGet)
	api.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
	api.HandleFunc("/ingest", s.ingest).Methods(http.MethodPost)
	api.HandleFunc("/lifecycle", s.notifyLifecycle).Methods(http.MethodPost)

	api.HandleFunc("/receiver", s.showReceiver).Methods(http.MethodGet)
	api.HandleFunc("/receiver", s.setReceiver).Methods(http.MethodPut)

	api.HandleFunc("/detections", s.listDetections).Methods(http.MethodGet)
	api.HandleFunc("/tracks", s.listTracks).Methods(http.MethodGet)
	api.HandleFunc("/tracks/{id}", s.showTrack).Methods(http.MethodGet)
	api.HandleFunc("/tracks/{id}", s.clearTrack).Methods(http.MethodDelete)
	api.HandleFunc("/rings", s.listRings).Methods(http.MethodGet)
	api.HandleFunc("/rings/{id}", s.showRing).Methods(http.MethodGet)

	api.HandleFunc("/encounters", s.listEncounters).Methods(http.MethodGet)
	api.HandleFunc("/encounters", s.createEncounter).Methods(http.MethodPost)
	api.HandleFunc("/encounters", s.clearAll).Methods(http.MethodDelete)
	api.HandleFunc("/encounters/{id}", s.showEncounter).Methods(http.MethodGet)
	api.HandleFunc("/encounters/{id}", s.deleteEncounter).Methods(http.MethodDelete)
	api.HandleFunc("/encounters/{id}/name", s.renameEncounter).Methods(http.MethodPut)
	api.HandleFunc("/encounters/{id}/trust", s.setTrust).Methods(http.MethodPut)
	api.HandleFunc("/encounters/{id}/path", s.showPath).Methods(http.MethodGet)
	api.HandleFunc("/encounters/{id}/export", s.exportEncounter).Methods(http.MethodGet)

	api.HandleFunc("/suppressions", s.listSuppressions).Methods(http.MethodGet)
	api.HandleFunc("/suppressions/{id}", s.clearSuppression).Methods(http.MethodDelete)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.NotFound(w, "not found")
	})
	return r
}

// Handler wraps the router with request logging, panic recovery and, when
// origins are configured, CORS.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	if len(s.cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(logWriter{}), handlers.PrintRecoveryStack(true))(h)
	return handlers.LoggingHandler(logWriter{}, h)
}

// logWriter routes gorilla's access and recovery logs through monitoring.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	monitoring.Logf("[http] %s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func (logWriter) Println(v ...any) {
	monitoring.Logf("[http] panic: %v", v)
}

// writeError maps engine and store errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, encounter.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, encounter.ErrExists), errors.Is(err, encounter.ErrSuppressed):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, encounter.ErrInvalidTrust):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, normalize.ErrDropped):
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		monitoring.Logf("[api] internal error: %v", err)
		httputil.InternalServerError(w, "internal error")
	}
}

func (s *Server) showVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) showStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"engine": s.eng.Stats()}
	for name, fn := range s.extraStats {
		resp[name] = fn()
	}
	httputil.WriteJSONOK(w, resp)
}
