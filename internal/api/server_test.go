package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dronewatch/internal/correlate"
	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/encounter"
	"github.com/banshee-data/dronewatch/internal/engine"
	"github.com/banshee-data/dronewatch/internal/proximity"
	"github.com/banshee-data/dronewatch/internal/testutil"
	"github.com/banshee-data/dronewatch/internal/timeutil"
	"github.com/banshee-data/dronewatch/internal/version"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, paths PathReader, cfg Config) (*Server, *engine.Engine) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	ecfg := engine.DefaultConfig()
	ecfg.ShardCount = 2
	ecfg.Lifecycle.SweepInterval = time.Hour
	eng := engine.New(ecfg, encounter.NewStore(nil, encounter.CommitConfig{}, clock), clock)
	eng.Start(context.Background())
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return NewServer(eng, paths, cfg), eng
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	return do(s, httptest.NewRequest(http.MethodGet, path, nil))
}

func positioned(id string, at time.Duration, lat, lon, alt, speed float64) detection.Detection {
	return detection.Detection{
		Identity:   id,
		SourceType: detection.SourceWiFi,
		Kind:       detection.KindSignal,
		MAC:        "60:60:1f:00:00:01",
		RSSI:       detection.Float(-70),
		RSSIScale:  detection.ScaleDBm,
		Position:   &detection.Position{Coordinate: detection.Coordinate{Lat: lat, Lon: lon}, Alt: detection.Float(alt)},
		Speed:      detection.Float(speed),
		ObservedAt: t0.Add(at),
	}
}

func feed(t *testing.T, eng *engine.Engine, ds ...detection.Detection) {
	t.Helper()
	for _, d := range ds {
		require.NoError(t, eng.IngestDetection(context.Background(), d))
	}
	require.NoError(t, eng.Sync(context.Background()))
}

func TestVersionAndStats(t *testing.T) {
	s, _ := newTestServer(t, nil, Config{})
	s.AddStats("ingest", func() any { return map[string]int{"udp": 3} })

	rec := get(s, "/api/version")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, version.Version, testutil.DecodeJSON[version.Info](t, rec).Version)

	rec = get(s, "/api/stats")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	stats := testutil.DecodeJSON[map[string]map[string]any](t, rec)
	assert.Contains(t, stats["engine"], "session_id")
	assert.Equal(t, 3.0, stats["ingest"]["udp"])
}

func TestLiveSnapshots(t *testing.T) {
	s, eng := newTestServer(t, nil, Config{})
	ring := detection.Detection{
		Identity:   "drone-ring",
		SourceType: detection.SourceBluetooth,
		Kind:       detection.KindSignal,
		MAC:        "aa:bb:cc:dd:ee:01",
		RSSI:       detection.Float(-65),
		RSSIScale:  detection.ScaleDBm,
		ObservedAt: t0,
	}
	feed(t, eng, ring, positioned("drone-fix", 0, 37.77, -122.42, 80, 5))

	rec := get(s, "/api/detections")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Len(t, testutil.DecodeJSON[[]detection.Detection](t, rec), 2)

	rec = get(s, "/api/detections?source=wifi")
	ds := testutil.DecodeJSON[[]detection.Detection](t, rec)
	require.Len(t, ds, 1)
	assert.Equal(t, "drone-fix", ds[0].Identity)

	tracks := testutil.DecodeJSON[[]correlate.Track](t, get(s, "/api/tracks"))
	assert.Len(t, tracks, 2)
	assert.Empty(t, testutil.DecodeJSON[[]correlate.Track](t, get(s, "/api/tracks?spoofed=true")))

	rec = get(s, "/api/tracks/drone-fix")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 1, testutil.DecodeJSON[correlate.Track](t, rec).DetectionCount)
	testutil.AssertJSONError(t, get(s, "/api/tracks/nobody"), http.StatusNotFound, "track not found")

	rings := testutil.DecodeJSON[[]proximity.Ring](t, get(s, "/api/rings"))
	require.Len(t, rings, 1)
	assert.Equal(t, "drone-ring", rings[0].Identity)
	testutil.AssertStatusCode(t, get(s, "/api/rings/drone-ring").Code, http.StatusOK)
	testutil.AssertStatusCode(t, get(s, "/api/rings/drone-fix").Code, http.StatusNotFound)

	rec = do(s, httptest.NewRequest(http.MethodDelete, "/api/tracks/drone-ring", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNoContent)
	assert.Empty(t, testutil.DecodeJSON[[]proximity.Ring](t, get(s, "/api/rings")))
	testutil.AssertStatusCode(t, do(s, httptest.NewRequest(http.MethodDelete, "/api/tracks/drone-ring", nil)).Code, http.StatusNotFound)
}

func TestIngestEndpoint(t *testing.T) {
	s, eng := newTestServer(t, nil, Config{})

	payload := testutil.Payload{Identity: "drone-1", MAC: "aa:bb:cc:dd:ee:ff", RSSI: -60, ObservedAt: t0}
	rec := do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/ingest", payload.Bytes()))
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	require.NoError(t, eng.Sync(context.Background()))
	_, ok := eng.Track("drone-1")
	assert.True(t, ok)

	rec = do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/ingest", "{not json"))
	testutil.AssertJSONError(t, rec, http.StatusUnprocessableEntity, "payload dropped")

	require.NoError(t, eng.Stop(context.Background()))
	rec = do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/ingest", payload.Bytes()))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
}

func TestEncounterActions(t *testing.T) {
	s, eng := newTestServer(t, nil, Config{})

	rec := do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/encounters", createRequest{ID: "drone-7", Name: "Hangar"}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusCreated)
	rec = do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/encounters", createRequest{ID: "drone-7"}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusConflict)
	rec = do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/encounters", createRequest{}))
	testutil.AssertJSONError(t, rec, http.StatusBadRequest, "id is required")

	rec = do(s, testutil.NewJSONRequest(t, http.MethodPut, "/api/encounters/drone-7/name", renameRequest{Name: "Neighbour"}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "Neighbour", testutil.DecodeJSON[encounter.Encounter](t, rec).CustomName)

	tests := []struct {
		name   string
		id     string
		body   any
		status int
	}{
		{"trusted", "drone-7", trustRequest{Status: "trusted"}, http.StatusOK},
		{"invalid status", "drone-7", trustRequest{Status: "friendly"}, http.StatusBadRequest},
		{"unknown field", "drone-7", `{"trust":"trusted"}`, http.StatusBadRequest},
		{"missing encounter", "drone-x", trustRequest{Status: "untrusted"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, testutil.NewJSONRequest(t, http.MethodPut, "/api/encounters/"+tt.id+"/trust", tt.body))
			testutil.AssertStatusCode(t, rec.Code, tt.status)
		})
	}

	got := testutil.DecodeJSON[encounter.Encounter](t, get(s, "/api/encounters/drone-7"))
	assert.Equal(t, encounter.TrustTrusted, got.TrustStatus)

	rec = get(s, "/api/encounters/drone-7/export")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, `attachment; filename="encounter-Neighbour.json"`, rec.Header().Get("Content-Disposition"))

	// Delete with do-not-track, then the identity is ignored.
	rec = do(s, httptest.NewRequest(http.MethodDelete, "/api/encounters/drone-7?do_not_track=true", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNoContent)
	testutil.AssertStatusCode(t, get(s, "/api/encounters/drone-7").Code, http.StatusNotFound)
	feed(t, eng, positioned("drone-7", 0, 37.77, -122.42, 50, 3))
	testutil.AssertStatusCode(t, get(s, "/api/encounters/drone-7").Code, http.StatusNotFound)

	sups := testutil.DecodeJSON[[]encounter.Suppression](t, get(s, "/api/suppressions"))
	require.Len(t, sups, 1)
	assert.Equal(t, "drone-7", sups[0].Identity)

	testutil.AssertStatusCode(t, do(s, httptest.NewRequest(http.MethodDelete, "/api/suppressions/drone-7", nil)).Code, http.StatusNoContent)
	testutil.AssertStatusCode(t, do(s, httptest.NewRequest(http.MethodDelete, "/api/suppressions/drone-7", nil)).Code, http.StatusNotFound)
	testutil.AssertStatusCode(t, do(s, httptest.NewRequest(http.MethodDelete, "/api/encounters/drone-7?do_not_track=maybe", nil)).Code, http.StatusBadRequest)
}

func TestEncounterUnits(t *testing.T) {
	s, eng := newTestServer(t, nil, Config{Units: "kph"})
	feed(t, eng, positioned("drone-1", 0, 37.77, -122.42, 50, 10))

	list := testutil.DecodeJSON[[]encounter.Encounter](t, get(s, "/api/encounters"))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].MaxSpeed)
	assert.InDelta(t, 36.0, *list[0].MaxSpeed, 1e-9)

	e := testutil.DecodeJSON[encounter.Encounter](t, get(s, "/api/encounters/drone-1?units=mps"))
	assert.InDelta(t, 10.0, *e.MaxSpeed, 1e-9)
	require.Len(t, e.FlightPath, 1)
	assert.InDelta(t, 10.0, *e.FlightPath[0].Speed, 1e-9)

	testutil.AssertJSONError(t, get(s, "/api/encounters?units=furlongs"), http.StatusBadRequest, "invalid units")
	testutil.AssertJSONError(t, get(s, "/api/encounters?limit=-1"), http.StatusBadRequest, "invalid limit")
	assert.Empty(t, testutil.DecodeJSON[[]encounter.Encounter](t, get(s, "/api/encounters?limit=0")))
}

func TestShowPath_InMemory(t *testing.T) {
	s, eng := newTestServer(t, nil, Config{})
	for i := 0; i < 5; i++ {
		feed(t, eng, positioned("drone-1", time.Duration(i)*time.Second, 37.77+float64(i)*0.0001, -122.42, 50, 4))
	}

	all := testutil.DecodeJSON[[]encounter.FlightPoint](t, get(s, "/api/encounters/drone-1/path"))
	assert.Len(t, all, 5)

	from := t0.Add(1 * time.Second).Format(time.RFC3339)
	to := t0.Add(3 * time.Second).Format(time.RFC3339)
	window := testutil.DecodeJSON[[]encounter.FlightPoint](t, get(s, "/api/encounters/drone-1/path?from="+from+"&to="+to+"&units=mph"))
	require.Len(t, window, 3)
	assert.InDelta(t, 4*2.23694, *window[0].Speed, 1e-6)

	testutil.AssertStatusCode(t, get(s, "/api/encounters/drone-1/path?from=yesterday").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, get(s, "/api/encounters/drone-1/path?from="+to+"&to="+from).Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, get(s, "/api/encounters/nobody/path").Code, http.StatusNotFound)
}

type fakePaths struct {
	id       string
	from, to time.Time
}

func (f *fakePaths) PathWithin(_ context.Context, id string, from, to time.Time) ([]encounter.FlightPoint, error) {
	f.id, f.from, f.to = id, from, to
	return []encounter.FlightPoint{{Seq: 42, Timestamp: from}}, nil
}

func TestShowPath_FromRepository(t *testing.T) {
	paths := &fakePaths{}
	s, eng := newTestServer(t, paths, Config{})
	feed(t, eng, positioned("drone-1", 0, 37.77, -122.42, 50, 4))

	got := testutil.DecodeJSON[[]encounter.FlightPoint](t, get(s, "/api/encounters/drone-1/path?from=1748779200&to=1748779260"))
	require.Len(t, got, 1)
	assert.Equal(t, int64(42), got[0].Seq)
	assert.Equal(t, "drone-1", paths.id)
	assert.True(t, paths.from.Equal(t0))
	assert.True(t, paths.to.Equal(t0.Add(time.Minute)))
}

func TestReceiverAndLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil, Config{})

	assert.False(t, testutil.DecodeJSON[receiverResponse](t, get(s, "/api/receiver")).Known)

	rec := do(s, testutil.NewJSONRequest(t, http.MethodPut, "/api/receiver", map[string]float64{"lat": 0, "lon": 0}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	rec = do(s, testutil.NewJSONRequest(t, http.MethodPut, "/api/receiver", map[string]float64{"lat": 37.77}))
	testutil.AssertJSONError(t, rec, http.StatusBadRequest, "lat and lon are required")
	rec = do(s, testutil.NewJSONRequest(t, http.MethodPut, "/api/receiver", map[string]float64{"lat": 37.77, "lon": -122.42}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	got := testutil.DecodeJSON[receiverResponse](t, get(s, "/api/receiver"))
	assert.Equal(t, receiverResponse{Known: true, Lat: 37.77, Lon: -122.42}, got)

	for _, ev := range []string{"background", "foreground", "connectivity_lost", "connectivity_restored"} {
		rec := do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/lifecycle", map[string]string{"event": ev}))
		testutil.AssertStatusCode(t, rec.Code, http.StatusNoContent)
	}
	rec = do(s, testutil.NewJSONRequest(t, http.MethodPost, "/api/lifecycle", map[string]string{"event": "sleep"}))
	testutil.AssertJSONError(t, rec, http.StatusBadRequest, "unknown lifecycle event")
}

func TestClearAllEndpoint(t *testing.T) {
	s, eng := newTestServer(t, nil, Config{})
	feed(t, eng,
		positioned("drone-1", 0, 37.77, -122.42, 50, 4),
		positioned("drone-2", 0, 37.78, -122.42, 50, 4),
	)
	rec := do(s, httptest.NewRequest(http.MethodDelete, "/api/encounters", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 2, testutil.DecodeJSON[map[string]int](t, rec)["deleted"])
	assert.Empty(t, eng.Tracks())
}

func TestRouterErrors(t *testing.T) {
	s, _ := newTestServer(t, nil, Config{})
	testutil.AssertJSONError(t, get(s, "/api/nowhere"), http.StatusNotFound, "not found")
	testutil.AssertJSONError(t, do(s, httptest.NewRequest(http.MethodPatch, "/api/tracks", nil)), http.StatusMethodNotAllowed, "method not allowed")
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, nil, Config{AllowedOrigins: []string{"http://localhost:5173"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/tracks", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := do(s, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamEvents(t *testing.T) {
	s, eng := newTestServer(t, nil, Config{})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events?types=track_updated", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": ping", lines.Text())

	feed(t, eng, positioned("drone-1", 0, 37.77, -122.42, 50, 4))

	var got []string
	for lines.Scan() {
		line := lines.Text()
		if line == "" {
			if len(got) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		got = append(got, line)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "event: track_updated", got[0])
	assert.True(t, strings.HasPrefix(got[1], "data: "))
	assert.Contains(t, got[1], `"identity":"drone-1"`)
}
