// Package testutil holds helpers shared by HTTP handler tests and fixtures
// for building raw detection payloads.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewJSONRequest builds a request whose body is v encoded as JSON. A string
// or []byte body is sent as is.
func NewJSONRequest(t testing.TB, method, path string, v any) *http.Request {
	t.Helper()
	var body []byte
	switch b := v.(type) {
	case nil:
	case string:
		body = []byte(b)
	case []byte:
		body = b
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// DecodeJSON decodes the recorded response body into a T.
func DecodeJSON[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// AssertJSONError checks status and that the {"error": ...} body contains
// substr.
func AssertJSONError(t testing.TB, rec *httptest.ResponseRecorder, status int, substr string) {
	t.Helper()
	AssertStatusCode(t, rec.Code, status)
	body := DecodeJSON[map[string]string](t, rec)
	if !strings.Contains(body["error"], substr) {
		t.Errorf("error = %q, want it to contain %q", body["error"], substr)
	}
}

// Payload describes a canonical flat detection payload. Zero-valued optional
// fields are omitted from the encoded form.
type Payload struct {
	Identity   string
	Source     string
	MAC        string
	RSSI       float64
	Lat, Lon   float64
	Alt        *float64
	ObservedAt time.Time
}

// Bytes encodes p in the canonical flat JSON shape.
func (p Payload) Bytes() []byte {
	m := map[string]any{"identity": p.Identity}
	if p.Source != "" {
		m["source"] = p.Source
	} else {
		m["source"] = "bluetooth"
	}
	if p.MAC != "" {
		m["mac"] = p.MAC
	}
	if p.RSSI != 0 {
		m["rssi"] = p.RSSI
	}
	if p.Lat != 0 || p.Lon != 0 {
		m["lat"], m["lon"] = p.Lat, p.Lon
	}
	if p.Alt != nil {
		m["alt"] = *p.Alt
	}
	if !p.ObservedAt.IsZero() {
		m["observed_at"] = p.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	b, _ := json.Marshal(m)
	return b
}
