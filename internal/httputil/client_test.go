package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feed struct {
	Now      float64          `json:"now"`
	Aircraft []map[string]any `json:"aircraft"`
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"now": 1717243200, "aircraft": [{"hex": "a1b2c3"}]}`))
	}))
	defer server.Close()

	var f feed
	require.NoError(t, GetJSON(context.Background(), NewStandardClient(nil), server.URL, 1<<20, &f))
	assert.Equal(t, 1717243200.0, f.Now)
	require.Len(t, f.Aircraft, 1)
	assert.Equal(t, "a1b2c3", f.Aircraft[0]["hex"])
}

func TestGetJSON_Errors(t *testing.T) {
	tests := []struct {
		name   string
		client *MockHTTPClient
		limit  int64
		check  func(t *testing.T, err error)
	}{
		{
			name:   "transport",
			client: NewMockHTTPClient().AddErrorResponse(errors.New("connection refused")),
			limit:  1 << 20,
			check:  func(t *testing.T, err error) { assert.ErrorContains(t, err, "connection refused") },
		},
		{
			name:   "status",
			client: NewMockHTTPClient().AddResponse(http.StatusBadGateway, "upstream down"),
			limit:  1 << 20,
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusBadGateway, se.StatusCode)
			},
		},
		{
			name:   "truncated by limit",
			client: NewMockHTTPClient().AddResponse(http.StatusOK, `{"now": 1, "aircraft": []}`),
			limit:  8,
			check:  func(t *testing.T, err error) { assert.ErrorContains(t, err, "decode") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f feed
			err := GetJSON(context.Background(), tt.client, "http://readsb.local/data/aircraft.json", tt.limit, &f)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestMockHTTPClient_Sequence(t *testing.T) {
	m := NewMockHTTPClient().
		AddJSONResponse(map[string]int{"n": 1}).
		AddResponse(http.StatusNotFound, "")

	var got map[string]int
	require.NoError(t, GetJSON(context.Background(), m, "http://a/1", 1024, &got))
	assert.Equal(t, 1, got["n"])

	assert.Error(t, GetJSON(context.Background(), m, "http://a/2", 1024, &got))

	// Exhausted queue falls back to an empty 200.
	req, _ := http.NewRequest(http.MethodGet, "http://a/3", nil)
	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 3, m.RequestCount())
	assert.Equal(t, "/2", m.GetRequest(1).URL.Path)
	assert.Nil(t, m.GetRequest(5))
}

func TestMockHTTPClient_Overrides(t *testing.T) {
	m := NewMockHTTPClient()
	m.DefaultError = errors.New("offline")
	req, _ := http.NewRequest(http.MethodGet, "http://a/", nil)
	_, err := m.Do(req)
	assert.EqualError(t, err, "offline")

	m.DoFunc = func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody}, nil
	}
	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
