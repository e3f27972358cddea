package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad units") }, http.StatusBadRequest, "bad units"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "encounter not found") }, http.StatusNotFound, "encounter not found"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError, "boom"},
		{"custom", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusConflict, "exists") }, http.StatusConflict, "exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tt.write(rec)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.msg, body["error"])
		})
	}
}

func TestWriteJSONOK(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]int{"tracks": 3})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tracks": 3}`, rec.Body.String())
}

func TestDecodeJSONBody(t *testing.T) {
	type rename struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr string
		want    string
	}{
		{name: "ok", body: `{"name":"Neighbour's Mavic"}`, limit: 1024, want: "Neighbour's Mavic"},
		{name: "empty", body: ``, limit: 1024, wantErr: "empty"},
		{name: "unknown field", body: `{"nom":"x"}`, limit: 1024, wantErr: "invalid JSON"},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", 64) + `"}`, limit: 16, wantErr: "larger than 16"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/encounters/x/name", strings.NewReader(tt.body))
			var got rename
			err := DecodeJSONBody(httptest.NewRecorder(), req, tt.limit, &got)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}
