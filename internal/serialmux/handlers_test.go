package serialmux

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingIngestor struct {
	payloads []string
	err      error
}

func (r *recordingIngestor) Ingest(_ context.Context, raw []byte) error {
	r.payloads = append(r.payloads, string(raw))
	return r.err
}

const esp32Fixture = `{"index":3,"runtime":120,"Basic ID":{"id_type":"Serial Number (ANSI/CTA-2063-A)","id":"1581F4XFC2213","MAC":"60:60:1f:aa:bb:cc","RSSI":-61},"Location/Vector Message":{"latitude":51.5007,"longitude":-0.1246,"geodetic_altitude":"64.5 m","speed":"3.25 m/s"}}`

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		in   string
		want LineKind
	}{
		{esp32Fixture, LinePayload},
		{`[{"Basic ID":{"id":"X"}}]`, LinePayload},
		{`<event version="2.0" uid="drone-1"/>`, LinePayload},
		{`<?xml version="1.0"?><event/>`, LinePayload},
		{`{"truncated":`, LineLog},
		{`I (1234) wifi: wifi driver task: 3ffc1c44`, LineLog},
		{`[BOOT] ESP-ROM:esp32s3-20210327`, LineLog},
		{"   ", LineEmpty},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyLine(tt.in), tt.in)
	}
}

func TestHandleLine(t *testing.T) {
	ctx := context.Background()
	ing := &recordingIngestor{}

	assert.NoError(t, HandleLine(ctx, ing, esp32Fixture))
	assert.NoError(t, HandleLine(ctx, ing, "ets Jun  8 2016 00:22:57"))
	assert.NoError(t, HandleLine(ctx, ing, ""))
	assert.Equal(t, []string{esp32Fixture}, ing.payloads)

	ing.err = errors.New("dropped")
	assert.Error(t, HandleLine(ctx, ing, `{"identity":"x"}`))
}
