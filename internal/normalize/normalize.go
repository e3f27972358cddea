// Package normalize turns heterogeneous receiver payloads into canonical
// detections. It never panics on malformed input: anything it cannot use is
// reported as a DropError wrapping ErrDropped.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/dronewatch/internal/detection"
)

// ErrDropped is matched by every error Normalize returns.
var ErrDropped = errors.New("payload dropped")

// Reason classifies why a payload was dropped.
type Reason string

const (
	ReasonEmpty      Reason = "empty"
	ReasonMalformed  Reason = "malformed"
	ReasonNoIdentity Reason = "no_identity"
	ReasonTelemetry  Reason = "telemetry"
	ReasonPanic      Reason = "panic"
)

// DropError describes a dropped payload.
type DropError struct {
	Reason Reason
	Err    error
}

func (e *DropError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payload dropped (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("payload dropped (%s)", e.Reason)
}

func (e *DropError) Is(target error) bool { return target == ErrDropped }
func (e *DropError) Unwrap() error        { return e.Err }

func drop(r Reason, err error) error { return &DropError{Reason: r, Err: err} }

// ReasonOf returns the drop reason carried by err, or "" if err is not a drop.
func ReasonOf(err error) Reason {
	var de *DropError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// Normalize converts one raw payload into a Detection. receivedAt is the
// arrival time and is used as observedAt when the payload carries no usable
// capture timestamp.
func Normalize(raw []byte, receivedAt time.Time) (d detection.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = detection.Detection{}
			err = drop(ReasonPanic, fmt.Errorf("%v", r))
		}
	}()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return detection.Detection{}, drop(ReasonEmpty, nil)
	}

	var p *payload
	if trimmed[0] == '<' {
		p, err = parseCoT(trimmed)
		if err != nil {
			return detection.Detection{}, err
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return detection.Detection{}, drop(ReasonMalformed, err)
		}
		p = newPayload()
		p.absorb(v, 0)
		if p.isTelemetry() {
			return detection.Detection{}, drop(ReasonTelemetry, nil)
		}
	}

	d, err = p.detection(receivedAt)
	if err != nil {
		return detection.Detection{}, err
	}
	d.ReceivedAt = receivedAt
	d.RawPayload = rawJSON(trimmed)
	return d, nil
}

// rawJSON keeps JSON payloads verbatim and wraps anything else as a JSON string.
func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return append(json.RawMessage(nil), b...)
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return quoted
}
