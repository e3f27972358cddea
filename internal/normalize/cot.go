package normalize

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// cotUnknownHAE is the Cursor-on-Target sentinel for "no altitude".
const cotUnknownHAE = 9999999.0

// cotTelemetryType marks receiver status events.
const cotTelemetryType = "a-f-G-E-S"

type cotEvent struct {
	XMLName xml.Name `xml:"event"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	Time    string   `xml:"time,attr"`
	Point   struct {
		Lat string `xml:"lat,attr"`
		Lon string `xml:"lon,attr"`
		HAE string `xml:"hae,attr"`
	} `xml:"point"`
	Detail struct {
		Contact struct {
			Callsign string `xml:"callsign,attr"`
		} `xml:"contact"`
		Track *struct {
			Course string `xml:"course,attr"`
			Speed  string `xml:"speed,attr"`
		} `xml:"track"`
		Remarks string `xml:"remarks"`
	} `xml:"detail"`
}

func parseCoT(b []byte) (*payload, error) {
	var ev cotEvent
	if err := xml.Unmarshal(b, &ev); err != nil {
		return nil, drop(ReasonMalformed, fmt.Errorf("cot: %w", err))
	}
	if strings.HasPrefix(ev.Type, cotTelemetryType) {
		return nil, drop(ReasonTelemetry, nil)
	}

	p := newPayload()
	p.cotType = ev.Type
	p.remarks = ev.Detail.Remarks
	setString(p.root, "uid", ev.UID)
	setString(p.root, "time", ev.Time)
	setString(p.root, "callsign", ev.Detail.Contact.Callsign)

	// A point is only a point if both coordinates parse.
	lat, latErr := strconv.ParseFloat(strings.TrimSpace(ev.Point.Lat), 64)
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(ev.Point.Lon), 64)
	if latErr == nil && lonErr == nil {
		p.root["lat"] = lat
		p.root["lon"] = lon
		if hae, err := strconv.ParseFloat(strings.TrimSpace(ev.Point.HAE), 64); err == nil && hae < cotUnknownHAE {
			p.root["alt"] = hae
		}
	}
	if tr := ev.Detail.Track; tr != nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(tr.Speed), 64); err == nil {
			p.root["speed"] = v
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(tr.Course), 64); err == nil {
			p.root["course"] = v
		}
	}
	return p, nil
}

func setString(m map[string]any, k, v string) {
	if v = strings.TrimSpace(v); v != "" {
		m[k] = v
	}
}
