package normalize

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/dronewatch/internal/units"
)

const maxNesting = 4

// payload is a flattened view of a decoded message: scalar fields at any
// level land in root, nested objects are collected under their block name.
type payload struct {
	root       map[string]any
	blocks     map[string][]map[string]any
	wrapperMAC string
	remarks    string
	cotType    string
}

func newPayload() *payload {
	return &payload{
		root:   make(map[string]any),
		blocks: make(map[string][]map[string]any),
	}
}

func (p *payload) absorb(v any, depth int) {
	if depth > maxNesting {
		return
	}
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				p.absorbObject(m, depth+1)
			}
		}
	case map[string]any:
		p.absorbObject(x, depth)
	}
}

func (p *payload) absorbObject(m map[string]any, depth int) {
	if depth > maxNesting {
		return
	}
	for _, k := range sortedKeys(m) {
		v := m[k]
		if k == "DroneID" {
			p.absorbWrapper(v, depth)
			continue
		}
		switch x := v.(type) {
		case map[string]any:
			p.blocks[k] = append(p.blocks[k], x)
		case []any:
			objs := objects(x)
			if len(objs) > 0 {
				p.blocks[k] = append(p.blocks[k], objs...)
			}
		default:
			if _, exists := p.root[k]; !exists {
				p.root[k] = v
			}
		}
	}
}

// absorbWrapper unpacks the Wi-Fi {"DroneID": {"<mac>": {...}}} shape.
func (p *payload) absorbWrapper(v any, depth int) {
	inner, ok := v.(map[string]any)
	if !ok {
		return
	}
	for _, mac := range sortedKeys(inner) {
		obj, ok := inner[mac].(map[string]any)
		if !ok {
			continue
		}
		if p.wrapperMAC == "" {
			p.wrapperMAC = mac
		}
		p.absorbObject(obj, depth+1)
		return
	}
}

// isTelemetry reports receiver status messages that carry no detection.
func (p *payload) isTelemetry() bool {
	if len(p.blocks["system_stats"]) > 0 {
		return true
	}
	_, ok := p.root["system_stats"]
	return ok
}

func (p *payload) first(block string) map[string]any {
	if bs := p.blocks[block]; len(bs) > 0 {
		return bs[0]
	}
	return nil
}

func (p *payload) has(block string) bool { return len(p.blocks[block]) > 0 }

func objects(xs []any) []map[string]any {
	var out []map[string]any
	for _, e := range xs {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// getString returns the first non-empty string value among keys.
func getString(m map[string]any, keys ...string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, k := range keys {
		switch x := m[k].(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				return s, true
			}
		case json.Number:
			return x.String(), true
		}
	}
	return "", false
}

// getFloat returns the first parseable numeric value among keys. Unit-suffixed
// strings contribute their numeric prefix.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	for _, k := range keys {
		v, present := m[k]
		if !present {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

// hasKeys reports whether every key is present, whatever its value.
func hasKeys(m map[string]any, keys ...string) bool {
	if m == nil {
		return false
	}
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, false
		}
	case float64:
		f = x
	case string:
		var ok bool
		if f, ok = units.ParseMeasurement(x); !ok {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
