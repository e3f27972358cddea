package normalize

import (
	"errors"
	"strings"
	"time"

	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/units"
)

// Message block names used by Remote ID receivers.
const (
	blockBasicID  = "Basic ID"
	blockLocation = "Location/Vector Message"
	blockSelfID   = "Self-ID Message"
	blockSystem   = "System Message"
	blockOperator = "Operator ID Message"
	blockFPV      = "FPV Detection"
	blockAuxAdv   = "AUX_ADV_IND"
	blockAdvExt   = "aext"
	blockLocFix   = "location"
)

var errNoIdentity = errors.New("no identity field, broadcast id, or MAC address")

type stringChain []func() (string, bool)
type floatChain []func() (float64, bool)

// resolve returns the first extractor result that succeeds.
func (c stringChain) resolve() (string, bool) {
	for _, f := range c {
		if v, ok := f(); ok {
			return v, true
		}
	}
	return "", false
}

func (c floatChain) resolve() (*float64, bool) {
	for _, f := range c {
		if v, ok := f(); ok {
			return &v, true
		}
	}
	return nil, false
}

func fromMap(m map[string]any, keys ...string) func() (string, bool) {
	return func() (string, bool) { return getString(m, keys...) }
}

func floatFromMap(m map[string]any, keys ...string) func() (float64, bool) {
	return func() (float64, bool) { return getFloat(m, keys...) }
}

// basicID holds the ids found in Basic ID blocks. Bluetooth 5 receivers may
// report a serial and a CAA registration side by side.
type basicID struct {
	serial       string
	serialType   string
	registration string
	regType      string
	uaType       string
	mac          string
	rssi         map[string]any
}

func (p *payload) basicIDs() basicID {
	var b basicID
	for _, blk := range p.blocks[blockBasicID] {
		id, _ := getString(blk, "id", "uas_id", "ID")
		idType, _ := getString(blk, "id_type", "ID Type")
		if ua, ok := getString(blk, "ua_type", "UA Type"); ok && b.uaType == "" {
			b.uaType = ua
		}
		if mac, ok := getString(blk, "MAC", "mac"); ok && b.mac == "" {
			b.mac = mac
		}
		if b.rssi == nil && hasAnyKey(blk, "RSSI", "rssi") {
			b.rssi = blk
		}
		if id == "" || strings.EqualFold(id, "none") {
			continue
		}
		if detection.IsRegistrationOnly(idType) {
			if b.registration == "" {
				b.registration, b.regType = id, idType
			}
		} else if b.serial == "" {
			b.serial, b.serialType = id, idType
		}
	}
	return b
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// fpvIdentity strips the address-type suffix from an AdvA value ("01-6914 random").
func fpvIdentity(src string) string {
	if f := strings.Fields(src); len(f) > 0 {
		src = f[0]
	}
	return "fpv-" + src
}

func (p *payload) detection(receivedAt time.Time) (detection.Detection, error) {
	var d detection.Detection
	d.Kind = detection.KindSignal

	bid := p.basicIDs()
	fpv := p.first(blockFPV)
	aux := p.first(blockAuxAdv)
	aext := p.first(blockAdvExt)
	loc := p.first(blockLocation)
	_, isADSB := getString(p.root, "hex")
	isFPVUpdate := aext != nil && hasKeys(p.root, "frequency")
	isFPV := fpv != nil || isFPVUpdate

	d.MAC = p.mac(bid, aux)

	// identity: explicit field, then protocol ids, then CoT uid, then MAC
	identity, ok := stringChain{
		fromMap(p.root, "identity"),
		func() (string, bool) {
			hex, ok := getString(p.root, "hex")
			return "adsb-" + strings.ToLower(strings.TrimPrefix(hex, "~")), ok
		},
		func() (string, bool) {
			src, ok := getString(fpv, "detection_source")
			return fpvIdentity(src), ok
		},
		func() (string, bool) {
			if !isFPVUpdate {
				return "", false
			}
			src, ok := getString(aext, "AdvA")
			return fpvIdentity(src), ok
		},
		func() (string, bool) { return detection.DroneIdentity(bid.serial), bid.serial != "" },
		func() (string, bool) { return detection.DroneIdentity(bid.registration), bid.registration != "" },
		p.cotIdentity(&d),
	}.resolve()
	if !ok {
		if d.MAC == "" {
			return detection.Detection{}, drop(ReasonNoIdentity, errNoIdentity)
		}
		identity = detection.DroneIdentity(d.MAC)
		d.IdentityFromMAC = true
	}
	d.Identity = identity

	d.SourceType = p.sourceType(isADSB, isFPV, aux)

	d.IDType, _ = stringChain{
		fromMap(p.root, "id_type"),
		func() (string, bool) { return "ICAO", isADSB },
		func() (string, bool) { return bid.serialType, bid.serial != "" && bid.serialType != "" },
		func() (string, bool) { return bid.regType, bid.serial == "" && bid.regType != "" },
		func() (string, bool) { return remarkString(remarkIDType, p.remarks) },
	}.resolve()
	if bid.registration != "" {
		d.Registration = bid.registration
	} else if detection.IsRegistrationOnly(d.IDType) {
		d.Registration = detection.BroadcastID(d.Identity)
	}

	d.RSSI, _ = floatChain{
		floatFromMap(p.root, "rssi"),
		floatFromMap(bid.rssi, "RSSI", "rssi"),
		floatFromMap(aux, "rssi"),
		floatFromMap(fpv, "signal_strength", "rssi"),
		func() (float64, bool) { return remarkFloat(remarkRSSI, p.remarks) },
	}.resolve()
	if d.RSSI != nil {
		d.RSSIScale = detection.ScaleDBm
		if *d.RSSI > 0 {
			d.RSSIScale = detection.ScaleRaw
		}
	}

	d.Position = p.position(loc, isADSB)
	d.ObservedAt = p.observedAt(loc, fpv, aux, receivedAt)

	d.Speed, _ = floatChain{
		func() (float64, bool) {
			if isADSB {
				kn, ok := getFloat(p.root, "gs")
				return units.KnotsToMPS(kn), ok
			}
			return getFloat(p.root, "speed")
		},
		floatFromMap(loc, "speed", "horizontal_speed"),
		func() (float64, bool) { return remarkFloat(remarkSpeed, p.remarks) },
	}.resolve()
	d.VerticalSpeed, _ = floatChain{
		floatFromMap(p.root, "vertical_speed", "vert_speed"),
		floatFromMap(loc, "vert_speed", "vertical_speed"),
		func() (float64, bool) { return remarkFloat(remarkVSpeed, p.remarks) },
	}.resolve()
	d.Course, _ = floatChain{
		floatFromMap(p.root, "course", "track"),
		floatFromMap(loc, "direction", "course"),
		func() (float64, bool) { return remarkFloat(remarkCourse, p.remarks) },
	}.resolve()
	d.Frequency, _ = floatChain{
		floatFromMap(p.root, "frequency"),
		floatFromMap(fpv, "frequency"),
	}.resolve()

	d.UAType, _ = stringChain{
		fromMap(p.root, "ua_type"),
		func() (string, bool) { return bid.uaType, bid.uaType != "" },
		func() (string, bool) { return remarkString(remarkUAType, p.remarks) },
	}.resolve()
	d.Description, _ = stringChain{
		fromMap(p.root, "description"),
		fromMap(p.first(blockSelfID), "description", "text"),
		fromMap(fpv, "device_type"),
	}.resolve()
	d.OperatorID, _ = stringChain{
		fromMap(p.root, "operator_id"),
		fromMap(p.first(blockOperator), "operator_id", "Operator ID"),
		func() (string, bool) { return remarkString(remarkOperator, p.remarks) },
	}.resolve()
	d.Callsign, _ = stringChain{
		fromMap(p.root, "flight", "callsign"),
	}.resolve()

	if sys := p.first(blockSystem); sys != nil {
		d.Operator = coordinate(sys, "operator_lat", "operator_lon")
		d.Home = coordinate(sys, "home_lat", "home_lon")
	}

	return d, nil
}

// cotIdentity maps a CoT uid to a drone identity. pilot-* and home-* events
// describe the drone's operator and takeoff point and are tagged as such.
func (p *payload) cotIdentity(d *detection.Detection) func() (string, bool) {
	return func() (string, bool) {
		uid, ok := getString(p.root, "uid")
		if !ok {
			return "", false
		}
		switch {
		case strings.HasPrefix(uid, "pilot-"):
			d.Kind = detection.KindPilot
			return detection.DroneIdentity(strings.TrimPrefix(uid, "pilot-")), true
		case strings.HasPrefix(uid, "home-"):
			d.Kind = detection.KindHome
			return detection.DroneIdentity(strings.TrimPrefix(uid, "home-")), true
		}
		return detection.DroneIdentity(uid), true
	}
}

func (p *payload) mac(bid basicID, aux map[string]any) string {
	mac, _ := stringChain{
		fromMap(p.root, "mac", "MAC"),
		func() (string, bool) { return bid.mac, bid.mac != "" },
		fromMap(aux, "addr", "AdvA"),
		func() (string, bool) { return p.wrapperMAC, p.wrapperMAC != "" },
		func() (string, bool) { return remarkString(remarkMAC, p.remarks) },
	}.resolve()
	return detection.NormalizeMAC(mac)
}

func (p *payload) sourceType(isADSB, isFPV bool, aux map[string]any) detection.SourceType {
	if s, ok := getString(p.root, "source", "source_type"); ok {
		if st, ok := detection.ParseSourceType(s); ok {
			return st
		}
	}
	switch {
	case isADSB:
		return detection.SourceADSB
	case isFPV:
		return detection.SourceFPV
	case aux != nil:
		return detection.SourceBluetooth
	case p.cotType != "":
		return detection.SourceSDR
	}
	return detection.SourceWiFi
}

// position follows explicit fields, then the Remote ID location block, then
// the explicit FPV "location" fix. A coordinate pair is only kept when both
// halves are present; an explicit (0,0) is preserved as such.
func (p *payload) position(loc map[string]any, isADSB bool) *detection.Position {
	pos := positionFrom(p.root, "lat", "lon", "latitude", "longitude")
	if pos != nil {
		if isADSB {
			if ft, ok := getFloat(p.root, "alt_baro", "alt_geom"); ok {
				m := units.FeetToMeters(ft)
				pos.Alt = &m
			}
		} else if alt, ok := getFloat(p.root, "alt", "altitude", "geodetic_altitude"); ok {
			pos.Alt = &alt
		}
		if pos.Alt == nil {
			if alt, ok := remarkFloat(remarkAltitude, p.remarks); ok {
				pos.Alt = &alt
			}
		}
		return pos
	}
	if pos = positionFrom(loc, "latitude", "longitude", "lat", "lon"); pos != nil {
		if alt, ok := getFloat(loc, "geodetic_altitude", "altitude", "pressure_altitude"); ok {
			pos.Alt = &alt
		}
		return pos
	}
	return positionFrom(p.first(blockLocFix), "lat", "lon", "latitude", "longitude")
}

func positionFrom(m map[string]any, latKey, lonKey, altLatKey, altLonKey string) *detection.Position {
	c := coordinate(m, latKey, lonKey)
	if c == nil {
		c = coordinate(m, altLatKey, altLonKey)
	}
	if c == nil {
		return nil
	}
	return &detection.Position{Coordinate: *c}
}

func coordinate(m map[string]any, latKey, lonKey string) *detection.Coordinate {
	lat, okLat := getFloat(m, latKey)
	lon, okLon := getFloat(m, lonKey)
	if !okLat || !okLon {
		return nil
	}
	return &detection.Coordinate{Lat: lat, Lon: lon}
}

func (p *payload) observedAt(loc, fpv, aux map[string]any, receivedAt time.Time) time.Time {
	candidates := []any{
		p.root["observed_at"],
		p.root["timestamp"],
		p.root["time"],
		readsbObserved(p.root),
		field(loc, "timestamp"),
		field(fpv, "timestamp"),
		field(aux, "time"),
	}
	for _, c := range candidates {
		if t, ok := parseTime(c, receivedAt); ok {
			return t
		}
	}
	return receivedAt
}

func field(m map[string]any, k string) any {
	if m == nil {
		return nil
	}
	return m[k]
}

// readsbObserved derives the capture time of an aircraft.json entry from the
// feed's "now" and the entry's "seen" age, both in seconds.
func readsbObserved(root map[string]any) any {
	now, ok := getFloat(root, "now")
	if !ok {
		return nil
	}
	seen, _ := getFloat(root, "seen")
	return now - seen
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
}

// parseTime accepts RFC3339-style strings and Unix seconds or milliseconds.
// Values that are implausible relative to the arrival time are rejected.
func parseTime(v any, receivedAt time.Time) (time.Time, bool) {
	var t time.Time
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(x)
		parsed := false
		for _, layout := range timeLayouts {
			if pt, err := time.Parse(layout, s); err == nil {
				t, parsed = pt, true
				break
			}
		}
		if !parsed {
			return time.Time{}, false
		}
	default:
		f, ok := toFloat(x)
		if !ok {
			return time.Time{}, false
		}
		switch {
		case f > 1e12:
			t = time.UnixMilli(int64(f))
		case f > 1e9:
			sec := int64(f)
			t = time.Unix(sec, int64((f-float64(sec))*1e9))
		default:
			return time.Time{}, false
		}
	}
	t = t.UTC()
	if t.Year() < 2000 || t.After(receivedAt.Add(24*time.Hour)) {
		return time.Time{}, false
	}
	return t, true
}
