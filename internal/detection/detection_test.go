package detection

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestParseSourceType(t *testing.T) {
	tests := map[string]SourceType{
		"BLE":   SourceBluetooth,
		"bt5":   SourceBluetooth,
		"Wi-Fi": SourceWiFi,
		"sdr":   SourceSDR,
		"FPV":   SourceFPV,
		"ADS-B": SourceADSB,
	}
	for in, want := range tests {
		got, ok := ParseSourceType(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseSourceType("lora")
	assert.False(t, ok)
}

func TestHasUsablePosition(t *testing.T) {
	tests := []struct {
		name string
		pos  *Position
		want bool
	}{
		{"absent", nil, false},
		{"explicit zero", &Position{}, false},
		{"out of range", &Position{Coordinate: Coordinate{Lat: 91, Lon: 10}}, false},
		{"real fix", &Position{Coordinate: Coordinate{Lat: 51.5, Lon: -0.1}}, true},
		{"equator", &Position{Coordinate: Coordinate{Lat: 0, Lon: 12}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Detection{Position: tt.pos}
			assert.Equal(t, tt.want, d.HasUsablePosition())
		})
	}
}

func TestFingerprint(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Detection{Identity: "drone-1", MAC: "aa:bb:cc:dd:ee:01", RSSI: Float(-65), ObservedAt: at}
	b := Detection{Identity: "drone-1", MAC: "AA:BB:CC:DD:EE:01", RSSI: Float(-65), ObservedAt: at, ReceivedAt: at.Add(time.Second)}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "arrival time and MAC case are not part of the key")

	c := b
	c.RSSI = Float(-66)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := b
	d.RSSI = nil
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestClone_IsDeep(t *testing.T) {
	orig := Detection{
		Identity:   "drone-1",
		RSSI:       Float(-70),
		Position:   &Position{Coordinate: Coordinate{Lat: 1, Lon: 2}, Alt: Float(100)},
		Operator:   &Coordinate{Lat: 3, Lon: 4},
		RawPayload: []byte(`{"a":1}`),
	}
	cp := orig.Clone()
	if diff := cmp.Diff(orig, cp); diff != "" {
		t.Fatalf("clone differs (-orig +clone):\n%s", diff)
	}

	*cp.RSSI = -10
	*cp.Position.Alt = 5
	cp.Operator.Lat = 9
	cp.RawPayload[0] = '['
	assert.Equal(t, -70.0, *orig.RSSI)
	assert.Equal(t, 100.0, *orig.Position.Alt)
	assert.Equal(t, 3.0, orig.Operator.Lat)
	assert.Equal(t, byte('{'), orig.RawPayload[0])
}

func TestIDTypeClassification(t *testing.T) {
	assert.True(t, IsRegistrationOnly("CAA Assigned Registration ID"))
	assert.True(t, IsRegistrationOnly("caa"))
	assert.False(t, IsRegistrationOnly("Serial Number (ANSI/CTA-2063-A)"))
	assert.True(t, IsSerialNumber("Serial Number (ANSI/CTA-2063-A)"))
	assert.False(t, IsSerialNumber("ICAO"))
}

func TestDroneIdentity(t *testing.T) {
	tests := []struct {
		broadcast, identity string
	}{
		{"1581F5FJD228400002DV", "drone-1581F5FJD228400002DV"},
		{"GBR-RP-1", "drone-GBR-RP-1"},
		{"AA:BB:CC:DD:EE:01", "drone-AA:BB:CC:DD:EE:01"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.identity, DroneIdentity(tt.broadcast))
		assert.Equal(t, tt.identity, DroneIdentity(tt.identity), "already prefixed")
		assert.Equal(t, tt.broadcast, BroadcastID(tt.identity))
	}
	assert.Equal(t, "fpv-01-6914", BroadcastID("fpv-01-6914"))
	assert.Equal(t, "adsb-4ca1b2", BroadcastID("adsb-4ca1b2"))
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:01", NormalizeMAC(" aa-bb-cc-dd-ee-01 "))
	assert.Equal(t, "", NormalizeMAC("01-6914 random"))
	assert.Equal(t, "", NormalizeMAC(""))
}

func TestValidCTASerial(t *testing.T) {
	tests := []struct {
		serial string
		want   bool
	}{
		{"1581F5FKD229400", false}, // length code F but 10 chars follow
		{"1581A1234567890", true},  // length code A = 10
		{"1596311111", false},      // length code 3 but 5 chars follow
		{"15963111", true},
		{"15960ABC", false}, // length code 0 is reserved
		{"1596I1", false},   // I is not in the alphabet
		{"abcd3xyz", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.serial, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidCTASerial(tt.serial))
		})
	}
}

func TestDistanceMeters(t *testing.T) {
	a := Coordinate{Lat: 51.5007, Lon: -0.1246} // Westminster
	b := Coordinate{Lat: 51.5033, Lon: -0.1195} // London Eye
	assert.InDelta(t, 460, DistanceMeters(a, b), 20)
	assert.Zero(t, DistanceMeters(a, a))

	// one degree of latitude is ~111 km everywhere
	assert.InDelta(t, 111195, DistanceMeters(Coordinate{Lat: 10, Lon: 5}, Coordinate{Lat: 11, Lon: 5}), 100)
}
