package ingest

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dronewatch/internal/httputil"
	"github.com/banshee-data/dronewatch/internal/normalize"
	"github.com/banshee-data/dronewatch/internal/serialmux"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

// recorder is an Ingestor that keeps every payload and transport change.
type recorder struct {
	mu       sync.Mutex
	payloads []string
	states   []string
	reject   func(raw []byte) error
}

func (r *recorder) Ingest(_ context.Context, raw []byte) error {
	if r.reject != nil {
		if err := r.reject(raw); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(raw))
	return nil
}

func (r *recorder) SetTransportState(name string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "down"
	if connected {
		state = "up"
	}
	r.states = append(r.states, name+":"+state)
}

func (r *recorder) Payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestDeliver_CountsOutcomes(t *testing.T) {
	ing := &recorder{reject: func(raw []byte) error {
		switch string(raw) {
		case "drop":
			return &normalize.DropError{Reason: normalize.ReasonMalformed}
		case "fail":
			return errors.New("engine stopped")
		}
		return nil
	}}
	var c counters
	ctx := context.Background()

	assert.NoError(t, c.deliver(ctx, ing, "test", []byte("ok")))
	assert.NoError(t, c.deliver(ctx, ing, "test", []byte("drop")))
	assert.Error(t, c.deliver(ctx, ing, "test", []byte("fail")))

	assert.Equal(t, Stats{Received: 3, Dropped: 1, Failed: 1}, c.Stats())
	assert.Equal(t, []string{"ok"}, ing.Payloads())
}

type fakeSource struct {
	counters
	name string
	err  error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_JoinsErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx,
			&fakeSource{name: "a", err: boom},
			&fakeSource{name: "b"},
		)
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_CancelOnlyIsNil(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, Run(ctx, &fakeSource{name: "a"}, &fakeSource{name: "b"}))
}

func TestUDPSource_DeliversDatagrams(t *testing.T) {
	ing := &recorder{}
	src := NewUDPSource(UDPConfig{Address: "127.0.0.1:0"}, ing)
	require.NoError(t, src.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	conn, err := net.Dial("udp", src.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"identity":"drone-1","source":"wifi"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ing.Payloads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"identity":"drone-1","source":"wifi"}`, ing.Payloads()[0])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"udp:up", "udp:down"}, ing.States())
	assert.Equal(t, uint64(1), src.Stats().Received)
}

func TestUDPSource_BadAddress(t *testing.T) {
	src := NewUDPSource(UDPConfig{Address: "not-an-address"}, &recorder{})
	assert.Error(t, src.Run(context.Background()))
}

const aircraftJSON = `{
  "now": 1717243200.5,
  "messages": 1234,
  "aircraft": [
    {"hex": "a1b2c3", "flight": "N123AB  ", "lat": 37.7, "lon": -122.4, "alt_baro": 1500, "seen": 0.3},
    {"hex": "abcdef", "seen": 12.0}
  ]
}`

func TestADSBSource_Poll(t *testing.T) {
	ing := &recorder{}
	client := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, aircraftJSON)
	src := NewADSBSource(ADSBConfig{URL: "http://readsb.local/data/aircraft.json", Client: client}, ing)

	n, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	payloads := ing.Payloads()
	require.Len(t, payloads, 2)
	assert.Contains(t, payloads[0], `"hex":"a1b2c3"`)
	assert.Contains(t, payloads[0], `"now":1717243200.5`)
	assert.Equal(t, "http://readsb.local/data/aircraft.json", client.GetRequest(0).URL.String())
}

func TestADSBSource_PollErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *httputil.MockHTTPClient
	}{
		{"transport", httputil.NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))},
		{"status", httputil.NewMockHTTPClient().AddResponse(http.StatusServiceUnavailable, "")},
		{"body", httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "<html>")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &recorder{}
			src := NewADSBSource(ADSBConfig{URL: "http://readsb.local/aircraft.json", Client: tt.client}, ing)
			_, err := src.Poll(context.Background())
			assert.Error(t, err)
			assert.Empty(t, ing.Payloads())
		})
	}
}

func TestADSBSource_RunTracksFeedState(t *testing.T) {
	var hits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if !first {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(aircraftJSON))
	}))
	defer server.Close()

	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ing := &recorder{}
	src := NewADSBSource(ADSBConfig{URL: server.URL, Interval: time.Second, Clock: clock}, ing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ing.Payloads()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(ing.States()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	states := ing.States()
	assert.Equal(t, []string{"adsb:up", "adsb:down"}, states[:2])
}

func TestSerialSource_RoutesPayloadsAndLogs(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.AddReadData([]byte(strings.Join([]string{
		"boot: esp32 remote id receiver v1.2",
		`{"identity":"drone-1","source":"bluetooth","mac":"aa:bb:cc:dd:ee:ff","rssi":-60}`,
		"",
		`{"identity":"drone-2","source":"wifi"}`,
	}, "\n") + "\n"))
	mux := serialmux.NewSerialMux[serialmux.SerialPorter](port)
	ing := &recorder{}
	src := NewSerialSource(mux, ing)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, src.Run(ctx))

	payloads := ing.Payloads()
	require.Len(t, payloads, 2)
	assert.Contains(t, payloads[0], "drone-1")
	assert.Contains(t, payloads[1], "drone-2")
	assert.Equal(t, []string{"serial:up", "serial:down"}, ing.States())
	assert.Equal(t, Stats{Received: 2}, src.Stats())
}

func TestSerialSource_ReadError(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	mux := serialmux.NewSerialMux[serialmux.SerialPorter](port)
	src := NewSerialSource(mux, &recorder{})

	err := src.Run(context.Background())
	assert.ErrorContains(t, err, "device unplugged")
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

var _ mqtt.Message = (*fakeMessage)(nil)

func TestMQTTSource_Callbacks(t *testing.T) {
	ing := &recorder{}
	src := NewMQTTSource(MQTTConfig{Broker: "tcp://localhost:1883", Topics: []string{"dronewatch/#"}}, ing)

	src.onMessage(nil, &fakeMessage{topic: "dronewatch/esp32", payload: []byte(`{"identity":"drone-1"}`)})
	src.onConnectionLost(nil, errors.New("EOF"))

	assert.Equal(t, []string{`{"identity":"drone-1"}`}, ing.Payloads())
	assert.Equal(t, []string{"mqtt:down"}, ing.States())
	assert.Equal(t, "dronewatch", src.cfg.ClientID)
}

func TestMQTTSource_RequiresTopics(t *testing.T) {
	src := NewMQTTSource(MQTTConfig{Broker: "tcp://localhost:1883"}, &recorder{})
	assert.Error(t, src.Run(context.Background()))
}

func writeCapture(t *testing.T, path string, start time.Time, packets []struct {
	port    uint16
	payload string
}) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, p := range packets {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x01, 0, 0x5e, 0x02, 0x03, 0x01},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      1,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 20),
			DstIP:    net.IPv4(239, 2, 3, 1),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(p.port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p.payload)))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 100 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
}

func TestPcapSource_FiltersByPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cot.pcap")
	writeCapture(t, path, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), []struct {
		port    uint16
		payload string
	}{
		{6969, `<event uid="drone-1"/>`},
		{5353, `mdns noise`},
		{6969, `<event uid="drone-2"/>`},
	})

	ing := &recorder{}
	src := NewPcapSource(PcapConfig{Path: path, Port: 6969}, ing)
	require.NoError(t, src.Run(context.Background()))

	assert.Equal(t, []string{`<event uid="drone-1"/>`, `<event uid="drone-2"/>`}, ing.Payloads())
	assert.Empty(t, ing.States())
}

func TestPcapSource_AllPorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all.pcap")
	writeCapture(t, path, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), []struct {
		port    uint16
		payload string
	}{
		{6969, "a"},
		{4242, "b"},
	})

	ing := &recorder{}
	require.NoError(t, NewPcapSource(PcapConfig{Path: path}, ing).Run(context.Background()))
	assert.Len(t, ing.Payloads(), 2)
}

func TestPcapSource_MissingFile(t *testing.T) {
	src := NewPcapSource(PcapConfig{Path: filepath.Join(t.TempDir(), "missing.pcap")}, &recorder{})
	assert.Error(t, src.Run(context.Background()))
}

func TestPcapSource_NotACapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not pcap"), 0o644))
	assert.Error(t, NewPcapSource(PcapConfig{Path: path}, &recorder{}).Run(context.Background()))
}

func TestReplaySource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	var buf bytes.Buffer
	buf.WriteString("# captured 2025-06-01\n")
	buf.WriteString(`{"identity":"drone-1","source":"bluetooth"}` + "\n")
	buf.WriteString("\n")
	buf.WriteString(`  {"identity":"drone-2","source":"wifi"}  ` + "\n")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	ing := &recorder{}
	src := NewReplaySource(ReplayConfig{Path: path, AllowedDirs: []string{dir}}, ing)
	require.NoError(t, src.Run(context.Background()))

	assert.Equal(t, []string{
		`{"identity":"drone-1","source":"bluetooth"}`,
		`{"identity":"drone-2","source":"wifi"}`,
	}, ing.Payloads())
}

func TestReplaySource_PathOutsideAllowedDirs(t *testing.T) {
	allowed := t.TempDir()
	other := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(other, []byte(`{"identity":"x"}`), 0o644))

	ing := &recorder{}
	err := NewReplaySource(ReplayConfig{Path: other, AllowedDirs: []string{allowed}}, ing).Run(context.Background())
	assert.ErrorContains(t, err, "invalid replay path")
	assert.Empty(t, ing.Payloads())
}

func TestReplaySource_IntervalHonoursCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"identity\":\"a\"}\n{\"identity\":\"b\"}\n"), 0o644))

	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ing := &recorder{}
	src := NewReplaySource(ReplayConfig{Path: path, AllowedDirs: []string{dir}, Interval: time.Minute, Clock: clock}, ing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ing.Payloads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, ing.Payloads(), 1)
}
