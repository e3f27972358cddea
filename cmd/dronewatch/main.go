package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/dronewatch/internal/api"
	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/db"
	"github.com/banshee-data/dronewatch/internal/encounter"
	"github.com/banshee-data/dronewatch/internal/engine"
	"github.com/banshee-data/dronewatch/internal/ingest"
	"github.com/banshee-data/dronewatch/internal/serialmux"
	"github.com/banshee-data/dronewatch/internal/sink"
	"github.com/banshee-data/dronewatch/internal/timeutil"
	"github.com/banshee-data/dronewatch/internal/units"
	"github.com/banshee-data/dronewatch/internal/version"
)

var (
	dbPath      = flag.String("db", "dronewatch.db", "Path to the encounter database")
	listen      = flag.String("listen", ":8080", "Listen address")
	configPath  = flag.String("config", "", "Tuning config file (.json or .yaml); defaults apply when empty")
	unitsFlag   = flag.String("units", units.MPS, "Default speed unit for API responses ("+units.GetValidUnitsString()+")")
	corsOrigins = flag.String("cors-origins", "", "Comma-separated origins allowed to call the API from a browser")
	devMode     = flag.Bool("dev", false, "Replay canned receiver lines instead of opening a serial port")
	showVersion = flag.Bool("version", false, "Print the version and exit")

	mqttBroker   = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	mqttTopics   = flag.String("mqtt-topics", "drones/#", "Comma-separated MQTT topics to subscribe to")
	mqttClientID = flag.String("mqtt-client-id", "", "MQTT client id (random when empty)")

	udpAddr  = flag.String("udp", "", "UDP listen address, e.g. :6969 or 239.2.3.1:6969 for multicast")
	udpIface = flag.String("udp-iface", "", "Interface for multicast UDP")

	serialPort = flag.String("serial", "", "Serial receiver device, e.g. /dev/ttyUSB0")
	serialBaud = flag.Int("serial-baud", serialmux.DefaultBaudRate, "Serial receiver baud rate")

	adsbURL      = flag.String("adsb-url", "", "readsb aircraft.json URL")
	adsbInterval = flag.Duration("adsb-interval", time.Second, "ADS-B poll interval")

	pcapPath  = flag.String("pcap", "", "Replay UDP payloads from a pcap or pcapng capture")
	pcapPort  = flag.Int("pcap-port", 0, "Only replay packets to or from this UDP port (0 = all)")
	pcapSpeed = flag.Float64("pcap-speed", 1, "Capture replay speed multiplier (0 = as fast as possible)")

	replayPath     = flag.String("replay", "", "Replay a JSON-lines file of raw payloads")
	replayInterval = flag.Duration("replay-interval", 0, "Delay between replayed lines")

	kafkaBrokers = flag.String("kafka-brokers", "", "Comma-separated Kafka brokers for the event sink")
	kafkaTopic   = flag.String("kafka-topic", "dronewatch.events", "Kafka topic for the event sink")
	kafkaTypes   = flag.String("kafka-types", "", "Comma-separated event types to publish (all when empty)")
)

// devLines stand in for an ESP32 receiver in --dev mode.
var devLines = []string{
	"I (312) boot: ESP-IDF v5.1 2nd stage bootloader",
	`{"identity":"DEV-DRONE-1","source":"bluetooth","mac":"60:60:1f:00:00:01","rssi":-62,"lat":37.7749,"lon":-122.4194,"alt":80}`,
	`{"identity":"DEV-DRONE-2","source":"wifi","mac":"60:60:1f:00:00:02","rssi":-75}`,
	`{"identity":"DEV-DRONE-1","source":"bluetooth","mac":"60:60:1f:00:00:01","rssi":-60,"lat":37.7751,"lon":-122.4191,"alt":85}`,
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// buildSources turns the transport flags into ingest sources. The serial mux,
// when one is configured, is returned for its admin routes.
func buildSources(ing ingest.Ingestor, clock timeutil.Clock) ([]ingest.Source, serialmux.Mux, error) {
	var (
		sources []ingest.Source
		serial  serialmux.Mux
	)

	if *mqttBroker != "" {
		sources = append(sources, ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   *mqttBroker,
			ClientID: *mqttClientID,
			Topics:   splitList(*mqttTopics),
		}, ing))
	}
	if *udpAddr != "" {
		src := ingest.NewUDPSource(ingest.UDPConfig{Address: *udpAddr, Interface: *udpIface}, ing)
		if err := src.Listen(); err != nil {
			return nil, nil, err
		}
		sources = append(sources, src)
	}
	switch {
	case *devMode:
		serial = serialmux.NewSerialMux[serialmux.SerialPorter](serialmux.NewReplayPort(devLines, time.Second))
		sources = append(sources, ingest.NewSerialSource(serial, ing))
	case *serialPort != "":
		mux, err := serialmux.Open(*serialPort, serialmux.PortOptions{BaudRate: *serialBaud}, nil)
		if err != nil {
			return nil, nil, err
		}
		serial = mux
		sources = append(sources, ingest.NewSerialSource(serial, ing))
	}
	if *adsbURL != "" {
		sources = append(sources, ingest.NewADSBSource(ingest.ADSBConfig{
			URL:      *adsbURL,
			Interval: *adsbInterval,
			Clock:    clock,
		}, ing))
	}
	if *pcapPath != "" {
		if *pcapPort < 0 || *pcapPort > 65535 {
			return nil, nil, fmt.Errorf("invalid --pcap-port %d", *pcapPort)
		}
		sources = append(sources, ingest.NewPcapSource(ingest.PcapConfig{
			Path:  *pcapPath,
			Port:  uint16(*pcapPort),
			Speed: *pcapSpeed,
			Clock: clock,
		}, ing))
	}
	if *replayPath != "" {
		sources = append(sources, ingest.NewReplaySource(ingest.ReplayConfig{
			Path:     *replayPath,
			Interval: *replayInterval,
			Clock:    clock,
		}, ing))
	}
	return sources, serial, nil
}

func buildSink() (*sink.Publisher, error) {
	brokers := splitList(*kafkaBrokers)
	if len(brokers) == 0 {
		return nil, nil
	}
	var types []engine.EventType
	for _, t := range splitList(*kafkaTypes) {
		types = append(types, engine.EventType(t))
	}
	return sink.New(sink.Config{Brokers: brokers, Topic: *kafkaTopic, Acks: 1, Types: types})
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		migrateFlags := flag.NewFlagSet("migrate", flag.ExitOnError)
		path := migrateFlags.String("db", "dronewatch.db", "Path to the encounter database")
		_ = migrateFlags.Parse(os.Args[2:])
		db.RunMigrateCommand(migrateFlags.Args(), *path)
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*unitsFlag) {
		log.Fatalf("invalid --units %q, must be one of: %s", *unitsFlag, units.GetValidUnitsString())
	}

	tuning, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := timeutil.RealClock{}
	repo := db.NewEncounterRepository(database)
	store := encounter.NewStore(repo, encounter.CommitConfigFromTuning(tuning), clock)
	if err := store.Load(ctx); err != nil {
		log.Fatalf("failed to load encounters: %v", err)
	}

	eng := engine.New(engine.ConfigFromTuning(tuning), store, clock)
	eng.Start(ctx)

	sources, serial, err := buildSources(eng, clock)
	if err != nil {
		log.Fatalf("failed to configure sources: %v", err)
	}
	if len(sources) == 0 {
		log.Print("no transports configured; accepting payloads on POST /api/ingest only")
	}

	publisher, err := buildSink()
	if err != nil {
		log.Fatalf("failed to configure kafka sink: %v", err)
	}

	server := api.NewServer(eng, repo, api.Config{
		Units:          *unitsFlag,
		AllowedOrigins: splitList(*corsOrigins),
	})
	server.AddStats("sources", func() any {
		out := make(map[string]ingest.Stats, len(sources))
		for _, s := range sources {
			out[s.Name()] = s.Stats()
		}
		return out
	})
	server.AddStats("database", func() any {
		st, err := database.Stats(context.Background())
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return st
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingest.Run(ctx, sources...); err != nil {
			log.Printf("ingest stopped: %v", err)
		}
		log.Print("ingest routine terminated")
	}()

	if publisher != nil {
		server.AddStats("sink", func() any { return publisher.Stats() })
		publisher.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Forward(ctx, eng); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("event sink stopped: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", server.Handler())
	database.AttachAdminRoutes(mux)
	if serial != nil {
		serial.AttachAdminRoutes(mux)
		server.AddStats("serial", func() any { return serial.Stats() })
	}

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("%s listening on %s", version.Get().String(), *listen)

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("failed to shut down server: %v", err)
		}
		log.Print("http server terminated")
	}()

	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if publisher != nil {
		if err := publisher.Stop(stopCtx); err != nil {
			log.Printf("failed to stop event sink: %v", err)
		}
	}
	if err := eng.Stop(stopCtx); err != nil {
		log.Printf("failed to stop engine: %v", err)
	}
	log.Print("graceful shutdown complete")
}
