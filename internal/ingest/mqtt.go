package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/dronewatch/internal/monitoring"
)

// MQTTConfig configures the MQTT subscriber.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Topics   []string
	QoS      byte
	Username string
	Password string
}

// MQTTSource subscribes to detection topics on a broker. Connection state is
// reported to the engine from the client's connect and connection-lost
// callbacks; the client reconnects on its own.
type MQTTSource struct {
	counters
	cfg MQTTConfig
	ing Ingestor

	mu     sync.Mutex
	runCtx context.Context
}

func NewMQTTSource(cfg MQTTConfig, ing Ingestor) *MQTTSource {
	if cfg.ClientID == "" {
		cfg.ClientID = "dronewatch"
	}
	return &MQTTSource{cfg: cfg, ing: ing, runCtx: context.Background()}
}

func (s *MQTTSource) Name() string { return "mqtt" }

func (s *MQTTSource) Run(ctx context.Context) error {
	if s.cfg.Broker == "" || len(s.cfg.Topics) == 0 {
		return fmt.Errorf("mqtt source needs a broker and at least one topic")
	}
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)
	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = s.onConnectionLost

	s.ing.SetTransportState(s.Name(), false)
	client := mqtt.NewClient(opts)
	monitoring.Logf("[ingest/mqtt] connecting to %s", s.cfg.Broker)
	// With connect retry enabled the token only completes once connected, so
	// it is not waited on here.
	client.Connect()

	<-ctx.Done()
	client.Disconnect(250)
	s.ing.SetTransportState(s.Name(), false)
	return ctx.Err()
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	filters := make(map[string]byte, len(s.cfg.Topics))
	for _, t := range s.cfg.Topics {
		filters[t] = s.cfg.QoS
	}
	token := c.SubscribeMultiple(filters, s.onMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		monitoring.Logf("[ingest/mqtt] subscribe %v failed: %v", s.cfg.Topics, token.Error())
		return
	}
	monitoring.Logf("[ingest/mqtt] connected to %s, subscribed to %v", s.cfg.Broker, s.cfg.Topics)
	s.ing.SetTransportState(s.Name(), true)
}

func (s *MQTTSource) onConnectionLost(_ mqtt.Client, err error) {
	monitoring.Logf("[ingest/mqtt] connection lost, reconnecting: %v", err)
	s.ing.SetTransportState(s.Name(), false)
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	_ = s.deliver(ctx, s.ing, s.Name(), msg.Payload())
}
