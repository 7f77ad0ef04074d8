// Package bus subscribes to the MQTT update topic (§6) and dispatches
// decoded events to the supervisor/state store, mirroring ping with pong
// on the same topic family.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
)

// EventType is the recognized payload "type" field, per §6's message table.
type EventType string

const (
	EventSettings      EventType = "settings"
	EventBatteryConfig EventType = "battery_config"
	EventBatteryAdd    EventType = "battery_add"
	EventBatteryRemove EventType = "battery_remove"
	EventTask          EventType = "task"
	EventTestModbus    EventType = "test_modbus"
	EventPing          EventType = "ping"
)

// envelope is the raw wire shape: { "type": T, "consus_id"?: string, "data"?: object }.
type envelope struct {
	Type     string          `json:"type"`
	ConsusID string          `json:"consus_id"`
	Data     json.RawMessage `json:"data"`
}

// Handlers is the set of callbacks the bus dispatches decoded events to.
// An event whose handler is nil is ignored without logging.
type Handlers struct {
	OnSettings      func(data json.RawMessage)
	OnBatteryConfig func(consusID string, data json.RawMessage)
	OnBatteryAdd    func(consusID string, data json.RawMessage)
	OnBatteryRemove func(consusID string)
	OnTask          func(consusID string, data json.RawMessage)
	OnTestModbus    func(consusID string)
}

// Config describes how to reach the broker.
type Config struct {
	BrokerHost string
	BrokerPort int
	GroupID    string
	User       string
	Password   string
	KeepAlive  time.Duration
	CACertPath string // optional explicit CA bundle; falls back to OS default search
}

// Bus owns the paho client and dispatch wiring.
type Bus struct {
	cfg      Config
	log      logging.Logger
	handlers Handlers
	client   mqtt.Client
	topic    string
	pongTopic string
}

// New builds a Bus. Connect must be called to actually dial the broker.
func New(cfg Config, handlers Handlers, log logging.Logger) *Bus {
	topic := fmt.Sprintf("lanzone/%s/updates", cfg.GroupID)
	b := &Bus{
		cfg: cfg, log: log, handlers: handlers,
		topic:     topic,
		pongTopic: strings.Replace(topic, "updates", "pong", 1),
	}
	return b
}

// defaultCACandidates mirrors the macOS-then-Debian/Raspbian bundle search
// the original listener performs when no explicit CA path is configured.
var defaultCACandidates = []string{"/etc/ssl/cert.pem", "/etc/ssl/certs/ca-certificates.crt"}

func resolveCACert(explicit string) (*x509.CertPool, bool) {
	candidates := defaultCACandidates
	if explicit != "" {
		candidates = []string{explicit}
	}
	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(raw) {
			return pool, true
		}
	}
	return nil, false
}

// Connect dials the broker and subscribes to the update topic at QoS 1.
// TLS is enabled automatically on port 8883.
func (b *Bus) Connect() error {
	clientID := fmt.Sprintf("edge-%s-%d", b.cfg.GroupID, time.Now().UnixNano())
	scheme := "tcp"
	if b.cfg.BrokerPort == 8883 {
		scheme = "ssl" // paho only dials TLS for ssl/tls schemes
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, b.cfg.BrokerHost, b.cfg.BrokerPort)).
		SetClientID(clientID).
		SetKeepAlive(b.cfg.KeepAlive).
		SetAutoReconnect(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	if b.cfg.User != "" {
		opts.SetUsername(b.cfg.User)
		opts.SetPassword(b.cfg.Password)
	}

	if b.cfg.BrokerPort == 8883 {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if pool, ok := resolveCACert(b.cfg.CACertPath); ok {
			tlsCfg.RootCAs = pool
		}
		opts.SetTLSConfig(tlsCfg)
	}

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect cleanly closes the connection.
func (b *Bus) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

func (b *Bus) onConnect(client mqtt.Client) {
	token := client.Subscribe(b.topic, 1, b.onMessage)
	token.Wait()
	if err := token.Error(); err != nil && b.log != nil {
		b.log.ErrorCtx(context.Background(), "bus: subscribe failed", "topic", b.topic, "error", err)
		return
	}
	if b.log != nil {
		b.log.InfoCtx(context.Background(), "bus: connected", "topic", b.topic)
	}
}

func (b *Bus) onConnectionLost(client mqtt.Client, err error) {
	if b.log != nil {
		b.log.WarnCtx(context.Background(), "bus: connection lost", "error", err)
	}
}

func (b *Bus) onMessage(client mqtt.Client, msg mqtt.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		if b.log != nil {
			b.log.WarnCtx(context.Background(), "bus: bad JSON", "topic", msg.Topic(), "error", err)
		}
		return
	}
	b.dispatch(client, env)
}

func (b *Bus) dispatch(client mqtt.Client, env envelope) {
	switch EventType(env.Type) {
	case EventSettings:
		if b.handlers.OnSettings != nil {
			b.handlers.OnSettings(env.Data)
		}
	case EventBatteryConfig:
		if env.ConsusID != "" && b.handlers.OnBatteryConfig != nil {
			b.handlers.OnBatteryConfig(env.ConsusID, env.Data)
		}
	case EventBatteryAdd:
		if env.ConsusID != "" && b.handlers.OnBatteryAdd != nil {
			b.handlers.OnBatteryAdd(env.ConsusID, env.Data)
		}
	case EventBatteryRemove:
		if env.ConsusID != "" && b.handlers.OnBatteryRemove != nil {
			b.handlers.OnBatteryRemove(env.ConsusID)
		}
	case EventTask:
		if env.ConsusID != "" && b.handlers.OnTask != nil {
			b.handlers.OnTask(env.ConsusID, env.Data)
		}
	case EventTestModbus:
		if env.ConsusID != "" && b.handlers.OnTestModbus != nil {
			b.handlers.OnTestModbus(env.ConsusID)
		}
	case EventPing:
		b.publishPong(client)
	default:
		if b.log != nil {
			b.log.WarnCtx(context.Background(), "bus: unknown event type", "type", env.Type)
		}
	}
}

func (b *Bus) publishPong(client mqtt.Client) {
	payload, _ := json.Marshal(map[string]string{"type": "pong"})
	token := client.Publish(b.pongTopic, 1, false, payload)
	token.Wait()
}

// ParseTaskUpdate decodes a task event's raw data into state.TaskUpdate
// before handing it to the store.
func ParseTaskUpdate(raw json.RawMessage) (state.TaskUpdate, error) {
	var tu state.TaskUpdate
	if err := json.Unmarshal(raw, &tu); err != nil {
		return state.TaskUpdate{}, fmt.Errorf("bus: decode task update: %w", err)
	}
	return tu, nil
}

// ParseSettings decodes a settings event's raw data.
func ParseSettings(raw json.RawMessage) (state.GlobalSettings, error) {
	var s state.GlobalSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return state.GlobalSettings{}, fmt.Errorf("bus: decode settings: %w", err)
	}
	return s, nil
}

// ParseUnitConfig decodes a battery_config/battery_add event's raw data.
func ParseUnitConfig(consusID string, raw json.RawMessage) (state.UnitConfig, error) {
	var u state.UnitConfig
	if err := json.Unmarshal(raw, &u); err != nil {
		return state.UnitConfig{}, fmt.Errorf("bus: decode unit config: %w", err)
	}
	u.ConsusID = consusID
	return u, nil
}
