package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publisher is the part of mqtt.Client the notifier needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string // host:port or a full tcp:// URL
	Topic    string
	ClientID string
	Logger   *slog.Logger
}

// MQTTNotifier publishes every notification as JSON to {topic}/{session}/{kind}.
// Violations use QoS 1 so proctors do not miss them; the rest are QoS 0.
type MQTTNotifier struct {
	cfg    MQTTConfig
	Client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

func NewMQTTNotifier(cfg MQTTConfig) *MQTTNotifier {
	if cfg.Topic == "" {
		cfg.Topic = "proctor/sessions"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "proctor"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MQTTNotifier{cfg: cfg}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection with automatic reconnects.
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(n.cfg.Broker))
	opts.SetClientID(n.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		n.setConnected(true)
		n.cfg.Logger.Info("mqtt connection established", "broker", n.cfg.Broker, "client_id", n.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		n.setConnected(false)
		n.cfg.Logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", n.cfg.Broker)
	}

	n.Client = mqtt.NewClient(opts)
	n.pub = n.Client

	n.cfg.Logger.Info("connecting to mqtt broker", "broker", n.cfg.Broker)
	token := n.Client.Connect()

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	n.setConnected(true)
	return nil
}

func (n *MQTTNotifier) Notify(_ context.Context, note Notification) error {
	if !n.isConnected() {
		n.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(note)
	if err != nil {
		n.countError()
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%s", n.cfg.Topic, note.Session.ID, note.Kind)
	var qos byte
	if note.Kind == KindViolation || note.Kind == KindEnded {
		qos = 1
	}

	token := n.pub.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		n.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		n.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()

	n.cfg.Logger.Debug("notification published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Disconnect closes the broker connection.
func (n *MQTTNotifier) Disconnect() {
	if n.Client != nil && n.Client.IsConnected() {
		n.Client.Disconnect(250) // 250ms grace period
		n.cfg.Logger.Info("mqtt disconnected")
	}
	n.setConnected(false)
}

// Stats reports how many notifications were published and how many failed.
func (n *MQTTNotifier) Stats() (published, failed uint64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.published, n.errors
}

func (n *MQTTNotifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *MQTTNotifier) isConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func (n *MQTTNotifier) countError() {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}
