// Package publish fans detection events out to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
)

// Config configures the MQTT publisher
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// publisher is the part of mqtt.Client used here
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes every processed frame's kept detections to
// {prefix}/detections as JSON
type MQTTPublisher struct {
	cfg    Config
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewMQTTPublisher creates a publisher. Call Connect before Publish.
func NewMQTTPublisher(cfg Config) *MQTTPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "platestreamer"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "platestreamer"
	}
	return &MQTTPublisher{cfg: cfg}
}

// Topic returns the topic events are published on
func (p *MQTTPublisher) Topic() string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/detections"
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection with automatic reconnects
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	log := logger.WithComponent("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		log.Info().Str("broker", p.cfg.Broker).Str("client_id", p.cfg.ClientID).Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		log.Warn().Err(err).Str("broker", p.cfg.Broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	log.Info().Str("broker", p.cfg.Broker).Msg("Connecting to MQTT broker")

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	p.client = client
	p.pub = client
	p.setConnected(true)
	return nil
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.pub != nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Publish sends ev to the detections topic
func (p *MQTTPublisher) Publish(ctx context.Context, ev session.Event) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := p.Topic()
	token := p.pub.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	logger.WithComponent("mqtt").Debug().
		Str("topic", topic).
		Int("size", len(payload)).
		Int("detections", len(ev.Detections)).
		Msg("Detections published")
	return nil
}

// Stats returns publisher statistics
func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		logger.WithComponent("mqtt").Info().Msg("MQTT disconnected")
	}
	p.setConnected(false)
	return nil
}
