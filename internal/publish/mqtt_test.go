package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	err  error
	sent []message
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: c.err}
}

func connected(cfg Config, c *fakeClient) *MQTTPublisher {
	p := NewMQTTPublisher(cfg)
	p.pub = c
	p.connected = true
	return p
}

func TestPublishEvent(t *testing.T) {
	c := &fakeClient{}
	p := connected(Config{TopicPrefix: "lot/gate1/", QoS: 1}, c)

	ev := session.Event{
		SessionID:  "abc",
		Source:     "device:0",
		FrameSeq:   9,
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Detections: []detect.Detection{{Text: "ABC123", Confidence: 0.9, BBox: [4]int{1, 2, 3, 4}}},
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(c.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(c.sent))
	}
	if c.sent[0].topic != "lot/gate1/detections" || c.sent[0].qos != 1 {
		t.Errorf("topic/qos = %s/%d, want lot/gate1/detections/1", c.sent[0].topic, c.sent[0].qos)
	}

	var got session.Event
	if err := json.Unmarshal(c.sent[0].payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.SessionID != "abc" || len(got.Detections) != 1 || got.Detections[0].Text != "ABC123" {
		t.Errorf("payload = %+v", got)
	}
	if st := p.Stats(); st.Published != 1 || st.Errors != 0 {
		t.Errorf("Stats() = %+v, want 1 published", st)
	}
}

func TestPublishNotConnected(t *testing.T) {
	p := NewMQTTPublisher(Config{})
	if err := p.Publish(context.Background(), session.Event{}); err == nil {
		t.Fatal("Publish() error = nil, want not connected")
	}
	if p.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", p.Stats().Errors)
	}
}

func TestPublishBrokerError(t *testing.T) {
	p := connected(Config{}, &fakeClient{err: errors.New("not authorised")})
	if err := p.Publish(context.Background(), session.Event{}); err == nil {
		t.Fatal("Publish() error = nil, want broker error")
	}
	if p.Topic() != "platestreamer/detections" {
		t.Errorf("Topic() = %q, want default prefix", p.Topic())
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("localhost:1883"); got != "tcp://localhost:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
	if got := brokerURL("ssl://broker:8883"); got != "ssl://broker:8883" {
		t.Errorf("brokerURL() = %q", got)
	}
}
