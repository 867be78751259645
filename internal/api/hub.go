package api

import (
	"context"
	"sync"

	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
)

// FeedMessage is sent to websocket subscribers
type FeedMessage struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"session_id,omitempty"`
	FrameSeq   uint64             `json:"frame_seq,omitempty"`
	Detections []detect.Detection `json:"detections"`
}

// Hub fans newly registered detections out to websocket subscribers. It is a
// session.Sink.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan FeedMessage]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan FeedMessage]struct{})}
}

// Subscribe returns a channel receiving feed messages
func (h *Hub) Subscribe() chan FeedMessage {
	ch := make(chan FeedMessage, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch
func (h *Hub) Unsubscribe(ch chan FeedMessage) {
	h.mu.Lock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast delivers msg to every subscriber, dropping it for slow ones
func (h *Hub) Broadcast(msg FeedMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Publish broadcasts the detections ev added to the registry
func (h *Hub) Publish(ctx context.Context, ev session.Event) error {
	if len(ev.New) == 0 {
		return nil
	}
	h.Broadcast(FeedMessage{
		Type:       "detections",
		SessionID:  ev.SessionID,
		FrameSeq:   ev.FrameSeq,
		Detections: ev.New,
	})
	return nil
}
