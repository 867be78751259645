package session

import (
	"context"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
)

// Event describes the kept detections of one processed frame
type Event struct {
	SessionID  string             `json:"session_id"`
	Source     string             `json:"source"`
	FrameSeq   uint64             `json:"frame_seq"`
	Timestamp  time.Time          `json:"timestamp"`
	Detections []detect.Detection `json:"detections"`
	New        []detect.Detection `json:"new"`
}

// Sink receives detection events from the frame loop. Publish should not
// block for long; the frame loop waits on it.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev Event) error

// Publish calls f
func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
