// Package session drives the capture, throttle, recognition and streaming
// loop for one video source at a time.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/capture"
	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/bryanchriswhite/PlateStreamer/internal/output"
	"github.com/bryanchriswhite/PlateStreamer/internal/overlay"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// State is the lifecycle state of the controller
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateStopped   State = "stopped"
)

// ErrEndOfStream is returned by PullFrame when the source is exhausted, fails
// or was stopped. It is not a failure.
var ErrEndOfStream = errors.New("end of stream")

// ErrNotCapturing is returned by PullFrame outside the capturing state,
// wrapped in a StateError.
var ErrNotCapturing = errors.New("session is not capturing")

// Opener opens a source for a descriptor. capture.Factory implements it.
type Opener interface {
	Open(ctx context.Context, descriptor string) (capture.Source, capture.Metadata, error)
}

// Options configures a Controller
type Options struct {
	Opener     Opener
	Capability detect.Capability
	Config     *config.Live
	Encoder    *output.Encoder
	Similarity *SimilarityFilter // nil disables near-duplicate skipping
	Sinks      []Sink
	Now        func() time.Time
}

// Status is a snapshot of the controller
type Status struct {
	ID              string           `json:"id,omitempty"`
	State           State            `json:"state"`
	Source          capture.Metadata `json:"source"`
	FrameCount      uint64           `json:"frame_count"`
	ProcessedCount  uint64           `json:"processed_count"`
	LastProcessTime *time.Time       `json:"last_process_time,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	Detections      int              `json:"detections"`
	Config          config.Runtime   `json:"config"`
}

// StillResult is the outcome of SubmitImage
type StillResult struct {
	Image      []byte             `json:"-"`
	Detections []detect.Detection `json:"detections"`
}

// Controller owns one capture session. Start, Stop and the state checks of
// PullFrame are serialised by mu; reads from the source happen outside mu so
// Stop can close a source that is blocked in Read.
type Controller struct {
	opener     Opener
	capability detect.Capability
	live       *config.Live
	encoder    *output.Encoder
	similarity *SimilarityFilter
	sinks      []Sink
	now        func() time.Time

	mu             sync.Mutex
	state          State
	gen            uint64
	id             string
	source         capture.Source
	meta           capture.Metadata
	frameCount     uint64
	processedCount uint64
	startedAt      time.Time
	consuming      bool

	pullMu   sync.Mutex
	gate     Gate
	registry *Registry
}

// NewController creates an idle controller
func NewController(opts Options) (*Controller, error) {
	if opts.Opener == nil {
		return nil, fmt.Errorf("session: opener is required")
	}
	if opts.Capability == nil {
		opts.Capability = detect.None{}
	}
	if opts.Config == nil {
		live, err := config.NewLive(config.DefaultRuntime())
		if err != nil {
			return nil, err
		}
		opts.Config = live
	}
	if opts.Encoder == nil {
		opts.Encoder = output.NewEncoder()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		opener:     opts.Opener,
		capability: opts.Capability,
		live:       opts.Config,
		encoder:    opts.Encoder,
		similarity: opts.Similarity,
		sinks:      opts.Sinks,
		now:        opts.Now,
		state:      StateIdle,
		registry:   NewRegistry(),
	}, nil
}

// Start opens descriptor and begins a new session. A capturing session is
// stopped first, so its source is released before the new one is opened.
// On failure the controller does not enter the capturing state.
func (c *Controller) Start(ctx context.Context, descriptor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateCapturing {
		logger.WithSession("session", c.id).Info().Msg("Stopping current session before restart")
		c.teardownLocked()
	}

	src, meta, err := c.opener.Open(ctx, descriptor)
	if err != nil {
		logger.WithComponent("session").Warn().Err(err).Str("source", descriptor).Msg("Failed to open source")
		if !apperr.IsCode(err, apperr.SourceUnavailable) {
			err = apperr.Wrapf(err, apperr.SourceUnavailable, "open %s", descriptor)
		}
		return err
	}

	c.gen++
	c.id = uuid.NewString()
	c.source = src
	c.meta = meta
	c.frameCount = 0
	c.processedCount = 0
	c.startedAt = c.now()
	c.gate.Reset()
	c.registry.Reset()
	if c.similarity != nil {
		c.similarity.Reset()
	}
	c.state = StateCapturing

	logger.WithSession("session", c.id).Info().
		Str("source", meta.Descriptor).
		Str("kind", string(meta.Kind)).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Float64("fps", meta.FPS).
		Msg("Session started")
	return nil
}

// Stop ends the session and releases the source. It never fails and may be
// called in any state.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

// stopSession stops only if gen is still the current session
func (c *Controller) stopSession(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.teardownLocked()
	}
}

func (c *Controller) teardownLocked() {
	if c.source != nil {
		if err := c.source.Close(); err != nil {
			logger.WithSession("session", c.id).Warn().Err(err).Msg("Error closing source")
		}
		c.source = nil
	}
	if c.state == StateCapturing {
		c.state = StateStopped
		logger.WithSession("session", c.id).Info().
			Uint64("frames", c.frameCount).
			Uint64("processed", c.processedCount).
			Int("detections", c.registry.Len()).
			Msg("Session stopped")
	}
}

// PullFrame reads the next frame and returns it encoded, annotated when it
// was processed. It returns ErrNotCapturing outside a session and
// ErrEndOfStream when the source ends or fails, after which the session is
// stopped.
func (c *Controller) PullFrame(ctx context.Context) ([]byte, error) {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	c.mu.Lock()
	if c.state != StateCapturing {
		c.mu.Unlock()
		return nil, apperr.Wrap(ErrNotCapturing, apperr.StateError, "cannot pull a frame")
	}
	src, gen, id := c.source, c.gen, c.id
	c.mu.Unlock()

	raw, err := src.Read()
	if err != nil {
		log := logger.WithSession("session", id)
		if errors.Is(err, io.EOF) {
			log.Info().Msg("End of stream")
		} else {
			log.Error().Err(err).Msg("Frame read failed")
		}
		c.stopSession(gen)
		return nil, ErrEndOfStream
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateCapturing {
		c.mu.Unlock()
		return nil, ErrEndOfStream
	}
	c.frameCount++
	count := c.frameCount
	c.mu.Unlock()

	now := c.now()
	cfg := c.live.Get()
	if !c.gate.ShouldProcess(count, now, cfg) {
		return c.encoder.Encode(raw)
	}
	c.gate.MarkProcessed(now)

	if c.similarity != nil && c.similarity.Similar(raw) {
		return c.encoder.Encode(raw)
	}

	frame := capture.Frame{Image: raw, Seq: count, Timestamp: now}
	return c.process(ctx, frame, gen, id, cfg)
}

// process runs resize, recognition, filtering, annotation and merge on one
// eligible frame. A capability failure degrades to the raw frame.
func (c *Controller) process(ctx context.Context, frame capture.Frame, gen uint64, id string, cfg config.Runtime) ([]byte, error) {
	log := logger.WithSession("session", id)

	small := resizeForDetection(frame.Image, cfg)
	candidates, err := detect.Invoke(ctx, c.capability, small)
	if err != nil {
		log.Warn().Err(err).Uint64("frame", frame.Seq).Msg("Recognition failed, passing frame through")
		return c.encoder.Encode(frame.Image)
	}

	kept := detect.Filter(scaleDetections(candidates, small.Bounds(), frame.Image.Bounds()), cfg)
	annotated := overlay.Annotate(frame.Image, kept)

	// Stop may have run while the capability was busy.
	c.mu.Lock()
	if c.gen != gen || c.state != StateCapturing {
		c.mu.Unlock()
		return nil, ErrEndOfStream
	}
	added := c.registry.Merge(kept)
	c.processedCount++
	meta := c.meta
	c.mu.Unlock()

	log.Debug().
		Uint64("frame", frame.Seq).
		Int("candidates", len(candidates)).
		Int("kept", len(kept)).
		Int("new", len(added)).
		Msg("Frame processed")

	if len(kept) > 0 {
		c.publish(ctx, Event{
			SessionID:  id,
			Source:     meta.Descriptor,
			FrameSeq:   frame.Seq,
			Timestamp:  frame.Timestamp.UTC(),
			Detections: kept,
			New:        added,
		})
	}

	return c.encoder.Encode(annotated)
}

func (c *Controller) publish(ctx context.Context, ev Event) {
	for _, s := range c.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			logger.WithSession("session", ev.SessionID).Warn().Err(err).Msg("Failed to publish detections")
		}
	}
}

// Frames yields encoded frames until the session ends or ctx is done. When
// the consumer stops early or ctx is cancelled the session is stopped.
// There is one consumer at a time; a second concurrent one gets a
// StateError and leaves the session alone.
func (c *Controller) Frames(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		c.mu.Lock()
		if c.consuming {
			c.mu.Unlock()
			yield(nil, apperr.New(apperr.StateError, "stream already has a consumer"))
			return
		}
		c.consuming = true
		gen := c.gen
		c.mu.Unlock()

		defer func() {
			c.mu.Lock()
			c.consuming = false
			c.mu.Unlock()
		}()

		release := context.AfterFunc(ctx, func() {
			logger.WithComponent("session").Info().Msg("Stream consumer went away, stopping session")
			c.stopSession(gen)
		})
		defer release()

		for {
			if ctx.Err() != nil {
				return
			}
			frame, err := c.PullFrame(ctx)
			switch {
			case errors.Is(err, ErrEndOfStream), errors.Is(err, ErrNotCapturing):
				return
			case err != nil:
				yield(nil, err)
				c.stopSession(gen)
				return
			}
			if !yield(frame, nil) {
				c.stopSession(gen)
				return
			}
		}
	}
}

// SubmitImage recognises plates in a still image and returns it annotated
// at its native size. The capability sees the image resized to exactly
// ResizeWidth x ResizeHeight. It does not touch the session.
func (c *Controller) SubmitImage(ctx context.Context, data []byte) (StillResult, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return StillResult{}, apperr.Wrap(err, apperr.DecodeFailure, "could not decode image")
	}

	cfg := c.live.Get()
	small := resizeStill(img, cfg)
	candidates, err := detect.Invoke(ctx, c.capability, small)
	if err != nil {
		return StillResult{}, err
	}
	kept := detect.Filter(scaleDetections(candidates, small.Bounds(), img.Bounds()), cfg)

	out, err := c.encoder.Encode(overlay.Annotate(img, kept))
	if err != nil {
		return StillResult{}, apperr.Wrap(err, apperr.ProcessingFailure, "could not encode result")
	}

	logger.WithComponent("session").Info().
		Str("format", format).
		Int("candidates", len(candidates)).
		Int("kept", len(kept)).
		Msg("Image processed")

	if kept == nil {
		kept = []detect.Detection{}
	}
	return StillResult{Image: out, Detections: kept}, nil
}

// Detections returns the distinct detections of the current or last session
func (c *Controller) Detections() []detect.Detection {
	return c.registry.List()
}

// Config returns the current runtime configuration
func (c *Controller) Config() config.Runtime {
	return c.live.Get()
}

// UpdateConfig merges partial into the runtime configuration. Frames pulled
// afterwards see the new values.
func (c *Controller) UpdateConfig(partial map[string]any) error {
	_, err := c.live.Update(partial)
	return err
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		ID:             c.id,
		State:          c.state,
		Source:         c.meta,
		FrameCount:     c.frameCount,
		ProcessedCount: c.processedCount,
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		st.StartedAt = &started
	}
	c.mu.Unlock()

	if last := c.gate.LastProcessed(); !last.IsZero() {
		st.LastProcessTime = &last
	}
	st.Detections = c.registry.Len()
	st.Config = c.live.Get()
	return st
}

// Close stops the session and releases the capability
func (c *Controller) Close() error {
	c.Stop()
	return c.capability.Close()
}
