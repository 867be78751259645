package output

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// Boundary separates the parts of the stream
const Boundary = "frame"

// ContentType is the response type of the MJPEG stream
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// MJPEGWriter writes JPEG payloads as multipart parts
type MJPEGWriter struct {
	w io.Writer
}

// NewMJPEGWriter wraps w
func NewMJPEGWriter(w io.Writer) *MJPEGWriter {
	return &MJPEGWriter{w: w}
}

// WriteFrame writes one part and flushes it when w supports flushing
func (m *MJPEGWriter) WriteFrame(jpegData []byte) error {
	// Write multipart boundary
	if _, err := fmt.Fprintf(m.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpegData)); err != nil {
		return err
	}

	if _, err := m.w.Write(jpegData); err != nil {
		return err
	}

	if _, err := io.WriteString(m.w, "\r\n"); err != nil {
		return err
	}

	if f, ok := m.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// FrameSource produces encoded frames until the session ends or ctx is done
type FrameSource interface {
	Frames(ctx context.Context) iter.Seq2[[]byte, error]
}

// Stats is a snapshot of stream activity
type Stats struct {
	Streaming  bool      `json:"streaming"`
	Clients    int       `json:"clients"`
	FrameCount uint64    `json:"frame_count"`
	FPS        float64   `json:"fps"`
	StartTime  time.Time `json:"start_time"`
	LastUpdate time.Time `json:"last_update"`
}

// Stream serves frames pulled from a FrameSource to HTTP clients
type Stream struct {
	source FrameSource

	mu         sync.RWMutex
	clients    int
	frameCount uint64
	startTime  time.Time
	lastUpdate time.Time
}

// NewStream creates a stream over source
func NewStream(source FrameSource) *Stream {
	return &Stream{source: source}
}

// ServeHTTP streams frames until the source ends or the client goes away
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("mjpeg")

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")

	s.mu.Lock()
	s.clients++
	if s.clients == 1 {
		s.startTime = time.Now()
		s.frameCount = 0
	}
	clientCount := s.clients
	s.mu.Unlock()

	log.Info().Int("clients", clientCount).Msg("Client connected")

	defer func() {
		s.mu.Lock()
		s.clients--
		clientCount := s.clients
		s.mu.Unlock()
		log.Info().Int("clients", clientCount).Msg("Client disconnected")
	}()

	mw := NewMJPEGWriter(w)
	wrote := false
	for frame, err := range s.source.Frames(r.Context()) {
		if err != nil {
			if !wrote {
				log.Warn().Err(err).Msg("Stream refused")
				http.Error(w, err.Error(), apperr.HTTPStatus(err))
				return
			}
			log.Error().Err(err).Msg("Stream ended with error")
			return
		}
		wrote = true
		if err := mw.WriteFrame(frame); err != nil {
			log.Debug().Err(err).Msg("Write to client failed")
			return
		}
		s.mu.Lock()
		s.frameCount++
		s.lastUpdate = time.Now()
		s.mu.Unlock()
	}
}

// Stats returns the current stream statistics
func (s *Stream) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Streaming:  s.clients > 0,
		Clients:    s.clients,
		FrameCount: s.frameCount,
		StartTime:  s.startTime,
		LastUpdate: s.lastUpdate,
	}
	if st.Streaming && !s.startTime.IsZero() {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			st.FPS = float64(s.frameCount) / elapsed
		}
	}
	return st
}
