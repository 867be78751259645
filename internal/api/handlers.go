package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// defaultHistoryWindow is used when a history query omits from
const defaultHistoryWindow = 24 * time.Hour

// defaultFollowingWindow is used when a following query omits window
const defaultFollowingWindow = time.Hour

type startRequest struct {
	Source    string `json:"source"`
	VideoPath string `json:"videoPath"`
}

// handleStartSession starts (or restarts) capture from a source descriptor
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.InvalidRequest, "invalid request body"))
		return
	}
	source := req.Source
	if source == "" {
		source = req.VideoPath
	}
	if source == "" {
		writeError(w, r, apperr.New(apperr.InvalidRequest, "source is required"))
		return
	}

	if err := s.ctrl.Start(r.Context(), source); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleStopSession stops the current session
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleGetSession returns the session status
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleGetDetections returns the distinct detections of the current session
func (s *Server) handleGetDetections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detections": s.ctrl.Detections(),
	})
}

func parseTimeParam(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Wrapf(err, apperr.InvalidRequest, "%s must be an RFC3339 timestamp", key)
	}
	return t, nil
}

func (s *Server) requireHistory(w http.ResponseWriter, r *http.Request) bool {
	if s.history == nil {
		writeError(w, r, apperr.New(apperr.NotFound, "history disabled"))
		return false
	}
	return true
}

// handleGetHistory returns stored detections in [from, to]
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w, r) {
		return
	}

	now := time.Now()
	to, err := parseTimeParam(r, "to", now)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, err := parseTimeParam(r, "from", to.Add(-defaultHistoryWindow))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if from.After(to) {
		writeError(w, r, apperr.New(apperr.InvalidRequest, "from must not be after to"))
		return
	}

	records, err := s.history.Range(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"records": records,
	})
}

// handleDeleteHistory removes one stored detection
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w, r) {
		return
	}
	id := mux.Vars(r)["id"]

	if err := s.history.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	logger.WithComponent("api").Info().Str("id", id).Msg("Deleted detection record")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

// handleGetFollowing lists plates seen while the given plate was in view
func (s *Server) handleGetFollowing(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w, r) {
		return
	}

	plate := strings.TrimSpace(r.URL.Query().Get("plate"))
	if plate == "" {
		writeError(w, r, apperr.New(apperr.InvalidRequest, "plate is required"))
		return
	}
	window := defaultFollowingWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, r, apperr.Newf(apperr.InvalidRequest, "window must be a positive duration, got %q", v))
			return
		}
		window = d
	}

	plates, err := s.history.FollowingPlates(r.Context(), plate, window, time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if plates == nil {
		plates = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plate":     plate,
		"window":    window.String(),
		"following": plates,
	})
}

// handleGetConfig returns the runtime tunables
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Config())
}

// handleUpdateConfig merges a partial update into the runtime tunables
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&partial); err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.InvalidConfig, "invalid request body"))
		return
	}

	if err := s.ctrl.UpdateConfig(partial); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s.ctrl.Config())
}

type imageResponse struct {
	Image      string      `json:"image"`
	Detections interface{} `json:"detections"`
}

// handleSubmitImage recognises plates in an uploaded still image. The
// annotated image is returned base64 encoded in JSON, or as image/jpeg when
// format=jpeg is given.
func (s *Server) handleSubmitImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageSize)
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.InvalidRequest, "image file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.InvalidRequest, "failed to read image"))
		return
	}

	res, err := s.ctrl.SubmitImage(r.Context(), data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "jpeg" {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("X-Plate-Count", fmt.Sprintf("%d", len(res.Detections)))
		w.Write(res.Image)
		return
	}

	writeJSON(w, http.StatusOK, imageResponse{
		Image:      base64.StdEncoding.EncodeToString(res.Image),
		Detections: res.Detections,
	})
}

// sanitizeFilename keeps the base name of an upload with only safe characters
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	clean := strings.TrimLeft(b.String(), ".")
	if clean == "" || clean == "_" {
		return uuid.NewString() + ".mp4"
	}
	return clean
}

// handleUpload stores an uploaded video so a session can be started from it
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.uploadDir == "" {
		writeError(w, r, apperr.New(apperr.NotFound, "uploads disabled"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, header, err := r.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.Newf(apperr.InvalidRequest, "video exceeds %d bytes", MaxUploadSize))
			return
		}
		writeError(w, r, apperr.Wrap(err, apperr.InvalidRequest, "video file is required"))
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.Internal, "failed to create upload directory"))
		return
	}

	path := filepath.Join(s.uploadDir, sanitizeFilename(header.Filename))
	dst, err := os.Create(path)
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.Internal, "failed to store upload"))
		return
	}
	n, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		writeError(w, r, apperr.Wrap(err, apperr.Internal, "failed to store upload"))
		return
	}

	logger.WithComponent("api").Info().Str("path", path).Int64("bytes", n).Msg("Video uploaded")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"path":    path,
		"size":    n,
	})
}

// handleDetectionFeed streams newly registered detections over a websocket.
// The first message is a snapshot of the current registry.
func (s *Server) handleDetectionFeed(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	st := s.ctrl.Status()
	snapshot := FeedMessage{Type: "snapshot", SessionID: st.ID, Detections: s.ctrl.Detections()}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	// The read loop only notices when the client goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug().Int("subscribers", s.hub.Subscribers()).Msg("Detection feed client connected")

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-closed:
			log.Debug().Msg("Detection feed client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleHealth reports liveness and the session state
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     s.version,
		"state":       st.State,
		"subscribers": s.hub.Subscribers(),
		"stream":      s.stream.Stats(),
	})
}
