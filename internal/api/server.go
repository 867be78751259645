// Package api exposes the session controller, the MJPEG stream and the
// detection history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/bryanchriswhite/PlateStreamer/internal/output"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
	"github.com/bryanchriswhite/PlateStreamer/internal/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// MaxUploadSize bounds uploaded videos
const MaxUploadSize = 100 << 20

// maxImageSize bounds still images sent for recognition
const maxImageSize = 20 << 20

// Controller is the session surface the API drives
type Controller interface {
	Start(ctx context.Context, descriptor string) error
	Stop() error
	Status() session.Status
	Detections() []detect.Detection
	Config() config.Runtime
	UpdateConfig(partial map[string]any) error
	SubmitImage(ctx context.Context, data []byte) (session.StillResult, error)
	Frames(ctx context.Context) iter.Seq2[[]byte, error]
}

// History is the stored detection log
type History interface {
	Range(ctx context.Context, from, to time.Time) ([]store.Record, error)
	Delete(ctx context.Context, id string) error
	FollowingPlates(ctx context.Context, subject string, window time.Duration, now time.Time) ([]string, error)
}

// Options configures the server
type Options struct {
	Controller Controller
	History    History // nil disables the history endpoints
	Hub        *Hub
	UploadDir  string
	Version    string
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	ctrl      Controller
	history   History
	hub       *Hub
	stream    *output.Stream
	uploadDir string
	version   string
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		router:    mux.NewRouter(),
		ctrl:      opts.Controller,
		history:   opts.History,
		hub:       opts.Hub,
		stream:    output.NewStream(opts.Controller),
		uploadDir: opts.UploadDir,
		version:   opts.Version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the viewer may be served from another origin
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Session lifecycle
	api.HandleFunc("/session", s.handleGetSession).Methods("GET")
	api.HandleFunc("/session/start", s.handleStartSession).Methods("POST")
	api.HandleFunc("/session/stop", s.handleStopSession).Methods("POST")

	// Detections
	api.HandleFunc("/detections", s.handleGetDetections).Methods("GET")
	api.HandleFunc("/detections/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/detections/history/{id}", s.handleDeleteHistory).Methods("DELETE")
	api.HandleFunc("/detections/following", s.handleGetFollowing).Methods("GET")
	api.HandleFunc("/ws/detections", s.handleDetectionFeed)

	// Runtime configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT", "POST")

	// Media
	api.HandleFunc("/images", s.handleSubmitImage).Methods("POST")
	api.HandleFunc("/uploads", s.handleUpload).Methods("POST")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Stream and pages
	s.router.Handle("/video_feed", s.stream).Methods("GET")
	s.router.HandleFunc("/stream/stats", s.stream.StatsHandler()).Methods("GET")
	s.router.HandleFunc("/", output.ViewerHandler()).Methods("GET")

	// Paths used by earlier clients
	s.router.HandleFunc("/upload_video", s.handleUpload).Methods("POST")
	s.router.HandleFunc("/start_video", s.handleStartSession).Methods("POST")
	s.router.HandleFunc("/stop_video", s.handleStopSession).Methods("GET", "POST")
	s.router.HandleFunc("/detected_plates", s.handleGetDetections).Methods("GET")
	s.router.HandleFunc("/process_image", s.handleSubmitImage).Methods("POST")
	s.router.HandleFunc("/update_config", s.handleUpdateConfig).Methods("POST")
}

// Handler returns the router wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.WithComponent("api").Info().Msgf("Starting server on http://localhost%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}

	log := logger.WithComponent("api")
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")

	writeJSON(w, status, errorResponse{Error: msg, Code: apperr.CodeOf(err)})
}
