package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// Runtime holds the tunables that may change while a session is capturing.
type Runtime struct {
	FrameSkip                 int     `json:"frame_skip" yaml:"frame_skip" mapstructure:"frame_skip"`
	ResizeWidth               int     `json:"resize_width" yaml:"resize_width" mapstructure:"resize_width"`
	ResizeHeight              int     `json:"resize_height" yaml:"resize_height" mapstructure:"resize_height"`
	ConfidenceThreshold       float64 `json:"confidence_threshold" yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MaxDetectionsPerFrame     int     `json:"max_detections_per_frame" yaml:"max_detections_per_frame" mapstructure:"max_detections_per_frame"`
	MinProcessIntervalSeconds float64 `json:"min_process_interval_seconds" yaml:"min_process_interval_seconds" mapstructure:"min_process_interval_seconds"`
}

// DefaultRuntime returns the tunables used when nothing else is configured.
func DefaultRuntime() Runtime {
	return Runtime{
		FrameSkip:                 2,
		ResizeWidth:               640,
		ResizeHeight:              480,
		ConfidenceThreshold:       0.5,
		MaxDetectionsPerFrame:     5,
		MinProcessIntervalSeconds: 1,
	}
}

// Validate rejects values the frame loop cannot work with.
func (r Runtime) Validate() error {
	var problems []string
	if r.FrameSkip < 1 {
		problems = append(problems, fmt.Sprintf("frame_skip must be >= 1, got %d", r.FrameSkip))
	}
	if r.ResizeWidth <= 0 {
		problems = append(problems, fmt.Sprintf("resize_width must be > 0, got %d", r.ResizeWidth))
	}
	if r.ResizeHeight <= 0 {
		problems = append(problems, fmt.Sprintf("resize_height must be > 0, got %d", r.ResizeHeight))
	}
	if math.IsNaN(r.ConfidenceThreshold) || r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("confidence_threshold must be within [0,1], got %v", r.ConfidenceThreshold))
	}
	if r.MaxDetectionsPerFrame < 0 {
		problems = append(problems, fmt.Sprintf("max_detections_per_frame must be >= 0, got %d", r.MaxDetectionsPerFrame))
	}
	if math.IsNaN(r.MinProcessIntervalSeconds) || math.IsInf(r.MinProcessIntervalSeconds, 0) || r.MinProcessIntervalSeconds < 0 {
		problems = append(problems, fmt.Sprintf("min_process_interval_seconds must be >= 0, got %v", r.MinProcessIntervalSeconds))
	}

	if len(problems) > 0 {
		return apperr.New(apperr.InvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// runtimeKeys maps accepted key spellings onto canonical names. Keys are
// matched case-insensitively, so the upper-case names used by older
// deployments (FRAME_SKIP, PROCESS_EVERY_N_SECONDS, ...) also work.
var runtimeKeys = map[string]string{
	"frame_skip":                   "frame_skip",
	"resize_width":                 "resize_width",
	"resize_height":                "resize_height",
	"confidence_threshold":         "confidence_threshold",
	"max_detections_per_frame":     "max_detections_per_frame",
	"min_process_interval_seconds": "min_process_interval_seconds",
	"process_every_n_seconds":      "min_process_interval_seconds",
}

// ApplyPartial merges recognised keys of partial into base and validates the
// result. Unknown keys are ignored. On any error base is returned unchanged.
func ApplyPartial(base Runtime, partial map[string]any) (Runtime, error) {
	next := base
	for rawKey, value := range partial {
		key, ok := runtimeKeys[strings.ToLower(strings.TrimSpace(rawKey))]
		if !ok {
			continue
		}

		var err error
		switch key {
		case "frame_skip":
			next.FrameSkip, err = toInt(key, value)
		case "resize_width":
			next.ResizeWidth, err = toInt(key, value)
		case "resize_height":
			next.ResizeHeight, err = toInt(key, value)
		case "max_detections_per_frame":
			next.MaxDetectionsPerFrame, err = toInt(key, value)
		case "confidence_threshold":
			next.ConfidenceThreshold, err = toFloat(key, value)
		case "min_process_interval_seconds":
			next.MinProcessIntervalSeconds, err = toFloat(key, value)
		}
		if err != nil {
			return base, err
		}
	}

	if err := next.Validate(); err != nil {
		return base, err
	}
	return next, nil
}

func toFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, apperr.Wrapf(err, apperr.InvalidConfig, "%s: not a number", key)
		}
		return f, nil
	default:
		return 0, apperr.Newf(apperr.InvalidConfig, "%s: expected a number, got %T", key, v)
	}
}

func toInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	}

	f, err := toFloat(key, v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, apperr.Newf(apperr.InvalidConfig, "%s: expected an integer, got %v", key, f)
	}
	return int(f), nil
}

// Live is the mutable runtime configuration shared between the frame loop
// and the serving layer.
type Live struct {
	mu        sync.RWMutex
	cfg       Runtime
	listeners []func(Runtime)
}

// NewLive returns a Live holding initial. initial is validated.
func NewLive(initial Runtime) (*Live, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Live{cfg: initial}, nil
}

// Get returns a snapshot of the current configuration.
func (l *Live) Get() Runtime {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Update merges partial into the current configuration. Nothing is applied
// when the merged result is invalid.
func (l *Live) Update(partial map[string]any) (Runtime, error) {
	l.mu.Lock()
	next, err := ApplyPartial(l.cfg, partial)
	if err != nil {
		l.mu.Unlock()
		return l.Get(), err
	}
	l.cfg = next
	listeners := append([]func(Runtime){}, l.listeners...)
	l.mu.Unlock()

	logger.WithComponent("config").Info().
		Int("frame_skip", next.FrameSkip).
		Int("resize_width", next.ResizeWidth).
		Float64("confidence_threshold", next.ConfidenceThreshold).
		Int("max_detections_per_frame", next.MaxDetectionsPerFrame).
		Float64("min_process_interval_seconds", next.MinProcessIntervalSeconds).
		Msg("Runtime config updated")

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

// OnChange registers fn to be called after every successful Update.
func (l *Live) OnChange(fn func(Runtime)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}
