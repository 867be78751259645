package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. PLATESTREAMER_SERVER_PORT.
const EnvPrefix = "PLATESTREAMER"

// Config represents the application configuration file
type Config struct {
	ServerPort int              `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string           `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	UploadDir  string           `json:"upload_dir" yaml:"upload_dir" mapstructure:"upload_dir"`
	Runtime    Runtime          `json:"runtime" yaml:"runtime" mapstructure:"runtime"`
	Capability CapabilityConfig `json:"capability" yaml:"capability" mapstructure:"capability"`
	Capture    CaptureConfig    `json:"capture" yaml:"capture" mapstructure:"capture"`
	Similarity SimilarityConfig `json:"similarity" yaml:"similarity" mapstructure:"similarity"`
	Store      StoreConfig      `json:"store" yaml:"store" mapstructure:"store"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt" mapstructure:"mqtt"`
}

// CapabilityConfig selects and tunes the recognition backend
type CapabilityConfig struct {
	// Kind is one of "worker", "alpr" or "none"
	Kind                string   `json:"kind" yaml:"kind" mapstructure:"kind"`
	WorkerCommand       string   `json:"worker_command" yaml:"worker_command" mapstructure:"worker_command"`
	WorkerArgs          []string `json:"worker_args" yaml:"worker_args" mapstructure:"worker_args"`
	ALPRURL             string   `json:"alpr_url" yaml:"alpr_url" mapstructure:"alpr_url"`
	Country             string   `json:"country" yaml:"country" mapstructure:"country"`
	TimeoutMS           int      `json:"timeout_ms" yaml:"timeout_ms" mapstructure:"timeout_ms"`
	BreakerThreshold    int      `json:"breaker_threshold" yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSeconds int      `json:"breaker_reset_s" yaml:"breaker_reset_s" mapstructure:"breaker_reset_s"`
}

// CaptureConfig holds decoder settings for file and device sources
type CaptureConfig struct {
	FFmpegPath   string `json:"ffmpeg_path" yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	FFprobePath  string `json:"ffprobe_path" yaml:"ffprobe_path" mapstructure:"ffprobe_path"`
	DeviceFormat string `json:"device_format" yaml:"device_format" mapstructure:"device_format"`
	DeviceWidth  int    `json:"device_width" yaml:"device_width" mapstructure:"device_width"`
	DeviceHeight int    `json:"device_height" yaml:"device_height" mapstructure:"device_height"`
	DeviceFPS    int    `json:"device_fps" yaml:"device_fps" mapstructure:"device_fps"`
	// GstLaunchPath runs the pipeline of "portal" (Wayland screen cast) sources
	GstLaunchPath string `json:"gst_launch_path" yaml:"gst_launch_path" mapstructure:"gst_launch_path"`
}

// SimilarityConfig enables skipping frames that look like the last processed one
type SimilarityConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	MaxDistance int  `json:"max_distance" yaml:"max_distance" mapstructure:"max_distance"`
}

// StoreConfig selects the detection history backend
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres" or "none"
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`
	DSN    string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
}

// MQTTConfig configures the detection publisher. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker" mapstructure:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS         int    `json:"qos" yaml:"qos" mapstructure:"qos"`
}

// Validate checks the whole file configuration.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return apperr.Newf(apperr.InvalidConfig, "server_port must be within 1-65535, got %d", c.ServerPort)
	}
	if !logger.ValidLevel(c.LogLevel) {
		return apperr.Newf(apperr.InvalidConfig, "invalid log_level %q", c.LogLevel)
	}
	if err := c.Runtime.Validate(); err != nil {
		return err
	}
	switch c.Capability.Kind {
	case "none", "worker", "alpr":
	default:
		return apperr.Newf(apperr.InvalidConfig, "capability.kind must be worker, alpr or none, got %q", c.Capability.Kind)
	}
	if c.Capability.Kind == "worker" && c.Capability.WorkerCommand == "" {
		return apperr.New(apperr.InvalidConfig, "capability.worker_command is required for the worker capability")
	}
	if c.Capability.Kind == "alpr" && c.Capability.ALPRURL == "" {
		return apperr.New(apperr.InvalidConfig, "capability.alpr_url is required for the alpr capability")
	}
	switch c.Store.Driver {
	case "none", "sqlite", "postgres":
	default:
		return apperr.Newf(apperr.InvalidConfig, "store.driver must be sqlite, postgres or none, got %q", c.Store.Driver)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return apperr.Newf(apperr.InvalidConfig, "mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/platestreamer/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "platestreamer", "config.yaml"), nil
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
		v:          newViper(actualConfigPath),
	}

	if _, err := os.Stat(m.configPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		if err := m.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := m.reload(); err != nil {
			return nil, err
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("capability", m.config.Capability.Kind).
		Str("store", m.config.Store.Driver).
		Msg("Config loaded")

	return m, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults registers every key so environment overrides and Unmarshal see them
func setDefaults(v *viper.Viper) {
	rt := DefaultRuntime()
	v.SetDefault("server_port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("upload_dir", filepath.Join(os.TempDir(), "platestreamer-uploads"))

	v.SetDefault("runtime.frame_skip", rt.FrameSkip)
	v.SetDefault("runtime.resize_width", rt.ResizeWidth)
	v.SetDefault("runtime.resize_height", rt.ResizeHeight)
	v.SetDefault("runtime.confidence_threshold", rt.ConfidenceThreshold)
	v.SetDefault("runtime.max_detections_per_frame", rt.MaxDetectionsPerFrame)
	v.SetDefault("runtime.min_process_interval_seconds", rt.MinProcessIntervalSeconds)

	v.SetDefault("capability.kind", "none")
	v.SetDefault("capability.worker_command", "")
	v.SetDefault("capability.worker_args", []string{})
	v.SetDefault("capability.alpr_url", "")
	v.SetDefault("capability.country", "us")
	v.SetDefault("capability.timeout_ms", 5000)
	v.SetDefault("capability.breaker_threshold", 5)
	v.SetDefault("capability.breaker_reset_s", 30)

	v.SetDefault("capture.ffmpeg_path", "ffmpeg")
	v.SetDefault("capture.ffprobe_path", "ffprobe")
	v.SetDefault("capture.device_format", "v4l2")
	v.SetDefault("capture.device_width", 640)
	v.SetDefault("capture.device_height", 480)
	v.SetDefault("capture.device_fps", 30)
	v.SetDefault("capture.gst_launch_path", "gst-launch-1.0")

	v.SetDefault("similarity.enabled", false)
	v.SetDefault("similarity.max_distance", 2)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "platestreamer.db")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "platestreamer")
	v.SetDefault("mqtt.topic_prefix", "platestreamer")
	v.SetDefault("mqtt.qos", 0)
}

// reload rebuilds the typed config from viper's merged view
func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Capability.WorkerArgs = append([]string(nil), m.config.Capability.WorkerArgs...)
	return &cfg
}

// GetViper exposes the underlying viper instance for key based access
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Set updates a single dotted key (e.g. "runtime.frame_skip") and persists it.
// The change is rejected when the resulting configuration is invalid.
func (m *Manager) Set(key string, value interface{}) error {
	prev := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.reload(); err != nil {
		m.v.Set(key, prev)
		return err
	}
	return m.Save()
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	return m.Set("server_port", port)
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.Set("log_level", level)
}

// SetRuntime persists a runtime configuration snapshot
func (m *Manager) SetRuntime(rt Runtime) error {
	if err := rt.Validate(); err != nil {
		return err
	}
	m.v.Set("runtime.frame_skip", rt.FrameSkip)
	m.v.Set("runtime.resize_width", rt.ResizeWidth)
	m.v.Set("runtime.resize_height", rt.ResizeHeight)
	m.v.Set("runtime.confidence_threshold", rt.ConfidenceThreshold)
	m.v.Set("runtime.max_detections_per_frame", rt.MaxDetectionsPerFrame)
	m.v.Set("runtime.min_process_interval_seconds", rt.MinProcessIntervalSeconds)
	if err := m.reload(); err != nil {
		return err
	}
	return m.Save()
}

// GetConfigPath returns the configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
