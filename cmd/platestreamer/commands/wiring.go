package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/capture"
	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect/alpr"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect/worker"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/bryanchriswhite/PlateStreamer/internal/publish"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
	"github.com/bryanchriswhite/PlateStreamer/internal/store"
)

// buildCapability creates the configured recogniser behind a circuit breaker
func buildCapability(cfg config.CapabilityConfig) (detect.Capability, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	var inner detect.Capability
	switch cfg.Kind {
	case "worker":
		w, err := worker.New(worker.Config{
			Command: cfg.WorkerCommand,
			Args:    cfg.WorkerArgs,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		inner = w
	case "alpr":
		c, err := alpr.New(cfg.ALPRURL, cfg.Country, timeout)
		if err != nil {
			return nil, err
		}
		inner = c
	case "none", "":
		logger.WithComponent("detect").Warn().Msg("No recognition capability configured, frames pass through unannotated")
		return detect.None{}, nil
	default:
		return nil, fmt.Errorf("unknown capability kind: %s", cfg.Kind)
	}

	logger.WithComponent("detect").Info().Str("capability", inner.Name()).Msg("Recognition capability ready")
	return detect.NewGuarded(inner, detect.BreakerConfig{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: time.Duration(cfg.BreakerResetSeconds) * time.Second,
	}), nil
}

func captureSettings(cfg config.CaptureConfig) capture.Settings {
	return capture.Settings{
		FFmpegPath:   cfg.FFmpegPath,
		FFprobePath:  cfg.FFprobePath,
		DeviceFormat: cfg.DeviceFormat,
		DeviceWidth:  cfg.DeviceWidth,
		DeviceHeight: cfg.DeviceHeight,
		DeviceFPS:    cfg.DeviceFPS,

		GstLaunchPath: cfg.GstLaunchPath,
	}
}

func similarityFilter(cfg config.SimilarityConfig) *session.SimilarityFilter {
	if !cfg.Enabled {
		return nil
	}
	return session.NewSimilarityFilter(cfg.MaxDistance)
}

// openStore opens the detection history, or returns nil when it is disabled
func openStore(ctx context.Context, cfg config.StoreConfig) (*store.SQLStore, error) {
	if cfg.Driver == "none" || cfg.Driver == "" {
		return nil, nil
	}
	return store.Open(ctx, store.Config{Driver: cfg.Driver, DSN: cfg.DSN})
}

// connectMQTT connects the detection publisher, or returns nil when no
// broker is configured or it cannot be reached
func connectMQTT(ctx context.Context, cfg config.MQTTConfig) *publish.MQTTPublisher {
	if cfg.Broker == "" {
		return nil
	}
	p := publish.NewMQTTPublisher(publish.Config{
		Broker:      cfg.Broker,
		ClientID:    cfg.ClientID,
		TopicPrefix: cfg.TopicPrefix,
		QoS:         byte(cfg.QoS),
	})
	if err := p.Connect(ctx); err != nil {
		logger.WithComponent("mqtt").Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT unavailable, detections will not be published")
		return nil
	}
	return p
}
