package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/api"
	"github.com/bryanchriswhite/PlateStreamer/internal/capture"
	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PlateStreamer server",
	Long: `Start the PlateStreamer HTTP server.

The server exposes the annotated MJPEG stream, a REST API to start and stop
capture sessions, the detection history and a browser viewer.`,
	Example: `  # Start server on default port (8080)
  platestreamer serve

  # Start server on custom port
  platestreamer serve --port 9090

  # Start with specific config file
  platestreamer serve --config /path/to/config.yaml

  # Start with debug logging
  platestreamer serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	log.Info().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	live, err := config.NewLive(cfg.Runtime)
	if err != nil {
		return err
	}
	live.OnChange(func(rt config.Runtime) {
		if err := configMgr.SetRuntime(rt); err != nil {
			log.Warn().Err(err).Msg("Failed to persist runtime config")
		}
	})

	capability, err := buildCapability(cfg.Capability)
	if err != nil {
		return fmt.Errorf("failed to initialize recognition: %w", err)
	}

	hub := api.NewHub()
	sinks := []session.Sink{hub}

	var history api.History
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open detection store: %w", err)
	}
	if st != nil {
		defer st.Close()
		history = st
		sinks = append(sinks, st)
	}

	if pub := connectMQTT(ctx, cfg.MQTT); pub != nil {
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	ctrl, err := session.NewController(session.Options{
		Opener:     capture.NewFactory(captureSettings(cfg.Capture)),
		Capability: capability,
		Config:     live,
		Similarity: similarityFilter(cfg.Similarity),
		Sinks:      sinks,
	})
	if err != nil {
		return err
	}
	// Close also releases the capability
	defer ctrl.Close()

	server := api.NewServer(api.Options{
		Controller: ctrl,
		History:    history,
		Hub:        hub,
		UploadDir:  cfg.UploadDir,
		Version:    version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Str("viewer", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("stream", fmt.Sprintf("http://localhost:%d/video_feed", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("PlateStreamer is running, press Ctrl+C to stop")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully")
	if err := ctrl.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop session")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
