package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X .../commands.version=..."
var version = "dev"

var (
	cfgFile string
	pretty  bool
	rootCmd = &cobra.Command{
		Use:   "platestreamer",
		Short: "PlateStreamer - licence plate recognition over live video",
		Long: `PlateStreamer reads frames from a video file, a capture device or the
screen, recognises licence plates in them and serves the annotated video as
an MJPEG stream.

Features:
  • File, V4L2 device and X11 screen sources
  • Pluggable recognition (worker subprocess or HTTP ALPR service)
  • Frame skipping and rate limiting tunable at runtime
  • Detection history in SQLite or PostgreSQL
  • MQTT and websocket detection feeds
  • REST API and browser viewer`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/platestreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "human readable console logs")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.Version = version
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file, applies flag overrides and initialises
// logging from the result
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Override port from flag if provided
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			if err := configMgr.SetPort(port); err != nil {
				return nil, nil, err
			}
		}
	}

	// Override log level from flag if provided
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			if err := configMgr.SetLogLevel(level); err != nil {
				return nil, nil, err
			}
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, pretty)
	return configMgr, cfg, nil
}
