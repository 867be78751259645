package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage PlateStreamer configuration",
	Long:  `View and manage PlateStreamer configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current PlateStreamer configuration.`,
	Example: `  # Show configuration as YAML (default)
  platestreamer config show

  # Show configuration as JSON
  platestreamer config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value. Invalid values are rejected and the file is left unchanged.`,
	Example: `  # Set server port
  platestreamer config set server_port 9090

  # Only process every third frame
  platestreamer config set runtime.frame_skip 3

  # Use a recognition worker
  platestreamer config set capability.kind worker
  platestreamer config set capability.worker_args "--model,plates.onnx"`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get server port
  platestreamer config get server_port

  # Get the confidence threshold
  platestreamer config get runtime.confidence_threshold`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()

	switch formatFlag {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "yaml":
		encoder := yaml.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent(2)
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
	}
}

var (
	intKeys = map[string]bool{
		"server_port":                      true,
		"runtime.frame_skip":               true,
		"runtime.resize_width":             true,
		"runtime.resize_height":            true,
		"runtime.max_detections_per_frame": true,
		"capability.timeout_ms":            true,
		"capability.breaker_threshold":     true,
		"capability.breaker_reset_s":       true,
		"capture.device_width":             true,
		"capture.device_height":            true,
		"capture.device_fps":               true,
		"similarity.max_distance":          true,
		"mqtt.qos":                         true,
	}
	floatKeys = map[string]bool{
		"runtime.confidence_threshold":         true,
		"runtime.min_process_interval_seconds": true,
	}
	boolKeys = map[string]bool{
		"similarity.enabled": true,
	}
	listKeys = map[string]bool{
		"capability.worker_args": true,
	}
)

// parseValue converts a command line value to the type stored under key
func parseValue(key, value string) (interface{}, error) {
	switch {
	case intKeys[key]:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %s", key, value)
		}
		return n, nil
	case floatKeys[key]:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %s", key, value)
		}
		return f, nil
	case boolKeys[key]:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean: %s (use: true or false)", value)
		}
		return b, nil
	case listKeys[key]:
		if value == "" {
			return []string{}, nil
		}
		return strings.Split(value, ","), nil
	default:
		return value, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])

	value, err := parseValue(key, args[1])
	if err != nil {
		return err
	}

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !configMgr.GetViper().IsSet(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	if err := configMgr.Set(key, value); err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration updated: %s = %v\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v := configMgr.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	fmt.Fprintln(cmd.OutOrStdout(), v.Get(key))
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), configMgr.GetConfigPath())
	return nil
}
