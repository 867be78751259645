package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bryanchriswhite/PlateStreamer/internal/capture"
	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
	"github.com/spf13/cobra"
)

var imageCmd = &cobra.Command{
	Use:   "image FILE",
	Short: "Recognise plates in a still image",
	Long: `Recognise plates in FILE (JPEG, PNG, GIF, BMP, TIFF or WebP) and write the
annotated image as JPEG.`,
	Example: `  # Writes car_annotated.jpg next to the input
  platestreamer image car.png

  # Choose the output path and print detections as JSON
  platestreamer image car.png -o /tmp/out.jpg --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runImage,
}

var (
	imageOutput string
	imageFormat string
)

func init() {
	rootCmd.AddCommand(imageCmd)

	imageCmd.Flags().StringVarP(&imageOutput, "output", "o", "", "annotated output path (default is FILE_annotated.jpg)")
	imageCmd.Flags().StringVarP(&imageFormat, "format", "f", "text", "output format (text or json)")
}

// annotatedPath derives the default output path for an input image
func annotatedPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_annotated.jpg"
}

func runImage(cmd *cobra.Command, args []string) error {
	if imageFormat != "text" && imageFormat != "json" {
		return fmt.Errorf("unsupported format: %s (use 'text' or 'json')", imageFormat)
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	capability, err := buildCapability(cfg.Capability)
	if err != nil {
		return fmt.Errorf("failed to initialize recognition: %w", err)
	}
	live, err := config.NewLive(cfg.Runtime)
	if err != nil {
		return err
	}
	ctrl, err := session.NewController(session.Options{
		Opener:     capture.NewFactory(captureSettings(cfg.Capture)),
		Capability: capability,
		Config:     live,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	res, err := ctrl.SubmitImage(context.Background(), data)
	if err != nil {
		return err
	}

	outPath := imageOutput
	if outPath == "" {
		outPath = annotatedPath(args[0])
	}
	if err := os.WriteFile(outPath, res.Image, 0644); err != nil {
		return fmt.Errorf("failed to write annotated image: %w", err)
	}

	out := cmd.OutOrStdout()
	if imageFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]interface{}{
			"output":     outPath,
			"detections": res.Detections,
		})
	}

	fmt.Fprintf(out, "%d plates, annotated image written to %s\n", len(res.Detections), outPath)
	for _, d := range res.Detections {
		fmt.Fprintf(out, "  %s (%.2f) %v\n", d.Text, d.Confidence, d.BBox)
	}
	return nil
}
