package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/bryanchriswhite/PlateStreamer/internal/capture"
	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect SOURCE",
	Short: "Recognise plates in a source without starting the server",
	Long: `Run a single capture session over SOURCE and print every new distinct
plate as it is recognised. SOURCE is a video file path, a device
("device:0", "/dev/video0" or a bare index) or "screen" / "screen:WxH+X+Y".`,
	Example: `  # Scan a recorded clip
  platestreamer detect clips/gate.mp4

  # Keep the frames that produced new plates
  platestreamer detect clips/gate.mp4 --output-dir frames/

  # Watch the first camera and record sightings to the history database
  platestreamer detect device:0 --record

  # Print the final plate list as JSON
  platestreamer detect clips/gate.mp4 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runDetect,
}

var (
	detectOutputDir string
	detectFormat    string
	detectRecord    bool
)

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringVarP(&detectOutputDir, "output-dir", "o", "", "write annotated frames with new plates to this directory")
	detectCmd.Flags().StringVarP(&detectFormat, "format", "f", "text", "output format (text or json)")
	detectCmd.Flags().BoolVar(&detectRecord, "record", false, "record detections in the configured history store")
}

type detectSummary struct {
	Status     session.Status     `json:"status"`
	Detections []detect.Detection `json:"detections"`
}

func runDetect(cmd *cobra.Command, args []string) error {
	if detectFormat != "text" && detectFormat != "json" {
		return fmt.Errorf("unsupported format: %s (use 'text' or 'json')", detectFormat)
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if detectFormat == "text" {
		fmt.Fprintln(tw, "FRAME\tPLATE\tCONFIDENCE\tBOX")
		tw.Flush()
	}

	// The sink runs on the frame loop, before the frame is yielded below.
	var pending *session.Event
	sinks := []session.Sink{session.SinkFunc(func(ctx context.Context, ev session.Event) error {
		if len(ev.New) == 0 {
			return nil
		}
		if detectFormat == "text" {
			for _, d := range ev.New {
				fmt.Fprintf(tw, "%d\t%s\t%.2f\t%v\n", ev.FrameSeq, d.Text, d.Confidence, d.BBox)
			}
			tw.Flush()
		}
		e := ev
		pending = &e
		return nil
	})}

	if detectRecord {
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open detection store: %w", err)
		}
		if st == nil {
			return fmt.Errorf("--record needs store.driver to be sqlite or postgres")
		}
		defer st.Close()
		sinks = append(sinks, st)
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
		Similarity: similarityFilter(cfg.Similarity),
		Sinks:      sinks,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if detectOutputDir != "" {
		if err := os.MkdirAll(detectOutputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if err := ctrl.Start(ctx, args[0]); err != nil {
		return err
	}

	for frame, err := range ctrl.Frames(ctx) {
		if err != nil {
			return err
		}
		if pending == nil {
			continue
		}
		if detectOutputDir != "" {
			name := filepath.Join(detectOutputDir, fmt.Sprintf("frame_%06d.jpg", pending.FrameSeq))
			if err := os.WriteFile(name, frame, 0644); err != nil {
				return fmt.Errorf("failed to write frame: %w", err)
			}
		}
		pending = nil
	}

	return printSummary(out, detectSummary{Status: ctrl.Status(), Detections: ctrl.Detections()})
}

func printSummary(w io.Writer, s detectSummary) error {
	if detectFormat == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(s)
	}

	fmt.Fprintf(w, "\n%d frames read, %d processed, %d distinct plates\n",
		s.Status.FrameCount, s.Status.ProcessedCount, len(s.Detections))
	for _, d := range s.Detections {
		fmt.Fprintf(w, "  %s (%.2f)\n", d.Text, d.Confidence)
	}
	return nil
}
