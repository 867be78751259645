package capture

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// PortalSource captures a Wayland screen cast. The stream is negotiated with
// xdg-desktop-portal and decoded by a gst-launch subprocess reading the
// PipeWire node, which keeps GStreamer's cgo bindings out of the build.
type PortalSource struct {
	settings Settings

	portal *screenCastPortal
	cmd    *exec.Cmd
	reader *bufio.Reader
	stderr *stderrTail

	node    uint32
	width   int
	height  int
	pending *image.RGBA

	closeOnce sync.Once
	done      chan struct{}
}

// NewPortalSource creates a screen cast source
func NewPortalSource(settings Settings) *PortalSource {
	return &PortalSource{settings: settings, done: make(chan struct{})}
}

// Name returns the source name
func (s *PortalSource) Name() string {
	return "portal:screencast"
}

// gstArgs builds the gst-launch pipeline converting node to raw RGBA on stdout
func gstArgs(node uint32, width, height, fps int) []string {
	return []string{"-q",
		"pipewiresrc", "path=" + strconv.FormatUint(uint64(node), 10), "do-timestamp=true", "!",
		"videoconvert", "!",
		"videoscale", "!",
		"videorate", "!",
		fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1", width, height, fps), "!",
		"fdsink", "fd=1", "sync=false",
	}
}

// Open negotiates the screen cast, starts the pipeline and waits for the
// first frame
func (s *PortalSource) Open(ctx context.Context) (Metadata, error) {
	log := logger.WithComponent("capture")

	portal, err := openPortal(s.settings.PortalTokenPath)
	if err != nil {
		return Metadata{}, apperr.Wrap(err, apperr.SourceUnavailable, "screen cast portal not available")
	}
	s.portal = portal

	stream, err := portal.start(ctx)
	if err != nil {
		return Metadata{}, apperr.Wrap(err, apperr.SourceUnavailable, "screen cast not granted")
	}
	s.node = stream.Node
	s.width, s.height = stream.Width, stream.Height
	if s.width <= 0 || s.height <= 0 {
		s.width, s.height = s.settings.DeviceWidth, s.settings.DeviceHeight
	}
	fps := s.settings.DeviceFPS

	args := gstArgs(s.node, s.width, s.height, fps)
	s.cmd = exec.Command(s.settings.GstLaunchPath, args...)

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	s.stderr = newStderrTail(8)

	log.Debug().Str("gst", s.settings.GstLaunchPath).Strs("args", args).Msg("Starting screen cast pipeline")

	if err := s.cmd.Start(); err != nil {
		return Metadata{}, apperr.Wrapf(err, apperr.SourceUnavailable, "failed to start %s", s.settings.GstLaunchPath)
	}
	go s.stderr.pump(stderr, s.Name())

	s.reader = bufio.NewReaderSize(stdout, s.width*s.height*4)

	first, err := awaitFirstFrame(ctx, s.readFrame)
	if err != nil {
		return Metadata{}, apperr.Wrapf(err, apperr.SourceUnavailable, "screen cast produced no frames: %s", s.stderr.String())
	}
	s.pending = first

	log.Info().
		Str("source", s.Name()).
		Uint32("node_id", s.node).
		Int("width", s.width).
		Int("height", s.height).
		Int("pid", s.cmd.Process.Pid).
		Msg("Source opened")

	return Metadata{Kind: KindPortal, Width: s.width, Height: s.height, FPS: float64(fps)}, nil
}

func (s *PortalSource) readFrame() (*image.RGBA, error) {
	return readRGBA(s.reader, s.width, s.height, s.Name())
}

// Read returns the next frame of the screen cast
func (s *PortalSource) Read() (*image.RGBA, error) {
	select {
	case <-s.done:
		return nil, io.EOF
	default:
	}
	if s.pending != nil {
		img := s.pending
		s.pending = nil
		return img, nil
	}
	img, err := s.readFrame()
	if err != nil {
		select {
		case <-s.done:
			return nil, io.EOF
		default:
		}
	}
	return img, err
}

// Close stops the pipeline and ends the portal session
func (s *PortalSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
			s.cmd.Wait()
		}
		if s.portal != nil {
			s.portal.close()
		}
		logger.WithComponent("capture").Info().Str("source", s.Name()).Msg("Source released")
	})
	return nil
}
