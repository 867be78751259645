package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// ffmpegSource decodes a video into raw RGBA frames through an ffmpeg
// subprocess. Running the decoder out of process keeps cgo out of the build.
type ffmpegSource struct {
	name     string
	input    string
	kind     Kind
	settings Settings

	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	stderr *stderrTail

	width  int
	height int
	fps    float64

	// first frame, read during Open to prove the decoder works
	pending *image.RGBA

	closeOnce sync.Once
	done      chan struct{}
}

// FileSource reads frames from a video file
type FileSource struct{ *ffmpegSource }

// DeviceSource reads frames from a V4L2 capture device
type DeviceSource struct{ *ffmpegSource }

// NewFileSource creates a source for a video file
func NewFileSource(path string, settings Settings) *FileSource {
	return &FileSource{&ffmpegSource{
		name:     "file",
		input:    path,
		kind:     KindFile,
		settings: settings,
		done:     make(chan struct{}),
	}}
}

// NewDeviceSource creates a source for a capture device node
func NewDeviceSource(path string, settings Settings) *DeviceSource {
	return &DeviceSource{&ffmpegSource{
		name:     "device",
		input:    path,
		kind:     KindDevice,
		settings: settings,
		done:     make(chan struct{}),
	}}
}

// Name returns the source name
func (s *ffmpegSource) Name() string {
	return s.name + ":" + s.input
}

// Open probes the input, starts the decoder and waits for the first frame
func (s *ffmpegSource) Open(ctx context.Context) (Metadata, error) {
	log := logger.WithComponent("capture")

	if _, err := os.Stat(s.input); err != nil {
		return Metadata{}, apperr.Wrapf(err, apperr.SourceUnavailable, "%s %s not accessible", s.name, s.input)
	}

	var args []string
	switch s.kind {
	case KindFile:
		w, h, fps, err := s.probe(ctx)
		if err != nil {
			return Metadata{}, apperr.Wrapf(err, apperr.SourceUnavailable, "probe %s", s.input)
		}
		s.width, s.height, s.fps = w, h, fps
		args = []string{"-hide_banner", "-loglevel", "error", "-nostdin",
			"-i", s.input,
			"-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-"}
	case KindDevice:
		s.width, s.height = s.settings.DeviceWidth, s.settings.DeviceHeight
		s.fps = float64(s.settings.DeviceFPS)
		args = []string{"-hide_banner", "-loglevel", "error", "-nostdin",
			"-f", s.settings.DeviceFormat,
			"-framerate", strconv.Itoa(s.settings.DeviceFPS),
			"-video_size", fmt.Sprintf("%dx%d", s.width, s.height),
			"-i", s.input,
			"-vf", fmt.Sprintf("scale=%d:%d", s.width, s.height),
			"-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-"}
	}

	s.cmd = exec.Command(s.settings.FFmpegPath, args...)

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	s.stdout = stdout

	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	s.stderr = newStderrTail(8)

	log.Debug().Str("ffmpeg", s.settings.FFmpegPath).Strs("args", args).Msg("Starting decoder subprocess")

	if err := s.cmd.Start(); err != nil {
		return Metadata{}, apperr.Wrapf(err, apperr.SourceUnavailable, "failed to start %s", s.settings.FFmpegPath)
	}
	go s.stderr.pump(stderr, s.Name())

	frameSize := s.width * s.height * 4
	s.reader = bufio.NewReaderSize(s.stdout, frameSize)

	// The decoder only reveals a bad input once it tries to produce output.
	first, err := awaitFirstFrame(ctx, s.readFrame)
	if err != nil {
		s.Close()
		return Metadata{}, apperr.Wrapf(err, apperr.SourceUnavailable, "%s produced no frames: %s", s.Name(), s.stderr.String())
	}
	s.pending = first

	log.Info().
		Str("source", s.Name()).
		Int("width", s.width).
		Int("height", s.height).
		Float64("fps", s.fps).
		Int("pid", s.cmd.Process.Pid).
		Msg("Source opened")

	return Metadata{Kind: s.kind, Width: s.width, Height: s.height, FPS: s.fps}, nil
}

// Read returns the next decoded frame, io.EOF at end of stream
func (s *ffmpegSource) Read() (*image.RGBA, error) {
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
	if err != nil && !errors.Is(err, io.EOF) {
		select {
		case <-s.done:
			return nil, io.EOF
		default:
		}
	}
	return img, err
}

func (s *ffmpegSource) readFrame() (*image.RGBA, error) {
	return readRGBA(s.reader, s.width, s.height, s.Name())
}

// Close stops the decoder subprocess
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd != nil && s.cmd.Process != nil {
			logger.WithComponent("capture").Debug().Int("pid", s.cmd.Process.Pid).Msg("Killing decoder subprocess")
			s.cmd.Process.Kill()
			s.cmd.Wait()
		}
		logger.WithComponent("capture").Info().Str("source", s.Name()).Msg("Source released")
	})
	return nil
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// probe reads the first video stream's dimensions and frame rate
func (s *ffmpegSource) probe(ctx context.Context) (int, int, float64, error) {
	cmd := exec.CommandContext(ctx, s.settings.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate",
		"-of", "json",
		s.input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, 0, 0, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (int, int, float64, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return 0, 0, 0, fmt.Errorf("no video stream")
	}
	st := out.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return 0, 0, 0, fmt.Errorf("video stream has no dimensions")
	}
	fps := parseRate(st.AvgFrameRate)
	if fps == 0 {
		fps = parseRate(st.RFrameRate)
	}
	return st.Width, st.Height, fps, nil
}

// parseRate parses ffprobe rationals such as "30000/1001"
func parseRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// stderrTail logs a subprocess's stderr and keeps the last few lines for
// error messages
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) pump(r io.Reader, source string) {
	log := logger.WithComponent("capture")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		log.Warn().Str("source", source).Str("stderr", line).Msg("Decoder message")

		t.mu.Lock()
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
		t.mu.Unlock()
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return "no decoder output"
	}
	return strings.Join(t.lines, "; ")
}

// readRGBA reads one tightly packed RGBA frame
func readRGBA(r io.Reader, width, height int, source string) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if _, err := io.ReadFull(r, img.Pix); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame from %s: %w", source, err)
	}
	return img, nil
}

// awaitFirstFrame reads one frame, giving up when ctx is done
func awaitFirstFrame(ctx context.Context, read func() (*image.RGBA, error)) (*image.RGBA, error) {
	type result struct {
		img *image.RGBA
		err error
	}
	first := make(chan result, 1)
	go func() {
		img, err := read()
		first <- result{img, err}
	}()

	select {
	case r := <-first:
		return r.img, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
