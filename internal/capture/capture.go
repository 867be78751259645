package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
)

// Kind identifies the origin of a source
type Kind string

const (
	KindFile   Kind = "file"
	KindDevice Kind = "device"
	KindScreen Kind = "screen"
	KindPortal Kind = "portal"
)

// Metadata describes an opened source
type Metadata struct {
	Descriptor string  `json:"descriptor"`
	Kind       Kind    `json:"kind"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
}

// Frame is one raw picture pulled from a source.
// Seq is monotonic within a session and starts at 1.
type Frame struct {
	Image     *image.RGBA
	Seq       uint64
	Timestamp time.Time
}

// Width returns the frame width in pixels
func (f Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// Source defines the interface for frame-producing origins (video files,
// capture devices, the X11 screen)
type Source interface {
	// Open acquires the underlying handle. Failures are SourceUnavailable.
	Open(ctx context.Context) (Metadata, error)

	// Read blocks until the next frame is available.
	// It returns io.EOF once the source is exhausted.
	Read() (*image.RGBA, error)

	// Close releases the handle. It is safe to call more than once.
	Close() error

	// Name returns a human-readable name for this source
	Name() string
}

// Descriptor is a parsed source descriptor
type Descriptor struct {
	Raw    string
	Kind   Kind
	Path   string          // file path or device node
	Region image.Rectangle // screen region, empty for the full screen
}

// ParseDescriptor interprets the descriptor syntax accepted by Start:
//
//	file:PATH | PATH                  video file
//	device:N | N | /dev/videoN        capture device
//	screen | screen:WxH+X+Y           X11 root window (or a region of it)
//	portal                            Wayland screen cast via xdg-desktop-portal
func ParseDescriptor(raw string) (Descriptor, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Descriptor{}, apperr.New(apperr.SourceUnavailable, "empty source descriptor")
	}

	d := Descriptor{Raw: raw}
	switch {
	case strings.HasPrefix(s, "file:"):
		d.Kind = KindFile
		d.Path = strings.TrimPrefix(s, "file:")
	case strings.HasPrefix(s, "device:"):
		d.Kind = KindDevice
		d.Path = devicePath(strings.TrimPrefix(s, "device:"))
	case s == "screen" || strings.HasPrefix(s, "screen:"):
		d.Kind = KindScreen
		if spec := strings.TrimPrefix(strings.TrimPrefix(s, "screen"), ":"); spec != "" {
			r, err := parseGeometry(spec)
			if err != nil {
				return Descriptor{}, apperr.Wrapf(err, apperr.SourceUnavailable, "invalid screen region %q", spec)
			}
			d.Region = r
		}
	case s == "portal" || s == "portal:":
		d.Kind = KindPortal
	case isDigits(s) || strings.HasPrefix(s, "/dev/video"):
		d.Kind = KindDevice
		d.Path = devicePath(s)
	default:
		d.Kind = KindFile
		d.Path = s
	}

	if d.Kind != KindScreen && d.Kind != KindPortal && d.Path == "" {
		return Descriptor{}, apperr.Newf(apperr.SourceUnavailable, "source descriptor %q has no path", raw)
	}
	return d, nil
}

func devicePath(s string) string {
	if isDigits(s) {
		return "/dev/video" + s
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// parseGeometry parses X11 style WxH+X+Y
func parseGeometry(spec string) (image.Rectangle, error) {
	var w, h, x, y int
	size, offset, hasOffset := strings.Cut(spec, "+")
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return image.Rectangle{}, fmt.Errorf("expected WxH+X+Y")
	}
	var err error
	if w, err = strconv.Atoi(ws); err != nil {
		return image.Rectangle{}, err
	}
	if h, err = strconv.Atoi(hs); err != nil {
		return image.Rectangle{}, err
	}
	if hasOffset {
		xs, ys, ok := strings.Cut(offset, "+")
		if !ok {
			return image.Rectangle{}, fmt.Errorf("expected WxH+X+Y")
		}
		if x, err = strconv.Atoi(xs); err != nil {
			return image.Rectangle{}, err
		}
		if y, err = strconv.Atoi(ys); err != nil {
			return image.Rectangle{}, err
		}
	}
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, fmt.Errorf("region must have a positive size")
	}
	return image.Rect(x, y, x+w, y+h), nil
}

// Settings configures how sources are decoded
type Settings struct {
	FFmpegPath   string
	FFprobePath  string
	DeviceFormat string
	DeviceWidth  int
	DeviceHeight int
	DeviceFPS    int

	GstLaunchPath   string
	PortalTokenPath string // restore token for the screen cast permission
}

// Factory turns descriptors into opened sources
type Factory struct {
	settings Settings
}

// NewFactory creates a source factory
func NewFactory(settings Settings) *Factory {
	if settings.FFmpegPath == "" {
		settings.FFmpegPath = "ffmpeg"
	}
	if settings.FFprobePath == "" {
		settings.FFprobePath = "ffprobe"
	}
	if settings.DeviceFormat == "" {
		settings.DeviceFormat = "v4l2"
	}
	if settings.DeviceWidth <= 0 || settings.DeviceHeight <= 0 {
		settings.DeviceWidth, settings.DeviceHeight = 640, 480
	}
	if settings.DeviceFPS <= 0 {
		settings.DeviceFPS = 30
	}
	if settings.GstLaunchPath == "" {
		settings.GstLaunchPath = "gst-launch-1.0"
	}
	if settings.PortalTokenPath == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			settings.PortalTokenPath = filepath.Join(dir, "platestreamer", "portal_token")
		}
	}
	return &Factory{settings: settings}
}

// New builds an unopened source for a descriptor
func (f *Factory) New(raw string) (Source, error) {
	d, err := ParseDescriptor(raw)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindFile:
		return NewFileSource(d.Path, f.settings), nil
	case KindDevice:
		return NewDeviceSource(d.Path, f.settings), nil
	case KindScreen:
		return NewScreenSource(d.Region), nil
	case KindPortal:
		return NewPortalSource(f.settings), nil
	}
	return nil, apperr.Newf(apperr.SourceUnavailable, "unsupported source kind %q", d.Kind)
}

// Open builds and opens the source for a descriptor. On failure nothing is
// left running.
func (f *Factory) Open(ctx context.Context, raw string) (Source, Metadata, error) {
	src, err := f.New(raw)
	if err != nil {
		return nil, Metadata{}, err
	}
	meta, err := src.Open(ctx)
	if err != nil {
		src.Close()
		if !apperr.IsCode(err, apperr.SourceUnavailable) {
			err = apperr.Wrapf(err, apperr.SourceUnavailable, "open %s", raw)
		}
		return nil, Metadata{}, err
	}
	meta.Descriptor = raw
	return src, meta, nil
}
