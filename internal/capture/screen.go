package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// ScreenSource captures the X11 root window, or a region of it, as frames.
// It never reaches end of stream on its own.
type ScreenSource struct {
	region image.Rectangle

	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	mu     sync.Mutex
	closed bool
}

// NewScreenSource creates a screen source. An empty region means the whole screen.
func NewScreenSource(region image.Rectangle) *ScreenSource {
	return &ScreenSource{region: region}
}

// Name returns the source name
func (c *ScreenSource) Name() string {
	if c.region.Empty() {
		return "screen"
	}
	return fmt.Sprintf("screen:%dx%d+%d+%d", c.region.Dx(), c.region.Dy(), c.region.Min.X, c.region.Min.Y)
}

// Open connects to the X server named by $DISPLAY
func (c *ScreenSource) Open(ctx context.Context) (Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := xgb.NewConn()
	if err != nil {
		return Metadata{}, apperr.Wrap(err, apperr.SourceUnavailable, "failed to connect to X server")
	}

	setup := xproto.Setup(conn)
	c.conn = conn
	c.screen = setup.DefaultScreen(conn)
	c.root = c.screen.Root

	full := image.Rect(0, 0, int(c.screen.WidthInPixels), int(c.screen.HeightInPixels))
	if c.region.Empty() {
		c.region = full
	}
	if !c.region.In(full) {
		conn.Close()
		c.conn = nil
		return Metadata{}, apperr.Newf(apperr.SourceUnavailable, "region %v outside screen %v", c.region, full)
	}
	if d := c.screen.RootDepth; d != 24 && d != 32 {
		conn.Close()
		c.conn = nil
		return Metadata{}, apperr.Newf(apperr.SourceUnavailable, "unsupported root depth %d", d)
	}

	logger.WithComponent("capture").Info().
		Str("source", c.Name()).
		Int("width", c.region.Dx()).
		Int("height", c.region.Dy()).
		Msg("Source opened")

	return Metadata{Kind: KindScreen, Width: c.region.Dx(), Height: c.region.Dy()}, nil
}

// Read grabs the configured region of the root window
func (c *ScreenSource) Read() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil, io.EOF
	}

	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(c.root),
		int16(c.region.Min.X), int16(c.region.Min.Y),
		uint16(c.region.Dx()), uint16(c.region.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	return bgraToRGBA(reply.Data, c.region.Dx(), c.region.Dy()), nil
}

// Close closes the X11 connection
func (c *ScreenSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		logger.WithComponent("capture").Info().Str("source", c.Name()).Msg("Source released")
	}
	return nil
}

// bgraToRGBA converts 24/32 bit ZPixmap data to RGBA
func bgraToRGBA(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := width * height * 4
	if len(data) < n {
		n = len(data) - len(data)%4
	}
	for i := 0; i < n; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 255
	}
	return img
}
