// Package detect defines the boundary to the external plate recognition
// capability and the filtering applied to its output.
package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"runtime/debug"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// PayloadQuality is the JPEG quality of frames handed to a capability.
const PayloadQuality = 80

// Detection is one recognised plate in pixel coordinates of the image the
// capability was given. BBox is x1, y1, x2, y2.
type Detection struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

// Capability recognises plates in an image. Detections are returned in the
// capability's own order, which Filter preserves.
type Capability interface {
	Name() string
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// Invoke calls c, converting both errors and panics into ProcessingFailure.
func Invoke(ctx context.Context, c Capability, img image.Image) (dets []Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("detect").Error().
				Str("capability", c.Name()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Capability panicked")
			dets = nil
			err = apperr.Newf(apperr.ProcessingFailure, "capability %s panicked: %v", c.Name(), r)
		}
	}()

	dets, err = c.Detect(ctx, img)
	if err != nil {
		if apperr.IsCode(err, apperr.ProcessingFailure) {
			return nil, err
		}
		return nil, apperr.Wrapf(err, apperr.ProcessingFailure, "capability %s failed", c.Name())
	}
	return dets, nil
}

// EncodePayload encodes img as the JPEG handed to capabilities.
func EncodePayload(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: PayloadQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// None is a capability that never detects anything. It lets the stream run
// without a recogniser configured.
type None struct{}

func (None) Name() string { return "none" }

func (None) Detect(ctx context.Context, img image.Image) ([]Detection, error) { return nil, nil }

func (None) Close() error { return nil }
