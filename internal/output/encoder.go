// Package output encodes frames and serves them as a Motion JPEG stream.
package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// StreamQuality is the JPEG quality of every outbound frame
const StreamQuality = 95

// Encoder turns frames into independently decodable JPEG payloads
type Encoder struct {
	Quality int
}

// NewEncoder creates an encoder at StreamQuality
func NewEncoder() *Encoder {
	return &Encoder{Quality: StreamQuality}
}

// Encode encodes img as JPEG
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	q := e.Quality
	if q <= 0 || q > 100 {
		q = StreamQuality
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
