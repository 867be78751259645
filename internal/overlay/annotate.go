// Package overlay draws detection boxes and labels onto frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
)

// Style controls how detections are drawn
type Style struct {
	BoxColor   color.RGBA
	TextColor  color.RGBA
	Thickness  int
	LabelPadX  int
	LabelPadY  int
	LabelAbove bool
}

// DefaultStyle is a 3px green box with a green label band and black text
var DefaultStyle = Style{
	BoxColor:   color.RGBA{0, 255, 0, 255},
	TextColor:  color.RGBA{0, 0, 0, 255},
	Thickness:  3,
	LabelPadX:  2,
	LabelPadY:  2,
	LabelAbove: true,
}

// Annotate returns a copy of img with every detection drawn using DefaultStyle.
// The input is never modified.
func Annotate(img image.Image, dets []detect.Detection) *image.RGBA {
	return DefaultStyle.Annotate(img, dets)
}

// Annotate draws dets onto a copy of img
func (s Style) Annotate(img image.Image, dets []detect.Detection) *image.RGBA {
	out := Copy(img)
	for _, d := range dets {
		box := image.Rect(d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
		s.drawBox(out, box)
		s.drawLabel(out, box, Label(d))
	}
	return out
}

// Label is the caption drawn for a detection
func Label(d detect.Detection) string {
	return fmt.Sprintf("%s (%.2f)", d.Text, d.Confidence)
}

// Copy returns an RGBA copy of img with its bounds moved to the origin
func Copy(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// drawBox outlines box with Thickness pixels, growing inwards
func (s Style) drawBox(dst *image.RGBA, box image.Rectangle) {
	box = box.Canon()
	if box.Empty() {
		return
	}
	t := s.Thickness
	if t < 1 {
		t = 1
	}
	src := image.NewUniform(s.BoxColor)
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+t), // top
		image.Rect(box.Min.X, box.Max.Y-t, box.Max.X, box.Max.Y), // bottom
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+t, box.Max.Y), // left
		image.Rect(box.Max.X-t, box.Min.Y, box.Max.X, box.Max.Y), // right
	}
	for _, e := range edges {
		FillRect(dst, e.Intersect(box), src)
	}
}

// FillRect fills r clipped to dst's bounds
func FillRect(dst *image.RGBA, r image.Rectangle, src image.Image) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, src, image.Point{}, draw.Src)
}
