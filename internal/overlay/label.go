package overlay

import (
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var face = basicfont.Face7x13

// MeasureLabel returns the pixel size of text rendered in the label face
func MeasureLabel(text string) (int, int) {
	d := &font.Drawer{Face: face}
	width := d.MeasureString(text).Ceil()
	m := face.Metrics()
	return width, (m.Ascent + m.Descent).Ceil()
}

// drawLabel fills a band above box (or inside its top edge when there is no
// room) and writes text on it.
func (s Style) drawLabel(dst *image.RGBA, box image.Rectangle, text string) {
	box = box.Canon()
	textW, textH := MeasureLabel(text)
	bandW := textW + s.LabelPadX*2
	bandH := textH + s.LabelPadY*2

	top := box.Min.Y - bandH
	if !s.LabelAbove || top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	band := image.Rect(box.Min.X, top, box.Min.X+bandW, top+bandH)
	FillRect(dst, band, image.NewUniform(s.BoxColor))

	ascent := face.Metrics().Ascent.Ceil()
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(s.TextColor),
		Face: face,
		Dot:  fixed.P(band.Min.X+s.LabelPadX, band.Min.Y+s.LabelPadY+ascent),
	}
	d.DrawString(text)
}
