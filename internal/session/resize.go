package session

import (
	"image"

	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/nfnt/resize"
)

// targetSize is the streaming frame size for the capability: ResizeWidth
// wide with the source aspect ratio kept. ResizeHeight only applies when the
// source has no usable width; still images use it through resizeStill.
func targetSize(b image.Rectangle, cfg config.Runtime) (int, int) {
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return cfg.ResizeWidth, cfg.ResizeHeight
	}
	th := int(float64(h)*float64(cfg.ResizeWidth)/float64(w) + 0.5)
	if th < 1 {
		th = 1
	}
	return cfg.ResizeWidth, th
}

// resizeForDetection scales img for the capability. It returns img unchanged
// when it already has the target size.
func resizeForDetection(img image.Image, cfg config.Runtime) image.Image {
	w, h := targetSize(img.Bounds(), cfg)
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return img
	}
	return resize.Resize(uint(w), uint(h), img, resize.Bilinear)
}

// resizeStill scales a still image to exactly ResizeWidth x ResizeHeight
func resizeStill(img image.Image, cfg config.Runtime) image.Image {
	b := img.Bounds()
	if b.Dx() == cfg.ResizeWidth && b.Dy() == cfg.ResizeHeight {
		return img
	}
	return resize.Resize(uint(cfg.ResizeWidth), uint(cfg.ResizeHeight), img, resize.Bilinear)
}

// scaleDetections maps boxes from the resized frame back onto the source frame
func scaleDetections(dets []detect.Detection, from, to image.Rectangle) []detect.Detection {
	if from.Dx() == to.Dx() && from.Dy() == to.Dy() {
		return dets
	}
	sx := float64(to.Dx()) / float64(from.Dx())
	sy := float64(to.Dy()) / float64(from.Dy())

	out := make([]detect.Detection, len(dets))
	for i, d := range dets {
		out[i] = d
		out[i].BBox = [4]int{
			int(float64(d.BBox[0])*sx + 0.5),
			int(float64(d.BBox[1])*sy + 0.5),
			int(float64(d.BBox[2])*sx + 0.5),
			int(float64(d.BBox[3])*sy + 0.5),
		}
	}
	return out
}
