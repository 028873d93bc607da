package detection

import (
	"fmt"
	"image"
	"image/color"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/fogleman/gg"
)

var BoxColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}

const DefaultPreviewQuality = 85

// Annotate draws a rectangle around every detection.
// The image must be RGB or RGBA. It is modified in place.
func Annotate(img *cimg.Image, detections []Detection) {
	if len(detections) == 0 || img.Width == 0 || img.Height == 0 {
		return
	}
	nchan := img.NChan()
	if nchan != 3 && nchan != 4 {
		return
	}

	w := float32(img.Width)
	h := float32(img.Height)
	stroke := math32.Max(0.01*math32.Min(w, h), 1)
	inset := math32.Max(stroke/2, 1)

	rgba := img
	if nchan == 3 {
		rgba = img.ToRGBA(255)
	}
	dc := gg.NewContextForRGBA(&image.RGBA{
		Pix:    rgba.Pixels,
		Stride: rgba.Stride,
		Rect:   image.Rect(0, 0, rgba.Width, rgba.Height),
	})
	dc.SetColor(BoxColor)
	dc.SetLineWidth(float64(stroke))
	for _, d := range detections {
		x1, y1, x2, y2 := d.Box.ToPixels(img.Width, img.Height)
		x1 = clampf(x1, inset, w-inset)
		x2 = clampf(x2, inset, w-inset)
		y1 = clampf(y1, inset, h-inset)
		y2 = clampf(y2, inset, h-inset)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		dc.DrawRectangle(float64(x1), float64(y1), float64(x2-x1), float64(y2-y1))
		dc.Stroke()
	}
	if nchan == 3 {
		img.CopyImage(rgba.ToRGB(), 0, 0)
	}
}

// PreviewJPEG compresses an annotated frame for delivery to a UI
func PreviewJPEG(img *cimg.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultPreviewQuality
	}
	jpg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
	if err != nil {
		return nil, fmt.Errorf("Failed to compress preview: %w", err)
	}
	return jpg, nil
}

func clampf(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
