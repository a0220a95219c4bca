// Package preview renders frames as 16-bit grayscale images for quick look displays
package preview

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/disintegration/gift"

	"github.com/nasa-jpl/calred/frame"
)

// Render linearly stretches f between its min and max into a Gray16 image.
// FITS row 0 is the bottom of the picture, so the image is flipped vertically.
// If maxDim > 0 and the frame is larger, it is downsampled to fit.
func Render(f *frame.Frame, maxDim int) image.Image {
	h, w := f.Shape()
	src := image.NewGray16(image.Rect(0, 0, w, h))
	s := f.Stats()
	span := s.Max - s.Min
	pix := f.Pixels()
	for i, v := range pix {
		var u uint16
		if span > 0 && !math.IsNaN(v) {
			u = uint16(math.Round((v - s.Min) / span * math.MaxUint16))
		}
		// Gray16 is big endian
		src.Pix[2*i] = byte(u >> 8)
		src.Pix[2*i+1] = byte(u)
	}

	filters := []gift.Filter{gift.FlipVertical()}
	if maxDim > 0 && (w > maxDim || h > maxDim) {
		if w >= h {
			filters = append(filters, gift.Resize(maxDim, 0, gift.LinearResampling))
		} else {
			filters = append(filters, gift.Resize(0, maxDim, gift.LinearResampling))
		}
	}
	g := gift.New(filters...)
	dst := image.NewGray16(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

// Encode renders f and writes it to w as "png" or "jpg"
func Encode(w io.Writer, f *frame.Frame, format string, maxDim int) error {
	img := Render(f, maxDim)
	if format == "png" {
		return png.Encode(w, img)
	}
	return jpeg.Encode(w, img, nil)
}
