// Package imaging renders low-value previews of processed images.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
)

const (
	stripeWidth  = 24
	stripePeriod = 96
)

var stripeColor = color.NRGBA{R: 255, G: 255, B: 255, A: 110}

// Watermark decodes a PNG or JPEG, overlays translucent diagonal stripes and
// returns the result as PNG.
func Watermark(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if (x+y)%stripePeriod < stripeWidth {
				dst.SetNRGBA(x, y, blend(dst.NRGBAAt(x, y), stripeColor))
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// blend paints over onto base with over's alpha, keeping base's alpha.
func blend(base, over color.NRGBA) color.NRGBA {
	a := uint32(over.A)
	mix := func(b, o uint8) uint8 {
		return uint8((uint32(b)*(255-a) + uint32(o)*a) / 255)
	}
	return color.NRGBA{R: mix(base.R, over.R), G: mix(base.G, over.G), B: mix(base.B, over.B), A: base.A}
}
