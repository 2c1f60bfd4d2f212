package detect

import (
	"image"
	"math"
)

// Band is an inclusive HSV range in the 8-bit OpenCV scale: hue in [0,180],
// saturation and value in [0,255].
type Band struct {
	HueMin, HueMax uint8
	SatMin, SatMax uint8
	ValMin, ValMax uint8
}

// WhiteBall is the band tuned for a white ball under bright light.
var WhiteBall = Band{
	HueMin: 0, HueMax: 180,
	SatMin: 0, SatMax: 30,
	ValMin: 200, ValMax: 255,
}

func (b Band) contains(h, s, v uint8) bool {
	return h >= b.HueMin && h <= b.HueMax &&
		s >= b.SatMin && s <= b.SatMax &&
		v >= b.ValMin && v <= b.ValMax
}

// rgbToHSV converts an 8-bit RGB triple to 8-bit HSV with hue halved to fit [0,180].
func rgbToHSV(r, g, b uint8) (h, s, v uint8) {
	maxc := max(r, g, b)
	minc := min(r, g, b)
	v = maxc
	if maxc == 0 {
		return 0, 0, 0
	}
	diff := float64(maxc) - float64(minc)
	s = uint8(math.Round(diff * 255 / float64(maxc)))
	if diff == 0 {
		return 0, s, v
	}

	var hue float64
	switch maxc {
	case r:
		hue = 60 * (float64(g) - float64(b)) / diff
	case g:
		hue = 120 + 60*(float64(b)-float64(r))/diff
	default:
		hue = 240 + 60*(float64(r)-float64(g))/diff
	}
	if hue < 0 {
		hue += 360
	}
	return uint8(math.Round(hue / 2)), s, v
}

// Threshold builds the binary mask of pixels of img that fall inside band.
// The mask origin is img.Bounds().Min.
func Threshold(img image.Image, band Band) *Mask {
	bounds := img.Bounds()
	m := NewMask(bounds.Dx(), bounds.Dy())

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < m.H; y++ {
			row := rgba.Pix[(y+bounds.Min.Y-rgba.Rect.Min.Y)*rgba.Stride+(bounds.Min.X-rgba.Rect.Min.X)*4:]
			for x := 0; x < m.W; x++ {
				p := row[x*4 : x*4+3 : x*4+3]
				h, s, v := rgbToHSV(p[0], p[1], p[2])
				if band.contains(h, s, v) {
					m.Pix[y*m.W+x] = 1
				}
			}
		}
		return m
	}

	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			h, s, v := rgbToHSV(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			if band.contains(h, s, v) {
				m.Pix[y*m.W+x] = 1
			}
		}
	}
	return m
}
