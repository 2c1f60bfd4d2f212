// Package detect locates a ball in a single video frame by color and shape:
// HSV band threshold, morphological opening and closing, then external contour
// filtering by area and bounding-box aspect ratio.
package detect

import (
	"fmt"
	"image"
)

// Point is a pixel-space position.
type Point struct {
	X, Y float64
}

// Config tunes the detector. The band is a fixed appearance model and does not
// adapt to lighting.
type Config struct {
	Band       Band
	KernelSize int
	MinArea    float64
	MaxArea    float64
	MinAspect  float64
	MaxAspect  float64
}

// DefaultConfig returns the reference tuning for a white ball.
func DefaultConfig() Config {
	return Config{
		Band:       WhiteBall,
		KernelSize: 5,
		MinArea:    50,
		MaxArea:    1000,
		MinAspect:  0.7,
		MaxAspect:  1.3,
	}
}

// Validate checks that every range in c is well formed.
func (c Config) Validate() error {
	if c.KernelSize < 1 || c.KernelSize%2 == 0 {
		return fmt.Errorf("kernel size must be a positive odd number, got %d", c.KernelSize)
	}
	if c.MinArea < 0 || c.MaxArea < c.MinArea {
		return fmt.Errorf("invalid area range [%g, %g]", c.MinArea, c.MaxArea)
	}
	if c.MinAspect <= 0 || c.MaxAspect < c.MinAspect {
		return fmt.Errorf("invalid aspect ratio range [%g, %g]", c.MinAspect, c.MaxAspect)
	}
	b := c.Band
	if b.HueMin > b.HueMax || b.SatMin > b.SatMax || b.ValMin > b.ValMax {
		return fmt.Errorf("invalid HSV band %+v", b)
	}
	if b.HueMax > 180 {
		return fmt.Errorf("hue must be within [0,180], got max %d", b.HueMax)
	}
	return nil
}

// Detector is immutable after construction and safe for concurrent use.
type Detector struct {
	cfg Config
}

// NewDetector validates cfg and returns a Detector.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("detector config: %w", err)
	}
	return &Detector{cfg: cfg}, nil
}

// Accept reports whether a contour looks like a ball: area and aspect ratio both
// inside their inclusive configured ranges. Elongated blobs such as bats, limbs
// and shadows fail the aspect check.
func (d *Detector) Accept(c Contour) bool {
	if c.Area < d.cfg.MinArea || c.Area > d.cfg.MaxArea {
		return false
	}
	ar := c.AspectRatio()
	return ar >= d.cfg.MinAspect && ar <= d.cfg.MaxAspect
}

// Mask returns the cleaned binary mask for img.
func (d *Detector) Mask(img image.Image) *Mask {
	return Threshold(img, d.cfg.Band).Open(d.cfg.KernelSize).Close(d.cfg.KernelSize)
}

// Select picks the accepted contour with the largest area. Ties keep the first
// contour in order.
func (d *Detector) Select(contours []Contour) (Contour, bool) {
	var best Contour
	found := false
	for _, c := range contours {
		if !d.Accept(c) {
			continue
		}
		if !found || c.Area > best.Area {
			best = c
			found = true
		}
	}
	return best, found
}

// Detect returns the ball center in img coordinates. ok is false when no
// contour survives filtering, which is expected for blurred or occluded frames.
func (d *Detector) Detect(img image.Image) (Point, bool) {
	c, ok := d.Select(FindContours(d.Mask(img)))
	if !ok {
		return Point{}, false
	}
	p := c.Center()
	origin := img.Bounds().Min
	return Point{X: p.X + float64(origin.X), Y: p.Y + float64(origin.Y)}, true
}
