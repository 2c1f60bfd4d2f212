// Package trajectory fits a parabolic flight path to per-frame ball positions and
// derives launch angle and exit velocity from it.
package trajectory

import (
	"math"

	"github.com/timfaniran/slugsei/pkg/models"
)

// MinObservations is the smallest sequence that is modeled. Shorter sequences
// produce the degenerate zero result.
const MinObservations = 4

const (
	DefaultFPS        = 30.0
	DefaultPixelToMPH = 0.035
)

// Observation is one detected ball position. FrameIndex is monotonic but may
// skip frames where no ball was found.
type Observation struct {
	FrameIndex uint32
	X          float64
	Y          float64
}

// Fit holds the coefficients of y = A*x^2 + B*x + C in the estimator's
// up-positive coordinate space, plus the metrics derived from them.
type Fit struct {
	A, B, C      float64
	LaunchAngle  float64
	ExitVelocity float64
}

// Config tunes the estimator. Zero values fall back to the defaults.
type Config struct {
	// PixelToMPH converts pixels per second into miles per hour. It is an
	// uncalibrated empirical factor with no camera-distance correction.
	PixelToMPH float64
	// ImageYDown marks observations as image coordinates (y grows downward);
	// y is negated before fitting so a rising ball has a positive angle.
	ImageYDown bool
}

// Estimator is stateless and safe for concurrent use.
type Estimator struct {
	pixelToMPH float64
	imageYDown bool
}

// NewEstimator creates an Estimator from cfg.
func NewEstimator(cfg Config) *Estimator {
	if cfg.PixelToMPH <= 0 {
		cfg.PixelToMPH = DefaultPixelToMPH
	}
	return &Estimator{pixelToMPH: cfg.PixelToMPH, imageYDown: cfg.ImageYDown}
}

// Estimate returns the metrics for obs sampled at fps frames per second. It never
// fails: fewer than MinObservations samples, fewer than two distinct x values or
// a singular fit all yield the degenerate zero result.
func (e *Estimator) Estimate(obs []Observation, fps float64) models.Result {
	fit, ok := e.Fit(obs, fps)
	if !ok {
		return models.Result{Observations: len(obs)}
	}
	return models.Result{
		LaunchAngle:  fit.LaunchAngle,
		ExitVelocity: fit.ExitVelocity,
		Observations: len(obs),
	}
}

// Fit runs the regression and derives the metrics. ok is false for the
// degenerate cases described on Estimate.
func (e *Estimator) Fit(obs []Observation, fps float64) (Fit, bool) {
	if len(obs) < MinObservations || distinctX(obs) < 2 {
		return Fit{}, false
	}
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		fps = DefaultFPS
	}

	xs := make([]float64, len(obs))
	ys := make([]float64, len(obs))
	for i, o := range obs {
		xs[i] = o.X
		ys[i] = o.Y
		if e.imageYDown {
			ys[i] = -o.Y
		}
	}

	a, b, c, ok := polyfit2(xs, ys)
	if !ok {
		return Fit{}, false
	}

	slope := 2*a*xs[0] + b
	fit := Fit{
		A:            a,
		B:            b,
		C:            c,
		LaunchAngle:  math.Atan(slope) * (180 / math.Pi),
		ExitVelocity: meanStep(obs) * fps * e.pixelToMPH,
	}
	if math.IsNaN(fit.LaunchAngle) || math.IsNaN(fit.ExitVelocity) {
		return Fit{}, false
	}
	return fit, true
}

// meanStep is the average Euclidean distance between temporally consecutive
// observations. Gaps in frame index are bridged, not interpolated.
func meanStep(obs []Observation) float64 {
	if len(obs) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(obs); i++ {
		total += math.Hypot(obs[i].X-obs[i-1].X, obs[i].Y-obs[i-1].Y)
	}
	return total / float64(len(obs)-1)
}

func distinctX(obs []Observation) int {
	seen := make(map[float64]struct{}, len(obs))
	for _, o := range obs {
		seen[o.X] = struct{}{}
		if len(seen) >= 3 {
			break
		}
	}
	return len(seen)
}
