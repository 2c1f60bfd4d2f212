package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/timfaniran/slugsei/internal/metrics"
	"github.com/timfaniran/slugsei/internal/trajectory"
	"github.com/timfaniran/slugsei/pkg/models"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// runPipeline fetches, decodes, detects and fits. Panics are converted to errors
// and the scratch file is removed on every return path.
func (o *Orchestrator) runPipeline(ctx context.Context, job *models.Job, log *zap.Logger) (result models.Result, err error) {
	ctx, span := otel.Tracer("analysis").Start(ctx, "analysis.run",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.object_key", job.ObjectKey),
		))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in analysis run", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("internal error: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	scratch := o.scratchPath(job)
	defer func() {
		if rmErr := os.Remove(scratch); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("failed to remove scratch file", zap.String("path", scratch), zap.Error(rmErr))
		}
	}()

	if err := o.stage(ctx, "fetch", func(ctx context.Context) error {
		if err := o.deps.Blobs.Materialize(ctx, job.Bucket, job.ObjectKey, scratch); err != nil {
			return fmt.Errorf("%w: %v", ErrBlobFetch, err)
		}
		return nil
	}); err != nil {
		return models.Result{}, err
	}

	var (
		obs []trajectory.Observation
		fps float64
	)
	if err := o.stage(ctx, "decode_detect", func(ctx context.Context) error {
		var err error
		obs, fps, err = o.detectAll(ctx, scratch, log)
		return err
	}); err != nil {
		return models.Result{}, err
	}

	_ = o.stage(ctx, "fit", func(ctx context.Context) error {
		result = o.deps.Estimator.Estimate(obs, fps)
		return nil
	})
	span.SetAttributes(
		attribute.Int("ball.observations", len(obs)),
		attribute.Float64("result.launch_angle", result.LaunchAngle),
		attribute.Float64("result.exit_velocity", result.ExitVelocity),
	)
	return result, nil
}

// detectAll decodes the clip in order and collects one observation per frame in
// which the ball was found.
func (o *Orchestrator) detectAll(ctx context.Context, path string, log *zap.Logger) ([]trajectory.Observation, float64, error) {
	src, err := o.deps.Opener.Open(ctx, path)
	if err != nil {
		return nil, 0, fmt.Errorf("decode video: %w", err)
	}
	defer src.Close()

	fps := src.Info().FPS
	if fps <= 0 {
		fps = o.cfg.DefaultFPS
	}

	var (
		obs    []trajectory.Observation
		frames int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		frame, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("decode video: %w", err)
		}
		frames++
		if p, ok := o.deps.Detector.Detect(frame.Image); ok {
			obs = append(obs, trajectory.Observation{FrameIndex: frame.Index, X: p.X, Y: p.Y})
		}
	}

	metrics.FramesDecodedTotal.Add(float64(frames))
	metrics.ObservationsTotal.Add(float64(len(obs)))
	log.Debug("frames analyzed",
		zap.Int("frames", frames),
		zap.Int("observations", len(obs)),
		zap.Float64("fps", fps),
	)
	return obs, fps, nil
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("analysis").Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// scratchPath is unique per run so concurrent runs never share a file.
func (o *Orchestrator) scratchPath(job *models.Job) string {
	name := unsafeName.ReplaceAllString(job.ID, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	ext := unsafeName.ReplaceAllString(path.Ext(job.ObjectKey), "")
	if ext != "" {
		ext = "." + ext
	}
	return filepath.Join(o.cfg.ScratchDir, fmt.Sprintf("job-%s-%s%s", name, uuid.NewString(), ext))
}
