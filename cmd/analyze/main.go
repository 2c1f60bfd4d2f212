// Command analyze runs the batted-ball pipeline on a local video file and
// prints the launch angle and exit velocity.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/timfaniran/slugsei/internal/analysis"
	"github.com/timfaniran/slugsei/internal/blob"
	"github.com/timfaniran/slugsei/internal/detect"
	"github.com/timfaniran/slugsei/internal/store"
	"github.com/timfaniran/slugsei/internal/trajectory"
	"github.com/timfaniran/slugsei/internal/video"
	"github.com/timfaniran/slugsei/pkg/logger"
	"github.com/timfaniran/slugsei/pkg/models"
)

const localJobID = "local"

var errUsage = errors.New("usage: analyze -video <path> [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	videoPath := fs.String("video", "", "Path to the video file (required)")
	fps := fs.Float64("fps", trajectory.DefaultFPS, "Frame rate used when the file reports none")
	pixelToMPH := fs.Float64("pixel-to-mph", trajectory.DefaultPixelToMPH, "Pixels per second to mph factor")
	maxFrames := fs.Int("max-frames", video.DefaultMaxFrames, "Maximum frames to decode")
	ffmpegPath := fs.String("ffmpeg", "ffmpeg", "ffmpeg binary")
	ffprobePath := fs.String("ffprobe", "ffprobe", "ffprobe binary")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *videoPath == "" {
		fs.SetOutput(stdout)
		fs.PrintDefaults()
		return errUsage
	}

	log, err := logger.New(*logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	abs, err := filepath.Abs(*videoPath)
	if err != nil {
		return fmt.Errorf("resolve video path: %w", err)
	}

	detector, err := detect.NewDetector(detect.DefaultConfig())
	if err != nil {
		return fmt.Errorf("create detector: %w", err)
	}

	scratch, err := os.MkdirTemp("", "slugsei-analyze-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	jobs := store.NewMemoryStore()
	job := &models.Job{ID: localJobID, ObjectKey: filepath.Base(abs)}
	if err := jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	orch, err := analysis.New(analysis.Dependencies{
		Store:     jobs,
		Blobs:     blob.NewLocalSource(filepath.Dir(abs)),
		Opener:    video.NewFFmpeg(video.FFmpegConfig{FFmpegPath: *ffmpegPath, FFprobePath: *ffprobePath, MaxFrames: *maxFrames}, log),
		Detector:  detector,
		Estimator: trajectory.NewEstimator(trajectory.Config{PixelToMPH: *pixelToMPH, ImageYDown: true}),
		Logger:    log,
	}, analysis.Config{
		Workers:    1,
		ScratchDir: scratch,
		DefaultFPS: *fps,
	})
	if err != nil {
		return err
	}

	r, err := orch.Submit(ctx, localJobID)
	if err != nil {
		return err
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		orch.Cancel(localJobID)
		<-r.Done()
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	_, result, _ := r.Outcome()
	if result == nil {
		return errors.New("analysis finished without a result")
	}
	log.Debug("analysis complete", zap.Int("observations", result.Observations))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
