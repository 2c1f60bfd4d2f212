package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FFmpegConfig locates the binaries and caps the number of decoded frames.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	MaxFrames   int
}

// FFmpeg opens files by probing them with ffprobe and streaming raw RGBA frames
// from an ffmpeg child process.
type FFmpeg struct {
	ffmpeg    string
	ffprobe   string
	maxFrames int
	logger    *zap.Logger
}

// NewFFmpeg returns an Opener backed by the ffmpeg and ffprobe binaries.
func NewFFmpeg(cfg FFmpegConfig, logger *zap.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	return &FFmpeg{
		ffmpeg:    cfg.FFmpegPath,
		ffprobe:   cfg.FFprobePath,
		maxFrames: cfg.MaxFrames,
		logger:    logger,
	}
}

// Open probes path and starts decoding. Failures are wrapped in ErrVideoOpen.
// The returned Source must be closed.
func (f *FFmpeg) Open(ctx context.Context, path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVideoOpen, err)
	}

	info, err := probe(ctx, f.ffprobe, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVideoOpen, err)
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(decodeCtx, f.ffmpeg,
		"-v", "error",
		"-nostdin",
		"-i", path,
		"-map", "0:v:0",
		"-frames:v", strconv.Itoa(f.maxFrames),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: ffmpeg stdout: %v", ErrVideoOpen, err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrVideoOpen, err)
	}

	f.logger.Debug("video decode started",
		zap.String("path", path),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float64("fps", info.FPS),
		zap.Int("rotation", info.Rotation),
	)

	return &ffmpegSource{
		info:      info,
		maxFrames: f.maxFrames,
		cmd:       cmd,
		cancel:    cancel,
		reader:    bufio.NewReaderSize(stdout, info.Width*info.Height*4),
		stderr:    stderr,
		logger:    f.logger,
	}, nil
}

type ffmpegSource struct {
	info      Info
	maxFrames int
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	reader    *bufio.Reader
	stderr    *bytes.Buffer
	logger    *zap.Logger

	decoded   int
	done      bool
	closeOnce sync.Once
	waitErr   error
}

func (s *ffmpegSource) Info() Info { return s.info }

func (s *ffmpegSource) Next() (Frame, error) {
	if s.done || s.decoded >= s.maxFrames {
		s.done = true
		return Frame{}, io.EOF
	}

	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	_, err := io.ReadFull(s.reader, img.Pix)
	if err == nil {
		f := Frame{Index: uint32(s.decoded), Image: img}
		s.decoded++
		return f, nil
	}

	s.done = true
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Frame{}, fmt.Errorf("read frame %d: %w", s.decoded, err)
	}

	waitErr := s.wait()
	if s.decoded == 0 {
		if waitErr != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrVideoOpen, waitErr)
		}
		return Frame{}, fmt.Errorf("%w: %w", ErrVideoOpen, ErrNoFrames)
	}
	if waitErr != nil {
		// Frames decoded before a mid-stream error are still usable.
		s.logger.Warn("video decode ended early",
			zap.Int("frames", s.decoded),
			zap.Error(waitErr),
		)
	}
	return Frame{}, io.EOF
}

func (s *ffmpegSource) Close() error {
	s.done = true
	s.cancel()
	s.wait()
	return nil
}

func (s *ffmpegSource) wait() error {
	s.closeOnce.Do(func() {
		// Drain so a blocked writer can exit before Wait.
		_, _ = io.Copy(io.Discard, s.reader)
		if err := s.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(s.stderr.String())
			if msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			s.waitErr = err
		}
	})
	return s.waitErr
}
