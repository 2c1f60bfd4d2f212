// Package video decodes a local video file into an ordered, finite stream of RGBA
// frames.
package video

import (
	"context"
	"errors"
	"image"
)

// DefaultMaxFrames bounds decode time on long clips.
const DefaultMaxFrames = 300

var (
	// ErrVideoOpen wraps every failure to open or probe a file, including a file
	// that decodes to zero frames.
	ErrVideoOpen = errors.New("video open failed")
	ErrNoFrames  = errors.New("no readable frames")
)

// Frame is one decoded picture. Index counts frames from zero in decode order.
type Frame struct {
	Index uint32
	Image *image.RGBA
}

// Info describes the decoded stream.
type Info struct {
	Width    int
	Height   int
	FPS      float64
	Duration float64
	// Rotation is the display rotation in degrees applied during decode.
	Rotation int
}

// Source yields frames in decode order. Next returns io.EOF once the stream is
// exhausted or the frame cap is reached. No seeking or reordering is possible.
type Source interface {
	Info() Info
	Next() (Frame, error)
	Close() error
}

// Opener opens a Source over a local file.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}
