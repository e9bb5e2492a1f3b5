// Package camera defines the capture interface the host loop streams
// frames from. Real cameras are external collaborators behind the Camera
// interface; the package ships a test-pattern implementation for dummy
// runs and tests.
package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
)

// jpegQuality matches the quality the observation stream was tuned for.
const jpegQuality = 90

// Frame is one captured JPEG image stamped with the control tick it
// belongs to.
type Frame struct {
	Name string
	Tick uint64
	JPEG []byte
}

// Camera produces frames with timestamps compatible with the tick counter.
type Camera interface {
	Name() string
	Capture(ctx context.Context, tick uint64) (*Frame, error)
	Close() error
}

// TestPattern is a simulated camera producing a small moving gradient, so
// a dummy-mode stream carries real JPEG payloads of realistic shape.
type TestPattern struct {
	name   string
	w, h   int
	closed bool
}

// NewTestPattern creates a simulated camera with the given frame size.
func NewTestPattern(name string, w, h int) *TestPattern {
	if w <= 0 {
		w = 320
	}
	if h <= 0 {
		h = 240
	}
	return &TestPattern{name: name, w: w, h: h}
}

func (c *TestPattern) Name() string { return c.name }

func (c *TestPattern) Capture(ctx context.Context, tick uint64) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, c.w, c.h))
	shift := uint8(tick)
	for y := 0; y < c.h; y++ {
		for x := 0; x < c.w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x) + shift,
				G: uint8(y),
				B: shift,
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return &Frame{Name: c.name, Tick: tick, JPEG: buf.Bytes()}, nil
}

func (c *TestPattern) Close() error {
	c.closed = true
	return nil
}
