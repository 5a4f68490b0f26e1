// Package capture grabs still frames from the inspection camera and writes
// them to local storage as JPEG files.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// Camera produces one still frame per call.
type Camera interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

// ErrNoFrame is returned when the camera has not produced a frame yet.
var ErrNoFrame = errors.New("no frame available")

// FrameFileCamera reads the latest frame that an external grabber keeps
// overwriting at a fixed path (v4l2 or libcamera tooling writing to tmpfs).
type FrameFileCamera struct {
	path string
}

// OpenFrameFile fails when the frame source does not exist, which the agent
// treats as camera unavailable.
func OpenFrameFile(path string) (*FrameFileCamera, error) {
	if path == "" {
		return nil, errors.New("camera source not configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open camera %s: is a directory", path)
	}
	return &FrameFileCamera{path: path}, nil
}

// Capture decodes the current frame.
func (c *FrameFileCamera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := imaging.Open(c.path, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrNoFrame
	}
	return img, nil
}

// Close is a no-op; the frame file belongs to the grabber writing it.
func (c *FrameFileCamera) Close() error { return nil }
