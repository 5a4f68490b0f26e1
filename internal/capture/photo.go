package capture

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

const defaultJPEGQuality = 90

// WritePhoto stores img at path as a JPEG, downscaling to maxWidth when the
// frame is wider (0 keeps the original size). The file is fsynced and
// renamed into place so a crash never leaves a truncated capture behind.
func WritePhoto(img image.Image, path string, maxWidth, quality int) (int64, error) {
	if img == nil {
		return 0, errors.New("nil image")
	}
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	src := downscale(img, maxWidth)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create capture dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := imaging.Encode(tmp, src, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("encode jpeg: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync capture: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("stat capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close capture: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("move capture into place: %w", err)
	}
	return info.Size(), nil
}

func downscale(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return src
	}
	newHeight := int(float64(b.Dy()) * float64(maxWidth) / float64(b.Dx()))
	if newHeight == 0 {
		newHeight = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
