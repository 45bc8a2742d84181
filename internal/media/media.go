// Package media normalizes inbound images before they land in a group
// workspace: oversized pictures are scaled down and re-encoded so agent
// containers never chew through multi-megabyte originals.
package media

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// MaxDimension caps the longer image edge after normalization.
	MaxDimension = 2048
	// maxPassthroughBytes is the size under which images are kept as-is.
	maxPassthroughBytes = 512 * 1024
)

// IsImagePath reports whether the file extension names a supported image.
func IsImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// Normalize decodes, downsizes, and re-encodes an image. Small images pass
// through untouched. The returned extension is the one the caller should
// store the result under.
func Normalize(data []byte, origPath string) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(origPath))
	if len(data) <= maxPassthroughBytes {
		return data, ext, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image %s: %w", origPath, err)
	}

	b := img.Bounds()
	if b.Dx() > MaxDimension || b.Dy() > MaxDimension {
		img = imaging.Fit(img, MaxDimension, MaxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	// GIFs lose animation under re-encode, so anything non-PNG becomes JPEG.
	switch ext {
	case ".png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85))
		ext = ".jpg"
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode image %s: %w", origPath, err)
	}

	// Re-encoding tiny-but-dense images can grow them; keep the smaller.
	if buf.Len() >= len(data) {
		return data, strings.ToLower(filepath.Ext(origPath)), nil
	}
	return buf.Bytes(), ext, nil
}

// Thumbnail renders a small preview used in chat listings.
func Thumbnail(data []byte, size int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Thumbnail(img, size, size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Dimensions reports an image's pixel size without a full decode.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
