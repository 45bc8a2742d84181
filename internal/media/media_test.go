package media

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x ^ y), 255})
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestIsImagePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"photo.jpg", true},
		{"photo.JPEG", true},
		{"sticker.webp", true},
		{"doc.pdf", false},
		{"voice.ogg", false},
	}
	for _, tt := range tests {
		if got := IsImagePath(tt.path); got != tt.want {
			t.Errorf("IsImagePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestNormalizeSmallImagePassesThrough(t *testing.T) {
	data := encodePNG(t, 64, 64)
	out, ext, err := Normalize(data, "pic.png")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("small image was re-encoded")
	}
	if ext != ".png" {
		t.Fatalf("ext = %q, want .png", ext)
	}
}

func TestDimensions(t *testing.T) {
	data := encodePNG(t, 120, 80)
	w, h, err := Dimensions(data)
	if err != nil {
		t.Fatalf("dimensions: %v", err)
	}
	if w != 120 || h != 80 {
		t.Fatalf("dimensions = %dx%d, want 120x80", w, h)
	}
}

func TestThumbnailFitsRequestedSize(t *testing.T) {
	data := encodePNG(t, 200, 100)
	thumb, err := Thumbnail(data, 32)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	w, h, err := Dimensions(thumb)
	if err != nil {
		t.Fatalf("dimensions: %v", err)
	}
	if w != 32 || h != 32 {
		t.Fatalf("thumbnail = %dx%d, want 32x32", w, h)
	}
}
