package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode() error: %v", err)
	}
	return path
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"/m/photo.JPG", KindImage},
		{"/m/pic.webp", KindImage},
		{"/m/scan.tiff", KindImage},
		{"/m/movie.mkv", KindVideo},
		{"/m/clip.MP4", KindVideo},
		{"/m/notes.txt", KindOther},
		{"/m/track.flac", KindOther},
	}
	for _, tt := range tests {
		if got := KindOf(tt.path); got != tt.want {
			t.Errorf("KindOf(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestImageThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, "big.png", 1600, 1200)
	tn := NewThumbnailer(filepath.Join(dir, "cache"))

	data, err := tn.Thumbnail(src)
	if err != nil {
		t.Fatalf("Thumbnail() error: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > thumbWidth || b.Dy() > thumbHeight {
		t.Errorf("thumbnail %dx%d exceeds %dx%d", b.Dx(), b.Dy(), thumbWidth, thumbHeight)
	}
}

func TestThumbnailCached(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, "pic.png", 640, 480)
	cacheDir := filepath.Join(dir, "cache")
	tn := NewThumbnailer(cacheDir)

	first, err := tn.Thumbnail(src)
	if err != nil {
		t.Fatalf("Thumbnail() error: %v", err)
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("cache holds %d files, want 1", len(entries))
	}

	second, err := tn.Thumbnail(src)
	if err != nil {
		t.Fatalf("second Thumbnail() error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("cache hit returned different bytes")
	}
}

func TestThumbnailInvalidatedByMtime(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, "pic.png", 640, 480)
	cacheDir := filepath.Join(dir, "cache")
	tn := NewThumbnailer(cacheDir)

	if _, err := tn.Thumbnail(src); err != nil {
		t.Fatalf("Thumbnail() error: %v", err)
	}

	// Touching the source must route around the old cache entry.
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(src, later, later); err != nil {
		t.Fatalf("Chtimes() error: %v", err)
	}
	if _, err := tn.Thumbnail(src); err != nil {
		t.Fatalf("Thumbnail() after touch error: %v", err)
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("cache holds %d files after mtime change, want 2", len(entries))
	}
}

func TestVideoThumbnailUsesFrameGrab(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "movie.mp4")
	if err := os.WriteFile(src, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	tn := NewThumbnailer(filepath.Join(dir, "cache"))
	tn.grabFrame = func(path string) (image.Image, error) {
		return image.NewRGBA(image.Rect(0, 0, 1280, 720)), nil
	}

	data, err := tn.Thumbnail(src)
	if err != nil {
		t.Fatalf("Thumbnail() error: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("poster frame output is not a JPEG: %v", err)
	}
}

func TestThumbnailRejectsUnsupported(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(src, []byte("text"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	tn := NewThumbnailer(filepath.Join(dir, "cache"))
	if _, err := tn.Thumbnail(src); err == nil {
		t.Error("expected an error for a non-media file")
	}
}

func TestThumbnailMissingSource(t *testing.T) {
	tn := NewThumbnailer(t.TempDir())
	if _, err := tn.Thumbnail("/nonexistent/pic.png"); err == nil {
		t.Error("expected an error for a missing source")
	}
}
