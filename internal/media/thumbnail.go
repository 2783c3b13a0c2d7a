package media

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"webcinema/internal/filesystem"
	"webcinema/internal/logging"
	"webcinema/internal/metrics"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Thumbnail dimensions and JPEG quality for generated previews.
const (
	thumbWidth  = 320
	thumbHeight = 240
	jpegQuality = 80
)

// Kind classifies a source for thumbnailing purposes.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindOther Kind = "other"
)

// Thumbnailer produces JPEG previews for images and video poster frames,
// cached on disk keyed by source path and mtime so edits invalidate stale
// thumbnails.
type Thumbnailer struct {
	cacheDir string
	mu       sync.Mutex

	// grabFrame extracts a poster frame from a video, replaceable in tests.
	grabFrame func(path string) (image.Image, error)
}

// NewThumbnailer returns a thumbnailer caching under cacheDir.
func NewThumbnailer(cacheDir string) *Thumbnailer {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		logging.Warn("Failed to create thumbnail cache dir: %v", err)
	}
	t := &Thumbnailer{cacheDir: cacheDir}
	t.grabFrame = grabVideoFrame
	return t
}

// KindOf classifies path by extension.
func KindOf(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".tif":
		return KindImage
	case ".mp4", ".mkv", ".avi", ".mov", ".webm", ".m4v", ".mpeg", ".mpg", ".ts", ".flv", ".wmv":
		return KindVideo
	default:
		return KindOther
	}
}

// Thumbnail returns JPEG bytes for path, generating and caching on miss.
func (t *Thumbnailer) Thumbnail(path string) ([]byte, error) {
	info, err := filesystem.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source not accessible: %w", err)
	}

	kind := KindOf(path)
	if kind == KindOther {
		return nil, fmt.Errorf("no thumbnail for %s", filepath.Ext(path))
	}

	cachePath := t.cachePath(path, info.ModTime())
	if data, err := os.ReadFile(cachePath); err == nil {
		logging.Debug("Thumbnail cache hit: %s", path)
		return data, nil
	}

	// Serialize generation; a burst of requests for one directory would
	// otherwise fork a pile of ffmpeg processes.
	t.mu.Lock()
	defer t.mu.Unlock()

	if data, err := os.ReadFile(cachePath); err == nil {
		return data, nil
	}

	data, err := t.generate(path, kind)
	if err != nil {
		metrics.ThumbnailsTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}
	metrics.ThumbnailsTotal.WithLabelValues(string(kind), "ok").Inc()

	if err := os.WriteFile(cachePath, data, 0o644); err != nil {
		logging.Warn("Failed to cache thumbnail %s: %v", cachePath, err)
	}
	return data, nil
}

func (t *Thumbnailer) cachePath(path string, mtime time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d", path, mtime.UnixNano())))
	return filepath.Join(t.cacheDir, fmt.Sprintf("%x.jpg", sum))
}

func (t *Thumbnailer) generate(path string, kind Kind) ([]byte, error) {
	logging.Debug("Generating thumbnail: %s (%s)", path, kind)

	var img image.Image
	var err error
	switch kind {
	case KindImage:
		img, err = decodeImage(path)
	case KindVideo:
		img, err = t.grabFrame(path)
	}
	if err != nil {
		return nil, fmt.Errorf("thumbnail generation failed: %w", err)
	}

	thumb := imaging.Fit(img, thumbWidth, thumbHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	logging.Debug("imaging.Open failed for %s: %v, trying registered decoders", path, err)

	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, openErr
	}
	defer f.Close()

	img, format, decErr := image.Decode(f)
	if decErr != nil {
		return nil, fmt.Errorf("image decode failed: %w", decErr)
	}
	logging.Debug("Decoded %s as %s", path, format)
	return img, nil
}

// grabVideoFrame extracts a poster frame one second in; files shorter than
// that get the first frame instead.
func grabVideoFrame(path string) (image.Image, error) {
	frame, err := runFrameGrab(path, true)
	if err != nil {
		logging.Debug("Frame grab at 1s failed for %s: %v, retrying at start", path, err)
		frame, err = runFrameGrab(path, false)
	}
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode extracted frame: %w", err)
	}
	return img, nil
}

func runFrameGrab(path string, seek bool) ([]byte, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if seek {
		args = append(args, "-ss", "00:00:01")
	}
	args = append(args,
		"-i", path,
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	cmd := exec.Command("ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame grab: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame for %s", path)
	}
	return stdout.Bytes(), nil
}
