package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"webcinema/internal/filesystem"
	"webcinema/internal/logging"
	"webcinema/internal/metrics"
)

// ErrUnreadableSource indicates the source file is missing or its metadata
// cannot be read or parsed. Requests failing with this error are not retried.
var ErrUnreadableSource = errors.New("unreadable source")

// SourceDescriptor describes a probed media file. It is immutable once
// returned; a change in the file's size or mtime invalidates it.
type SourceDescriptor struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`

	Container  string  `json:"container"`
	Duration   float64 `json:"duration"`
	VideoCodec string  `json:"videoCodec"`
	AudioCodec string  `json:"audioCodec"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Bitrate    int64   `json:"bitrate"`
	Streams    int     `json:"streams"`
}

// Identity returns the stable identity string used for cache keying.
func (d *SourceDescriptor) Identity() string {
	return fmt.Sprintf("%s|%d|%d", d.Path, d.Size, d.ModTime.UnixNano())
}

// Runner executes a metadata probe against a file and returns raw JSON.
type Runner func(ctx context.Context, path string) ([]byte, error)

// Prober inspects source files and caches descriptors process-wide, keyed by
// (path, size, mtime).
type Prober struct {
	runner Runner

	mu    sync.Mutex
	cache map[string]*SourceDescriptor
}

// New creates a Prober backed by the ffprobe binary on PATH.
func New() *Prober {
	return &Prober{
		runner: ffprobeRunner,
		cache:  make(map[string]*SourceDescriptor),
	}
}

// NewWithRunner creates a Prober with a custom probe runner, used in tests.
func NewWithRunner(r Runner) *Prober {
	return &Prober{
		runner: r,
		cache:  make(map[string]*SourceDescriptor),
	}
}

// Probe returns the descriptor for path, reusing the cached result while the
// file's size and mtime are unchanged.
func (p *Prober) Probe(ctx context.Context, path string) (*SourceDescriptor, error) {
	info, err := filesystem.Stat(path)
	if err != nil {
		p.Invalidate(path)
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreadableSource, path, err)
	}
	if info.IsDir() {
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnreadableSource, path)
	}

	p.mu.Lock()
	cached, ok := p.cache[path]
	p.mu.Unlock()

	if ok && cached.Size == info.Size() && cached.ModTime.Equal(info.ModTime()) {
		metrics.ProbesTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}

	start := time.Now()
	raw, err := p.runner(ctx, path)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: probe of %s: %v", ErrUnreadableSource, path, err)
	}

	desc, err := parse(raw)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableSource, path, err)
	}
	desc.Path = path
	desc.Size = info.Size()
	desc.ModTime = info.ModTime()

	p.mu.Lock()
	p.cache[path] = desc
	p.mu.Unlock()

	metrics.ProbesTotal.WithLabelValues("miss").Inc()
	logging.Debug("Probed %s: container=%s video=%s audio=%s %dx%d %.1fs",
		path, desc.Container, desc.VideoCodec, desc.AudioCodec, desc.Width, desc.Height, desc.Duration)
	return desc, nil
}

// Invalidate drops any cached descriptor for path.
func (p *Prober) Invalidate(path string) {
	p.mu.Lock()
	delete(p.cache, path)
	p.mu.Unlock()
}

// ffprobeOutput mirrors the JSON emitted by ffprobe -show_streams -show_format.
type ffprobeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

func parse(raw []byte) (*SourceDescriptor, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, errors.New("no media streams found")
	}

	desc := &SourceDescriptor{Streams: len(out.Streams)}

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			// First video stream wins; covers files with attached pictures.
			if desc.VideoCodec == "" {
				desc.VideoCodec = s.CodecName
				desc.Width = s.Width
				desc.Height = s.Height
				if dur, err := strconv.ParseFloat(s.Duration, 64); err == nil && dur > desc.Duration {
					desc.Duration = dur
				}
			}
		case "audio":
			if desc.AudioCodec == "" {
				desc.AudioCodec = s.CodecName
			}
		}
	}

	if desc.Duration == 0 {
		if dur, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
			desc.Duration = dur
		}
	}
	if br, err := strconv.ParseInt(out.Format.BitRate, 10, 64); err == nil {
		desc.Bitrate = br
	}

	// ffprobe reports demuxer aliases like "mov,mp4,m4a,3gp,3g2,mj2";
	// the first token names the family.
	desc.Container = normalizeContainer(out.Format.FormatName)
	return desc, nil
}

func normalizeContainer(formatName string) string {
	name := formatName
	if i := strings.IndexByte(name, ','); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "mov":
		return "mp4"
	case "matroska":
		return "mkv"
	}
	return name
}

// ffprobeRunner shells out to ffprobe for metadata only; it never decodes
// stream content.
func ffprobeRunner(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe: %w - %s", err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return out, nil
}
