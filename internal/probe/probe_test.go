package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleJSON = `{
	"streams": [
		{"codec_name": "hevc", "codec_type": "video", "width": 1920, "height": 1080, "duration": "120.500000"},
		{"codec_name": "ac3", "codec_type": "audio"}
	],
	"format": {"format_name": "matroska,webm", "duration": "120.500000", "bit_rate": "4500000"}
}`

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mkv")
	if err := os.WriteFile(path, []byte("fake media payload"), 0o644); err != nil {
		t.Fatalf("Failed to write source file: %v", err)
	}
	return path
}

func TestProbeParsesDescriptor(t *testing.T) {
	path := writeSource(t)
	p := NewWithRunner(func(context.Context, string) ([]byte, error) {
		return []byte(sampleJSON), nil
	})

	desc, err := p.Probe(context.Background(), path)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}

	if desc.VideoCodec != "hevc" {
		t.Errorf("VideoCodec = %s, want hevc", desc.VideoCodec)
	}
	if desc.AudioCodec != "ac3" {
		t.Errorf("AudioCodec = %s, want ac3", desc.AudioCodec)
	}
	if desc.Container != "mkv" {
		t.Errorf("Container = %s, want mkv", desc.Container)
	}
	if desc.Width != 1920 || desc.Height != 1080 {
		t.Errorf("Resolution = %dx%d, want 1920x1080", desc.Width, desc.Height)
	}
	if desc.Duration != 120.5 {
		t.Errorf("Duration = %f, want 120.5", desc.Duration)
	}
	if desc.Bitrate != 4500000 {
		t.Errorf("Bitrate = %d, want 4500000", desc.Bitrate)
	}
	if desc.Streams != 2 {
		t.Errorf("Streams = %d, want 2", desc.Streams)
	}
}

func TestProbeCachesByIdentity(t *testing.T) {
	path := writeSource(t)

	calls := 0
	p := NewWithRunner(func(context.Context, string) ([]byte, error) {
		calls++
		return []byte(sampleJSON), nil
	})

	ctx := context.Background()
	first, err := p.Probe(ctx, path)
	if err != nil {
		t.Fatalf("first Probe() error: %v", err)
	}
	second, err := p.Probe(ctx, path)
	if err != nil {
		t.Fatalf("second Probe() error: %v", err)
	}

	if calls != 1 {
		t.Errorf("runner called %d times, want 1", calls)
	}
	if first != second {
		t.Error("expected identical descriptor pointer on cache hit")
	}
}

func TestProbeInvalidatesOnChange(t *testing.T) {
	path := writeSource(t)

	calls := 0
	p := NewWithRunner(func(context.Context, string) ([]byte, error) {
		calls++
		return []byte(sampleJSON), nil
	})

	ctx := context.Background()
	if _, err := p.Probe(ctx, path); err != nil {
		t.Fatalf("Probe() error: %v", err)
	}

	// Grow the file and shift its mtime: identity changed.
	if err := os.WriteFile(path, []byte("different and longer payload"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite source: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Failed to bump mtime: %v", err)
	}

	if _, err := p.Probe(ctx, path); err != nil {
		t.Fatalf("Probe() after change error: %v", err)
	}

	if calls != 2 {
		t.Errorf("runner called %d times, want 2 after identity change", calls)
	}
}

func TestProbeMissingFile(t *testing.T) {
	p := NewWithRunner(func(context.Context, string) ([]byte, error) {
		t.Fatal("runner should not be called for a missing file")
		return nil, nil
	})

	_, err := p.Probe(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"))
	if !errors.Is(err, ErrUnreadableSource) {
		t.Errorf("Probe() missing file = %v, want ErrUnreadableSource", err)
	}
}

func TestProbeDeletedAfterCache(t *testing.T) {
	path := writeSource(t)
	p := NewWithRunner(func(context.Context, string) ([]byte, error) {
		return []byte(sampleJSON), nil
	})

	ctx := context.Background()
	if _, err := p.Probe(ctx, path); err != nil {
		t.Fatalf("Probe() error: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove source: %v", err)
	}

	_, err := p.Probe(ctx, path)
	if !errors.Is(err, ErrUnreadableSource) {
		t.Errorf("Probe() deleted file = %v, want ErrUnreadableSource", err)
	}

	// The stale descriptor must be gone from the cache.
	p.mu.Lock()
	_, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		t.Error("cache should not retain a descriptor for a deleted file")
	}
}

func TestProbeRunnerError(t *testing.T) {
	path := writeSource(t)
	p := NewWithRunner(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("ffprobe exploded")
	})

	_, err := p.Probe(context.Background(), path)
	if !errors.Is(err, ErrUnreadableSource) {
		t.Errorf("Probe() runner failure = %v, want ErrUnreadableSource", err)
	}
}

func TestProbeUnparseableOutput(t *testing.T) {
	path := writeSource(t)
	p := NewWithRunner(func(context.Context, string) ([]byte, error) {
		return []byte("not json"), nil
	})

	_, err := p.Probe(context.Background(), path)
	if !errors.Is(err, ErrUnreadableSource) {
		t.Errorf("Probe() bad output = %v, want ErrUnreadableSource", err)
	}
}

func TestParseNoStreams(t *testing.T) {
	if _, err := parse([]byte(`{"streams": [], "format": {}}`)); err == nil {
		t.Error("parse() should reject output without streams")
	}
}

func TestNormalizeContainer(t *testing.T) {
	tests := []struct {
		formatName string
		want       string
	}{
		{"mov,mp4,m4a,3gp,3g2,mj2", "mp4"},
		{"matroska,webm", "mkv"},
		{"avi", "avi"},
		{"flv", "flv"},
		{"mpegts", "mpegts"},
	}

	for _, tt := range tests {
		t.Run(tt.formatName, func(t *testing.T) {
			if got := normalizeContainer(tt.formatName); got != tt.want {
				t.Errorf("normalizeContainer(%q) = %q, want %q", tt.formatName, got, tt.want)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	now := time.Now()
	a := &SourceDescriptor{Path: "/m/a.mp4", Size: 100, ModTime: now}
	b := &SourceDescriptor{Path: "/m/a.mp4", Size: 100, ModTime: now}
	c := &SourceDescriptor{Path: "/m/a.mp4", Size: 101, ModTime: now}

	if a.Identity() != b.Identity() {
		t.Error("identical descriptors should share an identity")
	}
	if a.Identity() == c.Identity() {
		t.Error("size change should change identity")
	}
}
