package profile

import (
	"fmt"
	"strings"
)

// Recognized capability tokens. Anything outside these sets is rejected so
// resolver decisions stay total and testable.
var (
	knownContainers = map[string]bool{
		"mp4":  true,
		"webm": true,
		"ogg":  true,
	}

	knownVideoCodecs = map[string]bool{
		"h264": true,
		"hevc": true,
		"vp8":  true,
		"vp9":  true,
		"av1":  true,
	}

	knownAudioCodecs = map[string]bool{
		"aac":    true,
		"mp3":    true,
		"opus":   true,
		"vorbis": true,
		"flac":   true,
	}
)

// ClientCapabilities declares what a client can play back natively.
type ClientCapabilities struct {
	Containers  []string `json:"containers"`
	VideoCodecs []string `json:"videoCodecs"`
	AudioCodecs []string `json:"audioCodecs"`

	MaxWidth   int   `json:"maxWidth"`   // 0 = unconstrained
	MaxHeight  int   `json:"maxHeight"`  // 0 = unconstrained
	MaxBitrate int64 `json:"maxBitrate"` // bits/sec, 0 = unconstrained

	AccelerationAllowed bool `json:"accelerationAllowed"`
}

// DefaultCapabilities returns the baseline capability set of current browsers.
func DefaultCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Containers:          []string{"mp4", "webm", "ogg"},
		VideoCodecs:         []string{"h264", "vp8", "vp9", "av1"},
		AudioCodecs:         []string{"aac", "mp3", "opus", "vorbis"},
		AccelerationAllowed: true,
	}
}

// Validate normalizes the capability set and rejects unrecognized tokens or
// nonsensical constraints.
func (c *ClientCapabilities) Validate() error {
	for i, v := range c.Containers {
		v = strings.ToLower(strings.TrimSpace(v))
		if !knownContainers[v] {
			return fmt.Errorf("unrecognized container %q", c.Containers[i])
		}
		c.Containers[i] = v
	}
	for i, v := range c.VideoCodecs {
		v = strings.ToLower(strings.TrimSpace(v))
		if !knownVideoCodecs[v] {
			return fmt.Errorf("unrecognized video codec %q", c.VideoCodecs[i])
		}
		c.VideoCodecs[i] = v
	}
	for i, v := range c.AudioCodecs {
		v = strings.ToLower(strings.TrimSpace(v))
		if !knownAudioCodecs[v] {
			return fmt.Errorf("unrecognized audio codec %q", c.AudioCodecs[i])
		}
		c.AudioCodecs[i] = v
	}
	if c.MaxWidth < 0 || c.MaxHeight < 0 || c.MaxBitrate < 0 {
		return fmt.Errorf("capability constraints must be non-negative")
	}
	return nil
}

func (c *ClientCapabilities) supportsContainer(name string) bool {
	return contains(c.Containers, name)
}

func (c *ClientCapabilities) supportsVideo(codec string) bool {
	return contains(c.VideoCodecs, codec)
}

func (c *ClientCapabilities) supportsAudio(codec string) bool {
	return contains(c.AudioCodecs, codec)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
