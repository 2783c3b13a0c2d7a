package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"webcinema/internal/profile"
)

// parseCapabilities builds client capabilities from query parameters,
// falling back to the browser baseline for anything unspecified.
//
//	containers=mp4,webm       supported containers
//	video=h264,vp9            supported video codecs
//	audio=aac,opus            supported audio codecs
//	maxWidth / maxHeight      resolution caps in pixels
//	maxBitrate                bitrate cap in bits per second
//	accel=off                 forbid hardware acceleration
func parseCapabilities(r *http.Request) (profile.ClientCapabilities, error) {
	caps := profile.DefaultCapabilities()
	q := r.URL.Query()

	if v := q.Get("containers"); v != "" {
		caps.Containers = splitList(v)
	}
	if v := q.Get("video"); v != "" {
		caps.VideoCodecs = splitList(v)
	}
	if v := q.Get("audio"); v != "" {
		caps.AudioCodecs = splitList(v)
	}
	if v := q.Get("maxWidth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return caps, err
		}
		caps.MaxWidth = n
	}
	if v := q.Get("maxHeight"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return caps, err
		}
		caps.MaxHeight = n
	}
	if v := q.Get("maxBitrate"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return caps, err
		}
		caps.MaxBitrate = n
	}
	if v := q.Get("accel"); v == "off" || v == "false" {
		caps.AccelerationAllowed = false
	}

	err := caps.Validate()
	return caps, err
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
