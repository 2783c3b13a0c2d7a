package profile

import (
	"errors"
	"fmt"

	"webcinema/internal/config"
	"webcinema/internal/logging"
	"webcinema/internal/probe"
)

// ErrUnsupportedMedia indicates no delivery profile can make the source
// playable for the declared client capabilities.
var ErrUnsupportedMedia = errors.New("unsupported media")

// AccelMode selects the encoder backend for a delivery profile.
type AccelMode string

const (
	AccelAuto     AccelMode = "auto"
	AccelHardware AccelMode = "hardware"
	AccelSoftware AccelMode = "software"
)

// DeliveryProfile is the concrete target chosen for one request. It is an
// immutable value: identical inputs always resolve to an identical profile.
type DeliveryProfile struct {
	Passthrough bool `json:"passthrough"`

	Container  string `json:"container"`
	VideoCodec string `json:"videoCodec"`
	AudioCodec string `json:"audioCodec"`

	Width          int       `json:"width"`  // 0 = keep source
	Height         int       `json:"height"` // 0 = keep source
	BitrateCeiling int64     `json:"bitrateCeiling"`
	Acceleration   AccelMode `json:"acceleration"`
}

// Resolver maps (source descriptor, client capabilities) to a delivery
// profile under the configured policy knobs.
type Resolver struct {
	defaultAccel AccelMode
	// tolerance is the fractional bitrate overage still eligible for
	// passthrough (policy knob, see config.BitrateTolerance).
	tolerance float64
	ceilings  config.BitrateCeilings
}

// NewResolver builds a Resolver from configuration.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		defaultAccel: AccelMode(cfg.AccelerationMode),
		tolerance:    cfg.BitrateTolerance,
		ceilings:     cfg.BitrateCeilings,
	}
}

// Resolve picks the delivery profile for one request. The passthrough fast
// path is checked first; only when the client cannot play the source as-is is
// a transcode target selected.
func (r *Resolver) Resolve(desc *probe.SourceDescriptor, caps ClientCapabilities) (DeliveryProfile, error) {
	if err := caps.Validate(); err != nil {
		return DeliveryProfile{}, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}

	if r.passthroughEligible(desc, caps) {
		return DeliveryProfile{
			Passthrough: true,
			Container:   desc.Container,
			VideoCodec:  desc.VideoCodec,
			AudioCodec:  desc.AudioCodec,
		}, nil
	}

	// Everything transcodes to fragmented mp4/h264/aac; a client that cannot
	// play that has no viable profile.
	if !caps.supportsContainer("mp4") || (desc.VideoCodec != "" && !caps.supportsVideo("h264")) {
		return DeliveryProfile{}, fmt.Errorf("%w: client accepts neither source format nor mp4/h264", ErrUnsupportedMedia)
	}
	if desc.VideoCodec == "" && desc.AudioCodec == "" {
		return DeliveryProfile{}, fmt.Errorf("%w: no decodable streams", ErrUnsupportedMedia)
	}

	width, height := fitResolution(desc.Width, desc.Height, caps.MaxWidth, caps.MaxHeight)

	ceiling := r.ceilings.CeilingFor(pickHeight(height, desc.Height))
	if caps.MaxBitrate > 0 && caps.MaxBitrate < ceiling {
		ceiling = caps.MaxBitrate
	}
	// Never inflate past the source bitrate.
	if desc.Bitrate > 0 && desc.Bitrate < ceiling {
		ceiling = desc.Bitrate
	}

	accel := r.defaultAccel
	if !caps.AccelerationAllowed {
		accel = AccelSoftware
	}

	prof := DeliveryProfile{
		Container:      "mp4",
		VideoCodec:     "h264",
		AudioCodec:     "aac",
		Width:          width,
		Height:         height,
		BitrateCeiling: ceiling,
		Acceleration:   accel,
	}
	logging.Debug("Resolved %s -> %s/%s %dx%d ceiling=%d accel=%s",
		desc.Path, prof.Container, prof.VideoCodec, prof.Width, prof.Height, prof.BitrateCeiling, prof.Acceleration)
	return prof, nil
}

// passthroughEligible reports whether the client can play the source bytes
// unmodified.
func (r *Resolver) passthroughEligible(desc *probe.SourceDescriptor, caps ClientCapabilities) bool {
	if !caps.supportsContainer(desc.Container) {
		return false
	}
	if desc.VideoCodec != "" && !caps.supportsVideo(desc.VideoCodec) {
		return false
	}
	if desc.AudioCodec != "" && !caps.supportsAudio(desc.AudioCodec) {
		return false
	}
	if caps.MaxWidth > 0 && desc.Width > caps.MaxWidth {
		return false
	}
	if caps.MaxHeight > 0 && desc.Height > caps.MaxHeight {
		return false
	}
	if caps.MaxBitrate > 0 && desc.Bitrate > 0 {
		allowed := float64(caps.MaxBitrate) * (1 + r.tolerance)
		if float64(desc.Bitrate) > allowed {
			return false
		}
	}
	return true
}

// fitResolution shrinks the source dimensions into the client's bounds,
// preserving aspect ratio and never upscaling. Returns 0,0 when no scaling
// is needed. Dimensions are forced even for yuv420p output.
func fitResolution(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW == 0 || srcH == 0 {
		return 0, 0
	}
	if (maxW == 0 || srcW <= maxW) && (maxH == 0 || srcH <= maxH) {
		return 0, 0
	}

	scale := 1.0
	if maxW > 0 && srcW > maxW {
		scale = float64(maxW) / float64(srcW)
	}
	if maxH > 0 && srcH > maxH {
		if s := float64(maxH) / float64(srcH); s < scale {
			scale = s
		}
	}

	w := int(float64(srcW)*scale) &^ 1
	h := int(float64(srcH)*scale) &^ 1
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}

func pickHeight(target, source int) int {
	if target > 0 {
		return target
	}
	return source
}
