package engine

import (
	"context"
	"strings"

	"webcinema/internal/logging"
)

// Capability describes the encoder backend available to the engine, either a
// verified hardware encoder or the software fallback.
type Capability struct {
	Hardware bool
	Encoder  string // ffmpeg encoder name, e.g. "h264_qsv" or "libx264"
	HWAccel  string // input acceleration method: "qsv", "cuda", "" (none)
	Device   int    // GPU device index, cuda only
}

// Backend returns the observability label for this capability.
func (c Capability) Backend() string {
	if c.Hardware {
		return "hardware"
	}
	return "software"
}

// SoftwareCapability is the always-available CPU encoder.
func SoftwareCapability() Capability {
	return Capability{Encoder: "libx264"}
}

// hwEncoders in probe order. Intel QSV is preferred, then AMD AMF, then
// NVIDIA NVENC; the first encoder that both appears in `ffmpeg -encoders`
// and survives a test encode wins.
var hwEncoders = []struct {
	encoder string
	hwaccel string
}{
	{"h264_qsv", "qsv"},
	{"h264_amf", ""},
	{"h264_nvenc", "cuda"},
}

// detect probes ffmpeg for a usable hardware encoder. Detection failures are
// never fatal; the engine degrades to software.
func (e *Engine) detect(ctx context.Context) Capability {
	out, err := e.exec(ctx, "-hide_banner", "-encoders")
	if err != nil {
		logging.Warn("Hardware detection failed, using software encoder: %v", err)
		return SoftwareCapability()
	}

	listing := string(out)
	for _, hw := range hwEncoders {
		if !strings.Contains(listing, hw.encoder) {
			continue
		}
		cap := Capability{Hardware: true, Encoder: hw.encoder, HWAccel: hw.hwaccel, Device: e.device}
		if e.verify(ctx, cap) {
			logging.Info("Hardware encoder available: %s", hw.encoder)
			return cap
		}
		logging.Debug("Encoder %s listed but failed verification", hw.encoder)
	}

	logging.Info("No usable hardware encoder, using libx264")
	return SoftwareCapability()
}

// verify runs a one-frame test encode to prove the encoder actually works on
// this machine, not just that the ffmpeg build includes it.
func (e *Engine) verify(ctx context.Context, cap Capability) bool {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if cap.HWAccel == "qsv" {
		args = append(args, "-hwaccel", "qsv")
	}
	args = append(args,
		"-f", "lavfi",
		"-i", "testsrc=s=320x240:d=1",
		"-c:v", cap.Encoder,
		"-t", "0.1",
		"-f", "null", "-",
	)

	_, err := e.exec(ctx, args...)
	return err == nil
}
