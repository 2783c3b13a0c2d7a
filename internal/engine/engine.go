package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"webcinema/internal/logging"
	"webcinema/internal/metrics"
	"webcinema/internal/probe"
	"webcinema/internal/profile"
)

// ErrTranscodeFailed wraps any non-recoverable encoder failure.
var ErrTranscodeFailed = errors.New("transcode failed")

// Failure reason codes carried inside ErrTranscodeFailed wrappers.
const (
	ReasonEncoderExit = "encoder-exit"
	ReasonSinkWrite   = "sink-write"
	ReasonSpawn       = "spawn"
)

// Sink receives encoded bytes as ffmpeg produces them. BytesWritten gates
// the hardware-to-software fallback: once any byte has reached the sink the
// output prefix is committed and a restart would corrupt it.
type Sink interface {
	io.Writer
	BytesWritten() int64
}

// Result summarizes a completed transcode run.
type Result struct {
	Backend      string
	Encoder      string
	FellBack     bool
	BytesWritten int64
}

// Engine shells out to ffmpeg and streams fragmented mp4 to a sink. One
// Engine is shared process-wide; hardware capability is probed once.
type Engine struct {
	ffmpegPath string
	device     int

	capOnce sync.Once
	cap     Capability

	// exec runs ffmpeg with the given args and returns combined output.
	// invoke spawns ffmpeg and copies stdout into the sink. Both are
	// replaceable in tests.
	exec   func(ctx context.Context, args ...string) ([]byte, error)
	invoke func(ctx context.Context, args []string, sink Sink) error
}

// New returns an engine using the ffmpeg binary on PATH.
func New(device int) *Engine {
	e := &Engine{ffmpegPath: "ffmpeg", device: device}
	e.exec = e.runCombined
	e.invoke = e.runStreaming
	return e
}

// NewWithInvoker returns a software-only engine that delegates process
// execution to invoke, used in tests.
func NewWithInvoker(invoke func(ctx context.Context, args []string, sink Sink) error) *Engine {
	e := &Engine{ffmpegPath: "ffmpeg"}
	e.exec = e.runCombined
	e.invoke = invoke
	e.capOnce.Do(func() { e.cap = SoftwareCapability() })
	return e
}

// Capability returns the detected encoder backend, probing on first use.
func (e *Engine) Capability(ctx context.Context) Capability {
	e.capOnce.Do(func() {
		e.cap = e.detect(ctx)
	})
	return e.cap
}

// Run transcodes desc according to prof, streaming the artifact into sink.
//
// With acceleration auto or hardware, a verified hardware encoder is tried
// first. A hardware failure before any byte reaches the sink falls back to
// software transparently; after bytes are written the artifact prefix is
// already visible to readers, so the failure is terminal.
func (e *Engine) Run(ctx context.Context, desc *probe.SourceDescriptor, prof profile.DeliveryProfile, sink Sink) (Result, error) {
	cap := SoftwareCapability()
	if prof.Acceleration != profile.AccelSoftware {
		cap = e.Capability(ctx)
	}

	triedHardware := false
	if cap.Hardware {
		triedHardware = true
		metrics.EngineRunsTotal.WithLabelValues("hardware", "started").Inc()
		err := e.invoke(ctx, buildArgs(desc, prof, cap), sink)
		if err == nil {
			metrics.EngineRunsTotal.WithLabelValues("hardware", "ok").Inc()
			return Result{Backend: "hardware", Encoder: cap.Encoder, BytesWritten: sink.BytesWritten()}, nil
		}
		if ctx.Err() != nil {
			metrics.EngineRunsTotal.WithLabelValues("hardware", "canceled").Inc()
			return Result{}, ctx.Err()
		}
		if sink.BytesWritten() > 0 {
			metrics.EngineRunsTotal.WithLabelValues("hardware", "error").Inc()
			return Result{}, fmt.Errorf("%w (%s): hardware encoder died after %d bytes: %v",
				ErrTranscodeFailed, ReasonEncoderExit, sink.BytesWritten(), err)
		}
		metrics.EngineRunsTotal.WithLabelValues("hardware", "error").Inc()
		metrics.HardwareFallbacksTotal.Inc()
		logging.Warn("Hardware encode failed before output, falling back to software: %v", err)
		cap = SoftwareCapability()
	}

	metrics.EngineRunsTotal.WithLabelValues("software", "started").Inc()
	err := e.invoke(ctx, buildArgs(desc, prof, cap), sink)
	if err != nil {
		if ctx.Err() != nil {
			metrics.EngineRunsTotal.WithLabelValues("software", "canceled").Inc()
			return Result{}, ctx.Err()
		}
		metrics.EngineRunsTotal.WithLabelValues("software", "error").Inc()
		return Result{}, fmt.Errorf("%w (%s): %v", ErrTranscodeFailed, ReasonEncoderExit, err)
	}

	metrics.EngineRunsTotal.WithLabelValues("software", "ok").Inc()
	return Result{Backend: "software", Encoder: cap.Encoder, FellBack: triedHardware, BytesWritten: sink.BytesWritten()}, nil
}

// buildArgs assembles the ffmpeg command line for one run. Output goes to
// stdout as fragmented mp4 so readers can consume the artifact while it is
// still growing.
func buildArgs(desc *probe.SourceDescriptor, prof profile.DeliveryProfile, cap Capability) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	switch cap.HWAccel {
	case "qsv":
		args = append(args, "-hwaccel", "qsv")
	case "cuda":
		args = append(args, "-hwaccel", "cuda", "-hwaccel_device", strconv.Itoa(cap.Device))
	}

	args = append(args, "-i", desc.Path)

	if desc.VideoCodec == "" {
		args = append(args, "-vn")
	} else {
		args = append(args, videoArgs(prof, cap)...)
	}

	if desc.AudioCodec == "" {
		args = append(args, "-an")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-ac", "2")
	}

	// Fragmented mp4 because stdout is not seekable; the moov atom cannot
	// be rewritten after the fact.
	args = append(args,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4", "-",
	)
	return args
}

func videoArgs(prof profile.DeliveryProfile, cap Capability) []string {
	args := []string{"-c:v", cap.Encoder}

	switch cap.Encoder {
	case "h264_qsv":
		args = append(args, "-preset", "veryfast")
	case "h264_amf":
		args = append(args, "-quality", "speed")
	case "h264_nvenc":
		args = append(args, "-preset", "p4")
	default:
		args = append(args, "-preset", "veryfast", "-crf", "23")
	}

	if prof.BitrateCeiling > 0 {
		b := strconv.FormatInt(prof.BitrateCeiling, 10)
		if cap.Hardware {
			args = append(args, "-b:v", b)
		}
		args = append(args, "-maxrate", b, "-bufsize", strconv.FormatInt(2*prof.BitrateCeiling, 10))
	}

	if prof.Width > 0 && prof.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", prof.Width, prof.Height))
	}

	args = append(args, "-pix_fmt", "yuv420p")
	return args
}

// runCombined executes ffmpeg and returns its combined output, for
// detection and verification probes.
func (e *Engine) runCombined(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", e.ffmpegPath, strings.Join(args, " "), err)
	}
	return out, nil
}

// runStreaming spawns ffmpeg and copies stdout into the sink until the
// process exits or the context is canceled. The process is always reaped.
func (e *Engine) runStreaming(ctx context.Context, args []string, sink Sink) error {
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: stdout pipe: %v", ReasonSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: %v", ReasonSpawn, err)
	}

	logging.Debug("ffmpeg started: %s", strings.Join(args, " "))
	_, copyErr := io.Copy(sink, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg: %v: %s", waitErr, stderrTail(&stderr))
	}
	if copyErr != nil {
		return fmt.Errorf("%s: %v", ReasonSinkWrite, copyErr)
	}
	return nil
}

// stderrTail keeps error messages bounded; ffmpeg can be chatty even at
// loglevel error.
func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if len(s) > 512 {
		s = "..." + s[len(s)-512:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
