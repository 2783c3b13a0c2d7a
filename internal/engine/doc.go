// Package engine adapts ffmpeg as the transcode backend.
//
// The engine probes once for a working hardware encoder (Intel QSV, AMD AMF
// or NVIDIA NVENC, in that order) by parsing `ffmpeg -encoders` and running a
// short test encode. Runs stream fragmented mp4 from ffmpeg's stdout into a
// caller-provided sink; a hardware failure that produced no output falls back
// to software transparently.
package engine
