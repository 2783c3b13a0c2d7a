// Package memory provides heap-based admission control. When usage crosses
// the critical watermark new transcode builds are refused until the heap
// recovers; streams already running are never interrupted.
package memory
