// Package probe extracts media descriptors from source files using ffprobe.
//
// Probing reads container metadata only, never stream content, and is
// idempotent. Results are cached process-wide keyed by (path, size, mtime);
// the cache invalidates itself when the file's identity changes, and a
// vanished file surfaces ErrUnreadableSource.
package probe
