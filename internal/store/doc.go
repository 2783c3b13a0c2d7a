// Package store is the on-disk segment cache for built artifacts.
//
// Each entry is a directory named by fingerprint holding the artifact file
// and an entry.json sidecar. The sidecar, written with a temp-file rename,
// is the durable completion marker: entries without one are purged on
// recovery. Artifacts are append-only while building and readers may attach
// mid-build, blocking until the bytes they need arrive. An eviction sweep
// removes least-recently-used ready entries when the cache exceeds its byte
// budget, never touching in-progress builds or entries younger than the
// minimum retention age.
package store
