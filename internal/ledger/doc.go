// Package ledger persists cache access recency and build failure history.
//
// Backed by SQLite in WAL mode, the ledger survives restarts so eviction
// ordering and failure backoff carry across process lifetimes. It is
// deliberately advisory: artifact existence is decided by the segment
// store's sidecar files, never by ledger rows.
package ledger
