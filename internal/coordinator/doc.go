// Package coordinator serializes artifact builds.
//
// At most one build job runs per fingerprint. The first caller to Acquire
// leads and starts the build; concurrent callers follow, subscribing to the
// same job's events. Jobs keep running briefly after their last subscriber
// detaches so a paused client can reattach, then are canceled. Fingerprints
// that failed recently are suppressed with an exponential backoff recorded
// in the ledger.
package coordinator
