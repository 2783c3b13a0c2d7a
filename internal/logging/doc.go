// Package logging provides leveled logging on top of the standard log package.
//
// The level is read once from the environment: DEBUG=1 enables debug logging,
// otherwise LOG_LEVEL selects one of debug, info, warn, error (default info).
package logging
