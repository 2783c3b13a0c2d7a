// Package config loads webcinema configuration.
//
// Configuration comes from three layers, each overriding the last: built-in
// defaults, an optional TOML file, and environment variables. The loader also
// creates the cache directory tree and derives paths for the thumbnail cache
// and the access ledger.
package config
