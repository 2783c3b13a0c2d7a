// Package middleware provides request logging and prometheus
// instrumentation for the HTTP surface.
package middleware
