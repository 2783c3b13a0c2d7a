// Package rangeserver translates cache entries and source files into
// byte-range responses.
//
// Results are transport-neutral (status, headers, body stream) so the HTTP
// layer stays a thin adapter. Ready entries and passthrough sources behave
// like static files. Entries still being built block until the requested
// bytes exist and advertise an unknown total until the build commits; a
// range is only rejected as unsatisfiable once the final size is known.
package rangeserver
