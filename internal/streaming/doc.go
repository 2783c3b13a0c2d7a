// Package streaming provides timeout-protected streaming of media bytes to
// HTTP responses.
//
// Slow or vanished clients would otherwise hold transcoder output and cache
// readers open indefinitely. Writer bounds each write with WriteTimeout,
// terminates connections that stay idle past IdleTimeout, and splits large
// writes into flushable chunks so stalls are detected early. Client
// disconnects surface as ErrClientGone, which callers treat as a normal end
// of playback rather than a failure.
package streaming
