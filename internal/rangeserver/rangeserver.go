package rangeserver

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"webcinema/internal/filesystem"
	"webcinema/internal/ledger"
	"webcinema/internal/logging"
	"webcinema/internal/store"
)

// Result is a transport-neutral range response. Body is nil for 416.
// Length is -1 when the total to be streamed is unknown (growing entry
// without a bounded range).
type Result struct {
	Status  int
	Headers map[string]string
	Body    io.ReadCloser
	Length  int64
}

// Server turns cache entries and source files into range responses.
type Server struct {
	store  *store.Store
	ledger *ledger.Ledger
}

// New returns a range server over st. l may be nil; when present every
// served entry refreshes its last-access record.
func New(st *store.Store, l *ledger.Ledger) *Server {
	return &Server{store: st, ledger: l}
}

// Serve builds a response for the cache entry at fingerprint. Ready entries
// behave like static files. Growing entries block until the first requested
// byte exists; their responses carry Content-Range totals of "*" until the
// build completes, and 416 is only returned once a terminal size proves the
// range unsatisfiable.
func (s *Server) Serve(ctx context.Context, fingerprint, rangeHeader, contentType string) (*Result, error) {
	r, err := s.store.OpenReader(fingerprint)
	if err != nil {
		return nil, err
	}

	s.touch(ctx, fingerprint)

	size, final := r.Size()
	if final {
		return s.serveKnown(r, size, rangeHeader, contentType)
	}
	return s.serveGrowing(ctx, r, rangeHeader, contentType)
}

// ServeSource serves a media file directly, the passthrough path. The
// cache is not involved; the source on disk is the response body.
func (s *Server) ServeSource(ctx context.Context, path, rangeHeader string) (*Result, error) {
	f, err := filesystem.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.serveKnown(f, info.Size(), rangeHeader, contentType)
}

// readerAt is what serveKnown needs from a body source.
type readerAt interface {
	io.ReaderAt
	io.Closer
}

// serveKnown handles a fixed-size body: plain 200, clamped 206, or 416.
func (s *Server) serveKnown(r readerAt, size int64, rangeHeader, contentType string) (*Result, error) {
	headers := map[string]string{
		"Accept-Ranges": "bytes",
		"Content-Type":  contentType,
	}

	spec := parseRange(rangeHeader)
	if spec == nil {
		return &Result{
			Status:  http.StatusOK,
			Headers: headers,
			Body:    newSectionReadCloser(r, 0, size),
			Length:  size,
		}, nil
	}

	start, end, ok := spec.resolve(size)
	if !ok {
		r.Close()
		headers["Content-Range"] = fmt.Sprintf("bytes */%d", size)
		return &Result{Status: http.StatusRequestedRangeNotSatisfiable, Headers: headers}, nil
	}

	headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", start, end, size)
	return &Result{
		Status:  http.StatusPartialContent,
		Headers: headers,
		Body:    newSectionReadCloser(r, start, end-start+1),
		Length:  end - start + 1,
	}, nil
}

// serveGrowing handles an entry whose final size is unknown. The first
// requested byte is awaited before any status is chosen, so a range just
// ahead of the encoder blocks instead of failing.
func (s *Server) serveGrowing(ctx context.Context, r *store.Reader, rangeHeader, contentType string) (*Result, error) {
	headers := map[string]string{
		"Accept-Ranges": "bytes",
		"Content-Type":  contentType,
	}

	spec := parseRange(rangeHeader)
	if spec == nil {
		// Full-resource stream: bytes flow until the build completes.
		return &Result{
			Status:  http.StatusOK,
			Headers: headers,
			Body:    newGrowingReader(ctx, r, 0, -1),
			Length:  -1,
		}, nil
	}

	waitOff := spec.start
	if spec.suffix {
		// A suffix range needs the final size; wait the build out.
		waitOff = int64(1)<<62 - 1
	}

	avail, final, err := r.WaitFor(ctx, waitOff)
	if err != nil {
		r.Close()
		return nil, err
	}
	if final {
		return s.serveKnown(r, avail, rangeHeader, contentType)
	}

	// Still growing and the start byte exists. The window is clamped to
	// what exists now and the client re-requests the remainder; honoring an
	// end past the high-water mark would declare a length the build might
	// never reach, truncating the transfer if it terminates short.
	start := spec.start
	end := avail - 1
	if spec.end >= 0 && spec.end < end {
		end = spec.end
	}

	headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/*", start, end)
	return &Result{
		Status:  http.StatusPartialContent,
		Headers: headers,
		Body:    newGrowingReader(ctx, r, start, end),
		Length:  end - start + 1,
	}, nil
}

func (s *Server) touch(ctx context.Context, fingerprint string) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Touch(ctx, fingerprint); err != nil {
		logging.Warn("Failed to touch %s: %v", fingerprint, err)
	}
}

// sectionReadCloser streams a fixed window of a ReaderAt.
type sectionReadCloser struct {
	*io.SectionReader
	src readerAt
}

func newSectionReadCloser(r readerAt, off, n int64) io.ReadCloser {
	return &sectionReadCloser{SectionReader: io.NewSectionReader(r, off, n), src: r}
}

func (s *sectionReadCloser) Close() error { return s.src.Close() }

// growingReader streams [off, end] from a growing entry, blocking until
// bytes exist. end < 0 means until the build's terminal state.
type growingReader struct {
	ctx context.Context
	r   *store.Reader
	off int64
	end int64
}

func newGrowingReader(ctx context.Context, r *store.Reader, off, end int64) io.ReadCloser {
	return &growingReader{ctx: ctx, r: r, off: off, end: end}
}

func (g *growingReader) Read(p []byte) (int, error) {
	if g.end >= 0 && g.off > g.end {
		return 0, io.EOF
	}

	avail, final, err := g.r.WaitFor(g.ctx, g.off)
	if err != nil {
		return 0, err
	}
	if g.off >= avail {
		if final {
			return 0, io.EOF
		}
		return 0, nil
	}

	limit := avail
	if g.end >= 0 && g.end+1 < limit {
		limit = g.end + 1
	}
	n := int64(len(p))
	if n > limit-g.off {
		n = limit - g.off
	}

	read, err := g.r.ReadAt(p[:n], g.off)
	g.off += int64(read)
	if err == io.EOF && read > 0 {
		err = nil
	}
	return read, err
}

func (g *growingReader) Close() error { return g.r.Close() }
