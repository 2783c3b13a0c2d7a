package rangeserver

import (
	"strconv"
	"strings"
)

// rangeSpec is a parsed single-range request.
//
//	bytes=a-b  → start=a, end=b
//	bytes=a-   → start=a, end=-1 (open)
//	bytes=-n   → suffix=true, suffixLen=n
type rangeSpec struct {
	start     int64
	end       int64
	suffix    bool
	suffixLen int64
}

// parseRange parses a Range header. A nil spec with nil error means the
// header is absent, multi-range, or malformed; per RFC 9110 an invalid
// Range is ignored and the full resource served.
func parseRange(header string) *rangeSpec {
	if header == "" {
		return nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil
	}
	spec := strings.TrimSpace(header[len(prefix):])
	if spec == "" || strings.Contains(spec, ",") {
		return nil
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return nil
	}
	first, last := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])

	if first == "" {
		// Suffix range: last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil
		}
		return &rangeSpec{suffix: true, suffixLen: n}
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil
	}
	if last == "" {
		return &rangeSpec{start: start, end: -1}
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil
	}
	return &rangeSpec{start: start, end: end}
}

// resolve clamps the spec against a known total size. ok is false when the
// range is unsatisfiable.
func (r *rangeSpec) resolve(size int64) (start, end int64, ok bool) {
	if r.suffix {
		if r.suffixLen >= size {
			return 0, size - 1, size > 0
		}
		return size - r.suffixLen, size - 1, true
	}
	if r.start >= size {
		return 0, 0, false
	}
	end = r.end
	if end < 0 || end >= size {
		end = size - 1
	}
	return r.start, end, true
}
