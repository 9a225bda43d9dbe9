package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Range errors.
var (
	// ErrInvalidRange is returned for a Range header that cannot be parsed.
	// Callers ignore such headers and serve the full body.
	ErrInvalidRange = errors.New("invalid range header")

	// ErrRangeNotSatisfiable is returned when a range lies outside the resource.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

const rangeUnitPrefix = "bytes="

// RangeSpec is a parsed single byte range that has not been resolved
// against a resource size yet.
type RangeSpec struct {
	// Start is the first byte, or -1 for a suffix range.
	Start int64
	// End is the last byte inclusive, or -1 when open ended.
	End int64
	// Suffix is the trailing byte count for "bytes=-N".
	Suffix int64
}

// IsSuffix reports whether the spec is a "bytes=-N" range.
func (s RangeSpec) IsSuffix() bool {
	return s.Start < 0
}

// ByteRange is a resolved, inclusive byte window.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the window.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for the window.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// UnsatisfiedContentRange formats the Content-Range value sent with a 416.
func UnsatisfiedContentRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// ParseRange parses a single-range "bytes=" header: "bytes=start-end",
// "bytes=start-" or "bytes=-N". Multiple ranges are not supported and are
// reported as ErrInvalidRange.
func ParseRange(header string) (RangeSpec, error) {
	header = strings.TrimSpace(header)
	if len(header) < len(rangeUnitPrefix) || !strings.EqualFold(header[:len(rangeUnitPrefix)], rangeUnitPrefix) {
		return RangeSpec{}, fmt.Errorf("%w: unsupported unit in %q", ErrInvalidRange, header)
	}
	spec := strings.TrimSpace(header[len(rangeUnitPrefix):])
	if strings.Contains(spec, ",") {
		return RangeSpec{}, fmt.Errorf("%w: multiple ranges in %q", ErrInvalidRange, header)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return RangeSpec{}, fmt.Errorf("%w: missing '-' in %q", ErrInvalidRange, header)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		if endStr == "" {
			return RangeSpec{}, fmt.Errorf("%w: empty range in %q", ErrInvalidRange, header)
		}
		n, err := parseOffset(endStr)
		if err != nil {
			return RangeSpec{}, err
		}
		return RangeSpec{Start: -1, End: -1, Suffix: n}, nil
	}

	start, err := parseOffset(startStr)
	if err != nil {
		return RangeSpec{}, err
	}
	if endStr == "" {
		return RangeSpec{Start: start, End: -1}, nil
	}
	end, err := parseOffset(endStr)
	if err != nil {
		return RangeSpec{}, err
	}
	if end < start {
		return RangeSpec{}, fmt.Errorf("%w: end %d before start %d", ErrInvalidRange, end, start)
	}
	return RangeSpec{Start: start, End: end}, nil
}

func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad offset %q", ErrInvalidRange, s)
	}
	return n, nil
}

// Resolve clamps the spec to a resource of size bytes.
func (s RangeSpec) Resolve(size int64) (ByteRange, error) {
	if size <= 0 {
		return ByteRange{}, ErrRangeNotSatisfiable
	}

	if s.IsSuffix() {
		if s.Suffix == 0 {
			return ByteRange{}, ErrRangeNotSatisfiable
		}
		n := min(s.Suffix, size)
		return ByteRange{Start: size - n, End: size - 1}, nil
	}

	if s.Start >= size {
		return ByteRange{}, fmt.Errorf("%w: start %d beyond size %d", ErrRangeNotSatisfiable, s.Start, size)
	}
	end := s.End
	if end < 0 || end > size-1 {
		end = size - 1
	}
	return ByteRange{Start: s.Start, End: end}, nil
}
