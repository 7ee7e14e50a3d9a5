// Package preview streams finished render outputs to a local browser or
// player, honouring single byte-range requests so video can be scrubbed.
package preview

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadRange      = errors.New("malformed range header")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Span is an inclusive byte range.
type Span struct {
	Start int64
	End   int64
}

func (s Span) Len() int64 { return s.End - s.Start + 1 }

// ContentRange formats the Content-Range header value for a file of total bytes.
func (s Span) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", s.Start, s.End, total)
}

// ParseSpan reads a Range header against a file of size bytes. ok is false
// when no range was requested. Only the first range of a multi-range
// request is honoured.
func ParseSpan(header string, size int64) (span Span, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Span{}, false, nil
	}

	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return Span{}, false, ErrBadRange
	}
	spec, _, _ = strings.Cut(spec, ",")
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return Span{}, false, ErrBadRange
	}

	switch {
	case first == "":
		// Suffix form: the last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return Span{}, false, ErrBadRange
		}
		span = Span{Start: max(size-n, 0), End: size - 1}
	default:
		start, err := strconv.ParseInt(first, 10, 64)
		if err != nil || start < 0 {
			return Span{}, false, ErrBadRange
		}
		end := size - 1
		if last != "" {
			if end, err = strconv.ParseInt(last, 10, 64); err != nil {
				return Span{}, false, ErrBadRange
			}
		}
		span = Span{Start: start, End: end}
	}

	if span.Start > span.End || span.Start >= size {
		return Span{}, false, ErrUnsatisfiable
	}
	span.End = min(span.End, size-1)
	return span, true, nil
}
