package protocol

import (
	"errors"
	"math"
	"strings"
)

var (
	// ErrRangeMalformed indicates a Range header that does not parse.
	ErrRangeMalformed = errors.New("malformed range")

	// ErrRangeUnsupported indicates a unit other than bytes or more than one range.
	ErrRangeUnsupported = errors.New("unsupported range")

	// ErrRangeUnsatisfiable indicates a range outside the representation.
	ErrRangeUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte range [From, To].
type Range struct {
	From int64
	To   int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 { return r.To - r.From + 1 }

// ParseRange parses a single byte range against a representation of the
// given size. It accepts "bytes=from-to", the open-ended "bytes=from-" and
// the suffix form "bytes=-n". A zero-byte representation only satisfies the
// explicit "bytes=0-0".
func ParseRange(header string, size int64) (Range, error) {
	unit, set, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok {
		return Range{}, ErrRangeMalformed
	}
	if !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return Range{}, ErrRangeUnsupported
	}
	set = strings.TrimSpace(set)
	if set == "" {
		return Range{}, ErrRangeMalformed
	}
	if strings.Contains(set, ",") {
		return Range{}, ErrRangeUnsupported
	}

	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return Range{}, ErrRangeMalformed
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	// suffix-range: the last n bytes
	if first == "" {
		n, ok := parsePos(last)
		if !ok {
			return Range{}, ErrRangeMalformed
		}
		if n == 0 || size == 0 {
			return Range{}, ErrRangeUnsatisfiable
		}
		if n > size {
			n = size
		}
		return Range{From: size - n, To: size - 1}, nil
	}

	from, ok := parsePos(first)
	if !ok {
		return Range{}, ErrRangeMalformed
	}
	to := size - 1
	if last != "" {
		if to, ok = parsePos(last); !ok {
			return Range{}, ErrRangeMalformed
		}
		if from > to {
			return Range{}, ErrRangeMalformed
		}
	}

	if size == 0 {
		if from == 0 && to == 0 && last != "" {
			return Range{}, nil
		}
		return Range{}, ErrRangeUnsatisfiable
	}
	if from >= size || to >= size {
		return Range{}, ErrRangeUnsatisfiable
	}
	return Range{From: from, To: to}, nil
}

// parsePos parses 1*DIGIT, rejecting signs and overflow.
func parsePos(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < '0' || b > '9' {
			return 0, false
		}
		d := int64(b - '0')
		if n > (math.MaxInt64-d)/10 {
			return 0, false
		}
		n = n*10 + d
	}
	return n, true
}
