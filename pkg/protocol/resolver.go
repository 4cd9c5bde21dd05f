package protocol

import (
	"net/http"
	"strings"
	"time"
)

// Representation is the read-only view of cached content the resolver needs.
type Representation interface {
	Size() int64
	LastModified() time.Time
	ETag() string
	Bytes() []byte
}

// Resolve decides how to answer a request. The checks run in a fixed order:
// method, If-Modified-Since, If-None-Match, If-Match and
// If-Unmodified-Since, Range (with If-Range), and finally the full body.
// Resolve never mutates r.
func Resolve(c Conditions, r Representation) Disposition {
	d := Disposition{
		Size:         r.Size(),
		ETag:         r.ETag(),
		LastModified: r.LastModified(),
	}

	method := strings.ToUpper(c.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return errorDisposition(d, MethodNotAllowed)
	}
	d.HeaderOnly = method == http.MethodHead

	// Dates compare at second granularity; HTTP dates carry no more.
	if !c.IfModifiedSince.IsZero() && d.LastModified.Unix() <= c.IfModifiedSince.Unix() {
		d.Kind = NotModified
		return d
	}

	if c.IfNoneMatch != "" && MatchETag(d.ETag, c.IfNoneMatch, true) {
		if method == http.MethodPost {
			return errorDisposition(d, PreconditionFailed)
		}
		d.Kind = NotModified
		return d
	}

	if c.IfMatch != "" && !MatchETag(d.ETag, c.IfMatch, false) {
		return errorDisposition(d, PreconditionFailed)
	}
	if !c.IfUnmodifiedSince.IsZero() && d.LastModified.Unix() > c.IfUnmodifiedSince.Unix() {
		return errorDisposition(d, PreconditionFailed)
	}

	if c.Range != "" && method != http.MethodPost && ifRangeHolds(c.IfRange, d) {
		rng, err := ParseRange(c.Range, d.Size)
		if err != nil {
			return errorDisposition(d, RangeNotSatisfiable)
		}
		d.Kind = Partial
		d.Range = rng
		d.Body = slice(r.Bytes(), rng)
		return d
	}

	d.Kind = Full
	d.Body = copyBytes(r.Bytes())
	return d
}

// ifRangeHolds evaluates If-Range. An absent validator always holds; an
// entity tag must match strongly; a date must equal Last-Modified.
func ifRangeHolds(v string, d Disposition) bool {
	if v == "" {
		return true
	}
	if strings.HasPrefix(v, `"`) || isWeak(v) {
		return !isWeak(v) && !isWeak(d.ETag) && v == d.ETag
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return false
	}
	return t.Unix() == d.LastModified.Unix()
}

func errorDisposition(d Disposition, kind ErrorKind) Disposition {
	d.Kind = Error
	d.Error = kind
	d.Body = nil
	return d
}

func slice(b []byte, rng Range) []byte {
	if len(b) == 0 {
		return []byte{}
	}
	return copyBytes(b[rng.From : rng.To+1])
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
