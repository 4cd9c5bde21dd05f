// Package protocol classifies a request against a cached representation
// following HTTP/1.1 conditional request and byte range semantics.
package protocol

import (
	"net/http"
	"strings"
	"time"
)

// Request header names consulted by the resolver.
const (
	HeaderIfModifiedSince   = "If-Modified-Since"
	HeaderIfUnmodifiedSince = "If-Unmodified-Since"
	HeaderIfNoneMatch       = "If-None-Match"
	HeaderIfMatch           = "If-Match"
	HeaderIfRange           = "If-Range"
	HeaderRange             = "Range"
	HeaderAcceptEncoding    = "Accept-Encoding"
)

// Conditions holds the request headers that influence a disposition.
// Zero values mean the header was absent (or could not be parsed).
type Conditions struct {
	// Method is the request method; empty means GET.
	Method string

	// IfModifiedSince from the If-Modified-Since header.
	IfModifiedSince time.Time

	// IfUnmodifiedSince from the If-Unmodified-Since header.
	IfUnmodifiedSince time.Time

	// IfNoneMatch is the raw If-None-Match entity tag list.
	IfNoneMatch string

	// IfMatch is the raw If-Match entity tag list.
	IfMatch string

	// IfRange is the raw If-Range validator (entity tag or HTTP date).
	IfRange string

	// Range is the raw Range header.
	Range string

	// AcceptEncoding is passed on to content-encoding filters.
	AcceptEncoding string
}

// ParseConditions extracts Conditions from request headers. Malformed dates
// are ignored, as if the header had not been sent.
func ParseConditions(method string, h http.Header) Conditions {
	c := Conditions{
		Method:         method,
		IfNoneMatch:    strings.TrimSpace(h.Get(HeaderIfNoneMatch)),
		IfMatch:        strings.TrimSpace(h.Get(HeaderIfMatch)),
		IfRange:        strings.TrimSpace(h.Get(HeaderIfRange)),
		Range:          strings.TrimSpace(h.Get(HeaderRange)),
		AcceptEncoding: h.Get(HeaderAcceptEncoding),
	}
	c.IfModifiedSince = parseDate(h.Get(HeaderIfModifiedSince))
	c.IfUnmodifiedSince = parseDate(h.Get(HeaderIfUnmodifiedSince))
	return c
}

// IsConditional reports whether any validator header is present.
func (c Conditions) IsConditional() bool {
	return !c.IfModifiedSince.IsZero() || !c.IfUnmodifiedSince.IsZero() ||
		c.IfNoneMatch != "" || c.IfMatch != ""
}

func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MatchETag reports whether etag appears in the comma separated list. "*"
// matches any representation. With weak set, W/ prefixes are ignored on
// both sides; otherwise weak tags never match.
func MatchETag(etag, list string, weak bool) bool {
	if etag == "" || list == "" {
		return false
	}
	if weak {
		etag = strings.TrimPrefix(etag, "W/")
	} else if isWeak(etag) {
		return false
	}
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "*" {
			return true
		}
		if weak {
			tok = strings.TrimPrefix(tok, "W/")
		} else if isWeak(tok) {
			continue
		}
		if tok == etag {
			return true
		}
	}
	return false
}

func isWeak(tag string) bool {
	return strings.HasPrefix(tag, "W/")
}

// WeakETag returns tag marked weak. Empty and already weak tags are
// returned as is.
func WeakETag(tag string) string {
	if tag == "" || isWeak(tag) {
		return tag
	}
	return "W/" + tag
}
