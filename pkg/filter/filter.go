// Package filter implements the ordered content transform pipeline applied
// to cached bodies before they are handed to a client.
//
// A Filter is created per request by its Factory, so any state it keeps
// (such as a compressor) is scoped to a single Context. Filters are gated
// by content type and leave other types untouched.
package filter

import (
	"errors"
	"net/http"
	"strings"
)

// ErrFilterFailed is returned when any stage of a pipeline fails. The
// context buffer is left as it was before the pipeline ran.
var ErrFilterFailed = errors.New("filter failed")

// Context is the per-request data passed through the pipeline.
type Context struct {
	// ContentType of the buffer, e.g. "text/html; charset=utf-8".
	ContentType string

	// Buffer is replaced by each stage with its output.
	Buffer []byte

	// Header collects response headers set by filters (Content-Encoding, Vary).
	Header http.Header

	// AcceptEncoding is the client's Accept-Encoding header.
	AcceptEncoding string

	// Partial is set when Buffer holds a byte range rather than the whole body.
	Partial bool
}

// Filter is one pipeline stage.
type Filter interface {
	// Apply transforms ctx.Buffer in place (by replacing it).
	Apply(ctx *Context) error

	// Flush returns trailer bytes buffered by Apply, if any.
	Flush() ([]byte, error)

	// Close releases resources. Called exactly once per filter.
	Close() error
}

// Factory creates a fresh Filter for one request.
type Factory func() Filter

// MatchType reports whether contentType has the media type want, ignoring
// parameters and case.
func MatchType(contentType, want string) bool {
	return mediaType(contentType) == mediaType(want)
}

func mediaType(v string) string {
	t, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(t))
}
