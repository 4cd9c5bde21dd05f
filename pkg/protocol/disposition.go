package protocol

import (
	"net/http"
	"time"
)

// Kind classifies how a request is answered.
type Kind int

const (
	// Full serves the whole representation.
	Full Kind = iota
	// Partial serves a single byte range.
	Partial
	// NotModified tells the client its copy is current.
	NotModified
	// Error carries an ErrorKind and no body.
	Error
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "full"
	case Partial:
		return "partial"
	case NotModified:
		return "not_modified"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind names the HTTP failure a Disposition of Kind Error represents.
type ErrorKind int

const (
	NoError ErrorKind = iota
	RangeNotSatisfiable
	PreconditionFailed
	MethodNotAllowed
)

func (e ErrorKind) String() string {
	switch e {
	case NoError:
		return "none"
	case RangeNotSatisfiable:
		return "range_not_satisfiable"
	case PreconditionFailed:
		return "precondition_failed"
	case MethodNotAllowed:
		return "method_not_allowed"
	default:
		return "unknown"
	}
}

// Disposition is the outcome of resolving a request against a representation.
// Body is an independent copy; it stays valid after the entry is released.
type Disposition struct {
	Kind  Kind
	Error ErrorKind

	// Range is set for Partial.
	Range Range

	// Body holds the bytes to send for Full and Partial.
	Body []byte

	// Size is the length of the complete representation.
	Size int64

	ETag         string
	LastModified time.Time

	// HeaderOnly is set for HEAD requests; Body is still populated so the
	// adapter can report its length.
	HeaderOnly bool

	// ContentType and Expires are filled in by the cache coordinator.
	ContentType string
	Expires     time.Time

	// Header carries response headers added by content filters.
	Header http.Header
}

// HasBody reports whether the disposition carries representation bytes.
func (d *Disposition) HasBody() bool {
	return d.Kind == Full || d.Kind == Partial
}
