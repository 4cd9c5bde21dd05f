package filter

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// GzipOptions configures the gzip filter.
type GzipOptions struct {
	// Types lists the media types that are compressed.
	Types []string

	// MinLength skips bodies shorter than this many bytes.
	MinLength int

	// Level is a klauspost/compress/gzip level.
	Level int
}

// DefaultGzipOptions compresses common text types of 256 bytes or more.
func DefaultGzipOptions() GzipOptions {
	return GzipOptions{
		Types: []string{
			"text/html", "text/css", "text/plain", "text/xml",
			"application/javascript", "application/json", "application/xml", "image/svg+xml",
		},
		MinLength: 256,
		Level:     gzip.DefaultCompression,
	}
}

// Gzip compresses the buffer when the client accepts gzip. Apply emits the
// compressed blocks; Flush emits the stream footer.
type Gzip struct {
	opts GzipOptions
	buf  bytes.Buffer
	w    *gzip.Writer
}

// NewGzip creates a gzip filter for one request.
func NewGzip(opts GzipOptions) *Gzip {
	return &Gzip{opts: opts}
}

func (g *Gzip) Apply(ctx *Context) error {
	if !g.wants(ctx) {
		return nil
	}
	w, err := gzip.NewWriterLevel(&g.buf, g.opts.Level)
	if err != nil {
		return err
	}
	g.w = w
	if _, err := w.Write(ctx.Buffer); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	ctx.Buffer = g.take()
	if ctx.Header == nil {
		ctx.Header = http.Header{}
	}
	ctx.Header.Set("Content-Encoding", "gzip")
	ctx.Header.Add("Vary", "Accept-Encoding")
	return nil
}

func (g *Gzip) Flush() ([]byte, error) {
	if g.w == nil {
		return nil, nil
	}
	err := g.w.Close()
	g.w = nil
	if err != nil {
		return nil, err
	}
	return g.take(), nil
}

func (g *Gzip) Close() error {
	if g.w == nil {
		return nil
	}
	err := g.w.Close()
	g.w = nil
	g.buf.Reset()
	return err
}

func (g *Gzip) take() []byte {
	out := make([]byte, g.buf.Len())
	copy(out, g.buf.Bytes())
	g.buf.Reset()
	return out
}

func (g *Gzip) wants(ctx *Context) bool {
	if ctx.Partial || len(ctx.Buffer) < g.opts.MinLength {
		return false
	}
	if ctx.Header.Get("Content-Encoding") != "" {
		return false
	}
	if !AcceptsGzip(ctx.AcceptEncoding) {
		return false
	}
	for _, t := range g.opts.Types {
		if MatchType(ctx.ContentType, t) {
			return true
		}
	}
	return false
}

// AcceptsGzip reports whether an Accept-Encoding value allows gzip.
func AcceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "gzip" && name != "*" {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		if q == "q=0" || q == "q=0.0" || q == "q=0.00" || q == "q=0.000" {
			return false
		}
		return true
	}
	return false
}
