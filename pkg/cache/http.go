package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/protocol"
)

const (
	// MaxExpiresAhead caps the Expires header (HTTP/1.1 servers should not
	// send dates more than one year in the future)
	MaxExpiresAhead = 365 * 24 * time.Hour

	// AllowedMethods is sent with 405 responses
	AllowedMethods = "GET, POST, HEAD"
)

// StatusCode maps a disposition to its HTTP status.
func StatusCode(d *protocol.Disposition) int {
	switch d.Kind {
	case protocol.Full:
		return http.StatusOK
	case protocol.Partial:
		return http.StatusPartialContent
	case protocol.NotModified:
		return http.StatusNotModified
	}
	switch d.Error {
	case protocol.RangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case protocol.PreconditionFailed:
		return http.StatusPreconditionFailed
	case protocol.MethodNotAllowed:
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

// WriteResponse writes d as an HTTP response. now is used to cap Expires.
func WriteResponse(w http.ResponseWriter, d *protocol.Disposition, now time.Time) {
	h := w.Header()
	status := StatusCode(d)

	switch status {
	case http.StatusMethodNotAllowed:
		h.Set("Allow", AllowedMethods)
		w.WriteHeader(status)
		return
	case http.StatusPreconditionFailed:
		w.WriteHeader(status)
		return
	case http.StatusRequestedRangeNotSatisfiable:
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", d.Size))
		h.Set("Accept-Ranges", "bytes")
		w.WriteHeader(status)
		return
	}

	if d.ETag != "" {
		h.Set("ETag", d.ETag)
	}
	if !d.LastModified.IsZero() {
		h.Set("Last-Modified", d.LastModified.UTC().Format(http.TimeFormat))
	}
	if !d.Expires.IsZero() {
		expires := d.Expires
		if limit := now.Add(MaxExpiresAhead); expires.After(limit) {
			expires = limit
		}
		h.Set("Expires", expires.UTC().Format(http.TimeFormat))
	}

	if status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}

	for k, vs := range d.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Accept-Ranges", "bytes")
	if d.ContentType != "" {
		h.Set("Content-Type", d.ContentType)
	}
	if status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", d.Range.From, d.Range.To, d.Size))
	}
	h.Set("Content-Length", strconv.Itoa(len(d.Body)))
	w.WriteHeader(status)

	if !d.HeaderOnly {
		_, _ = w.Write(d.Body)
	}
}

// Source maps a request to its cache key and the builder that renders it.
type Source func(r *http.Request) (key string, build Builder, err error)

// Handler serves requests through a Manager.
type Handler struct {
	manager *Manager
	source  Source
	clock   Clock
	logger  zerolog.Logger
}

// NewHandler creates an HTTP handler for m.
func NewHandler(m *Manager, source Source, logger zerolog.Logger) *Handler {
	return &Handler{
		manager: m,
		source:  source,
		clock:   m.clock,
		logger:  logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, build, err := h.source(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cond := protocol.ParseConditions(r.Method, r.Header)
	d, err := h.manager.Serve(r.Context(), key, build, cond)
	if err != nil {
		h.writeError(w, key, err)
		return
	}
	WriteResponse(w, d, h.clock())
}

// httpStatuser is implemented by builder errors that carry an upstream status.
type httpStatuser interface {
	HTTPStatus() int
}

func (h *Handler) writeError(w http.ResponseWriter, key string, err error) {
	status := http.StatusInternalServerError
	var hs httpStatuser
	switch {
	case errors.As(err, &hs) && hs.HTTPStatus() >= 400 && hs.HTTPStatus() < 500:
		status = hs.HTTPStatus()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ErrBuildFailure):
		status = http.StatusBadGateway
	case errors.Is(err, ErrInvalidKey):
		status = http.StatusBadRequest
	}

	h.logger.Debug().Err(err).Str("key", key).Int("status", status).Msg("Request failed")
	http.Error(w, http.StatusText(status), status)
}
