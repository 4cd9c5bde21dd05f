package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/protocol"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		d    protocol.Disposition
		want int
	}{
		{protocol.Disposition{Kind: protocol.Full}, http.StatusOK},
		{protocol.Disposition{Kind: protocol.Partial}, http.StatusPartialContent},
		{protocol.Disposition{Kind: protocol.NotModified}, http.StatusNotModified},
		{protocol.Disposition{Kind: protocol.Error, Error: protocol.RangeNotSatisfiable}, http.StatusRequestedRangeNotSatisfiable},
		{protocol.Disposition{Kind: protocol.Error, Error: protocol.PreconditionFailed}, http.StatusPreconditionFailed},
		{protocol.Disposition{Kind: protocol.Error, Error: protocol.MethodNotAllowed}, http.StatusMethodNotAllowed},
		{protocol.Disposition{Kind: protocol.Error}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(&tt.d); got != tt.want {
			t.Errorf("StatusCode(%v/%v) = %d, want %d", tt.d.Kind, tt.d.Error, got, tt.want)
		}
	}
}

func TestWriteResponse(t *testing.T) {
	tests := []struct {
		name        string
		d           protocol.Disposition
		wantStatus  int
		wantBody    string
		wantHeaders map[string]string
	}{
		{
			name: "full",
			d: protocol.Disposition{
				Kind: protocol.Full, Body: []byte("hello"), Size: 5, ETag: `"e"`,
				LastModified: t0, ContentType: "text/plain",
			},
			wantStatus: http.StatusOK,
			wantBody:   "hello",
			wantHeaders: map[string]string{
				"ETag":           `"e"`,
				"Last-Modified":  t0.Format(http.TimeFormat),
				"Content-Type":   "text/plain",
				"Content-Length": "5",
				"Accept-Ranges":  "bytes",
			},
		},
		{
			name: "partial",
			d: protocol.Disposition{
				Kind: protocol.Partial, Body: []byte("ll"), Size: 5,
				Range: protocol.Range{From: 2, To: 3},
			},
			wantStatus: http.StatusPartialContent,
			wantBody:   "ll",
			wantHeaders: map[string]string{
				"Content-Range":  "bytes 2-3/5",
				"Content-Length": "2",
			},
		},
		{
			name:        "not modified",
			d:           protocol.Disposition{Kind: protocol.NotModified, ETag: `"e"`, Size: 5},
			wantStatus:  http.StatusNotModified,
			wantHeaders: map[string]string{"ETag": `"e"`, "Content-Length": ""},
		},
		{
			name:        "range not satisfiable",
			d:           protocol.Disposition{Kind: protocol.Error, Error: protocol.RangeNotSatisfiable, Size: 100},
			wantStatus:  http.StatusRequestedRangeNotSatisfiable,
			wantHeaders: map[string]string{"Content-Range": "bytes */100"},
		},
		{
			name:        "method not allowed",
			d:           protocol.Disposition{Kind: protocol.Error, Error: protocol.MethodNotAllowed},
			wantStatus:  http.StatusMethodNotAllowed,
			wantHeaders: map[string]string{"Allow": AllowedMethods},
		},
		{
			name:       "precondition failed",
			d:          protocol.Disposition{Kind: protocol.Error, Error: protocol.PreconditionFailed, ETag: `"e"`},
			wantStatus: http.StatusPreconditionFailed,
		},
		{
			name:        "head",
			d:           protocol.Disposition{Kind: protocol.Full, Body: []byte("hello"), Size: 5, HeaderOnly: true},
			wantStatus:  http.StatusOK,
			wantHeaders: map[string]string{"Content-Length": "5"},
		},
		{
			name: "expires capped",
			d: protocol.Disposition{
				Kind: protocol.Full, Body: []byte("x"), Expires: t0.Add(5 * 365 * 24 * time.Hour),
			},
			wantStatus:  http.StatusOK,
			wantBody:    "x",
			wantHeaders: map[string]string{"Expires": t0.Add(MaxExpiresAhead).Format(http.TimeFormat)},
		},
		{
			name: "filter headers",
			d: protocol.Disposition{
				Kind: protocol.Full, Body: []byte("z"),
				Header: http.Header{"Content-Encoding": {"gzip"}, "Vary": {"Accept-Encoding"}},
			},
			wantStatus:  http.StatusOK,
			wantBody:    "z",
			wantHeaders: map[string]string{"Content-Encoding": "gzip", "Vary": "Accept-Encoding"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteResponse(rec, &tt.d, t0)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			for k, want := range tt.wantHeaders {
				if got := rec.Header().Get(k); got != want {
					t.Errorf("header %s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

type statusErr int

func (e statusErr) Error() string   { return http.StatusText(int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestHandler(t *testing.T) {
	m := newTestManager(t, Options{Clock: fixedClock(t0)})
	source := func(r *http.Request) (string, Builder, error) {
		switch r.URL.Path {
		case "/missing":
			return "missing", func(ctx context.Context) (*Content, error) { return nil, statusErr(http.StatusNotFound) }, nil
		case "/broken":
			return "broken", func(ctx context.Context) (*Content, error) { return nil, errors.New("boom") }, nil
		case "/bad":
			return "", nil, errors.New("bad request")
		}
		key := KeyFromRequest("", r).String()
		return key, func(ctx context.Context) (*Content, error) {
			return &Content{Body: hundredBytes(), ContentType: "text/plain", LastModified: t0}, nil
		}, nil
	}
	h := NewHandler(m, source, zerolog.Nop())

	do := func(method, path string, header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		for k, v := range header {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/page", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 100 {
		t.Fatalf("GET /page = %d with %d bytes", rec.Code, rec.Body.Len())
	}
	etag := rec.Header().Get("ETag")

	rec = do(http.MethodGet, "/page", http.Header{"If-None-Match": {etag}})
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET = %d, want 304", rec.Code)
	}

	rec = do(http.MethodGet, "/page", http.Header{"Range": {"bytes=0-9"}})
	if rec.Code != http.StatusPartialContent || rec.Body.Len() != 10 {
		t.Errorf("range GET = %d with %d bytes", rec.Code, rec.Body.Len())
	}

	rec = do(http.MethodHead, "/page", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 || rec.Header().Get("Content-Length") != "100" {
		t.Errorf("HEAD = %d, body %d, length %q", rec.Code, rec.Body.Len(), rec.Header().Get("Content-Length"))
	}

	rec = do(http.MethodPut, "/page", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT = %d, want 405", rec.Code)
	}

	if rec = do(http.MethodGet, "/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET /missing = %d, want 404", rec.Code)
	}
	if rec = do(http.MethodGet, "/broken", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("GET /broken = %d, want 502", rec.Code)
	}
	if rec = do(http.MethodGet, "/bad", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("GET /bad = %d, want 400", rec.Code)
	}
}
