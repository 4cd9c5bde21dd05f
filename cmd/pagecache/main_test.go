package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/internal/testutil"
	"github.com/Sternrassler/pagecache/pkg/cache"
	"github.com/Sternrassler/pagecache/pkg/config"
)

type testEnv struct {
	origin  *testutil.MockOrigin
	server  *server
	handler http.Handler
}

func setupTestServer(t *testing.T, modify func(*config.Config)) *testEnv {
	t.Helper()

	mock := testutil.NewMockOrigin()
	t.Cleanup(mock.Close)

	cfg := config.Default()
	cfg.Origin.URL = mock.URL()
	cfg.Origin.Retries = 0
	if modify != nil {
		modify(&cfg)
	}

	s, err := newServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return &testEnv{origin: mock, server: s, handler: s.Routes()}
}

func (e *testEnv) do(method, target string, header http.Header) *http.Response {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w.Result()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestProxy_CachesPages(t *testing.T) {
	env := setupTestServer(t, nil)
	env.origin.SetPageResponse("/news", "<h1>news</h1>", "news", time.Hour)

	first := env.do("GET", "/news", nil)
	second := env.do("GET", "/news", nil)

	for i, resp := range []*http.Response{first, second} {
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("response %d: status = %d, want 200", i, resp.StatusCode)
		}
		if body := readBody(t, resp); body != "<h1>news</h1>" {
			t.Errorf("response %d: body = %q", i, body)
		}
		if resp.Header.Get("ETag") == "" || resp.Header.Get("Last-Modified") == "" {
			t.Errorf("response %d: missing validators: %v", i, resp.Header)
		}
	}
	if got := env.origin.GetPathCount("/news"); got != 1 {
		t.Errorf("origin calls = %d, want 1", got)
	}

	head := env.do("HEAD", "/news", nil)
	if head.StatusCode != http.StatusOK || readBody(t, head) != "" {
		t.Errorf("HEAD: status %d, want 200 with empty body", head.StatusCode)
	}
	if head.Header.Get("Content-Length") != "13" {
		t.Errorf("HEAD Content-Length = %q, want 13", head.Header.Get("Content-Length"))
	}
}

func TestProxy_QueryIsPartOfKey(t *testing.T) {
	env := setupTestServer(t, nil)

	env.do("GET", "/list?page=1", nil)
	env.do("GET", "/list?page=2", nil)
	env.do("GET", "/list?page=1", nil)

	if got := env.origin.GetPathCount("/list"); got != 2 {
		t.Errorf("origin calls = %d, want 2", got)
	}
}

func TestProxy_Conditional(t *testing.T) {
	env := setupTestServer(t, nil)
	env.origin.SetPageResponse("/page", "hello world", "", time.Hour)

	resp := env.do("GET", "/page", nil)
	etag := resp.Header.Get("ETag")
	lastModified := resp.Header.Get("Last-Modified")

	tests := []struct {
		name   string
		method string
		header http.Header
		want   int
	}{
		{"if-none-match", "GET", http.Header{"If-None-Match": {etag}}, http.StatusNotModified},
		{"if-none-match other", "GET", http.Header{"If-None-Match": {`"other"`}}, http.StatusOK},
		{"if-modified-since", "GET", http.Header{"If-Modified-Since": {lastModified}}, http.StatusNotModified},
		{"if-match fails", "GET", http.Header{"If-Match": {`"other"`}}, http.StatusPreconditionFailed},
		{"post if-none-match", "POST", http.Header{"If-None-Match": {etag}}, http.StatusPreconditionFailed},
		{"put not allowed", "PUT", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(tt.method, "/page", tt.header)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestProxy_Range(t *testing.T) {
	env := setupTestServer(t, nil)
	env.origin.SetPageResponse("/file", "0123456789", "", time.Hour)

	resp := env.do("GET", "/file", http.Header{"Range": {"bytes=2-5"}})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "2345" {
		t.Errorf("body = %q, want 2345", body)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q, want bytes 2-5/10", got)
	}

	resp = env.do("GET", "/file", http.Header{"Range": {"bytes=20-"}})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("status = %d, want 416", resp.StatusCode)
	}
}

func TestProxy_OriginErrors(t *testing.T) {
	env := setupTestServer(t, nil)
	env.origin.SetResponse("/missing", testutil.MockResponse{StatusCode: http.StatusNotFound})
	env.origin.SetResponse("/broken", testutil.MockResponse{StatusCode: http.StatusInternalServerError})

	if resp := env.do("GET", "/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("/missing status = %d, want 404", resp.StatusCode)
	}
	if resp := env.do("GET", "/broken", nil); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("/broken status = %d, want 502", resp.StatusCode)
	}

	// Failures are not cached.
	env.do("GET", "/missing", nil)
	if got := env.origin.GetPathCount("/missing"); got != 2 {
		t.Errorf("origin calls = %d, want 2", got)
	}
}

func TestInvalidateEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.origin.SetPageResponse("/a", "a", "news", time.Hour)
	env.origin.SetPageResponse("/b", "b", "sport", time.Hour)

	env.do("GET", "/a", nil)
	env.do("GET", "/b", nil)

	resp := env.do("POST", "/invalidate?tag=news", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got invalidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Invalidated != 1 || got.Published {
		t.Errorf("response = %+v, want 1 invalidated and not published", got)
	}

	env.do("GET", "/a", nil)
	env.do("GET", "/b", nil)
	if a, b := env.origin.GetPathCount("/a"), env.origin.GetPathCount("/b"); a != 2 || b != 1 {
		t.Errorf("origin calls a=%d b=%d, want 2 and 1", a, b)
	}

	key := cache.Key{Path: "/b"}.String()
	resp = env.do("POST", "/invalidate?key="+key, nil)
	json.NewDecoder(resp.Body).Decode(&got)
	if got.Invalidated != 1 {
		t.Errorf("key invalidation = %d, want 1", got.Invalidated)
	}

	if resp := env.do("POST", "/invalidate", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty invalidate status = %d, want 400", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	env.do("GET", "/x", nil)
	env.do("GET", "/x", nil)

	resp := env.do("GET", "/stats", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var stats cache.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if !stats.Enabled || stats.Hits != 1 || stats.Misses != 1 || stats.Pool.Entries != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.do("GET", "/x", nil)

	resp := env.do("GET", "/metrics", nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	// Just verify we get prometheus output format
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	for _, name := range []string{"pagecache_hits_total", "pagecache_misses_total", "pagecache_origin_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestProxy_GzipFilter(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) {
		c.Cache.Filters = []string{"gzip"}
	})
	page := "<p>" + strings.Repeat("cached page body ", 40) + "</p>"
	env.origin.SetPageResponse("/big", page, "", time.Hour)

	resp := env.do("GET", "/big", http.Header{"Accept-Encoding": {"gzip"}})
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != page {
		t.Errorf("decompressed body differs from origin page")
	}

	plainResp := env.do("GET", "/big", nil)
	if plainResp.Header.Get("Content-Encoding") != "" || readBody(t, plainResp) != page {
		t.Error("client without gzip should get the plain page")
	}
}

func TestProxy_SQLiteStore(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) {
		c.Store.Backend = config.StoreSQLite
		c.Store.SQLitePath = filepath.Join(t.TempDir(), "pages.db")
	})
	env.origin.SetPageResponse("/stored", "stored page", "docs", time.Hour)

	env.do("GET", "/stored", nil)
	env.server.manager.Flush()

	resp := env.do("GET", "/stored", nil)
	if body := readBody(t, resp); body != "stored page" {
		t.Errorf("body = %q", body)
	}
	if got := env.origin.GetPathCount("/stored"); got != 1 {
		t.Errorf("origin calls = %d, want 1 (second served from store)", got)
	}

	// Tag invalidation reaches the store as well.
	env.do("POST", "/invalidate?tag=docs", nil)
	env.do("GET", "/stored", nil)
	if got := env.origin.GetPathCount("/stored"); got != 2 {
		t.Errorf("origin calls = %d, want 2 after invalidation", got)
	}
}

func TestWarmup(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) {
		c.Warmup.Paths = []string{"/", "/news?page=2"}
	})

	env.server.warm(context.Background())
	if env.origin.GetRequestCount() != 2 {
		t.Fatalf("origin calls = %d, want 2", env.origin.GetRequestCount())
	}

	env.do("GET", "/", nil)
	env.do("GET", "/news?page=2", nil)
	if env.origin.GetRequestCount() != 2 {
		t.Errorf("origin calls = %d, warmed pages should be served from cache", env.origin.GetRequestCount())
	}
}

func TestNewServer_RedisUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.Origin.URL = "http://localhost:1"
	cfg.Store.Backend = config.StoreRedis
	cfg.Store.RedisURL = "localhost:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := newServer(ctx, cfg, zerolog.Nop()); err == nil {
		t.Error("newServer() should fail when redis is unreachable")
	}
}
