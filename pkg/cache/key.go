package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached representation.
type Key struct {
	// Site separates tenants sharing one cache (may be empty)
	Site string

	// Path is the request path (e.g. "/news/2024/")
	Path string

	// QueryParams are the request query parameters
	QueryParams url.Values

	// Variant distinguishes alternative renderings of the same path (e.g. a language)
	Variant string
}

// KeyFromRequest builds a key from the request path and query.
func KeyFromRequest(site string, r *http.Request) Key {
	return Key{
		Site:        site,
		Path:        r.URL.Path,
		QueryParams: r.URL.Query(),
	}
}

// Validate returns ErrInvalidKey when the key has no path.
func (k Key) Validate() error {
	if strings.Trim(k.Path, "/") == "" && k.Path != "/" {
		return ErrInvalidKey
	}
	return nil
}

// String generates a deterministic cache key string.
// Format: page:site:path:query1=a,b:query2=c:variant=x
//
// Example:
//
//	page:www:news/2024:page=2
func (k Key) String() string {
	parts := []string{"page"}

	if k.Site != "" {
		parts = append(parts, k.Site)
	}

	// Normalize path; the root path is kept as "/"
	path := strings.Trim(k.Path, "/")
	if path == "" {
		path = "/"
	}
	parts = append(parts, path)

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, key+"="+strings.Join(values, ","))
		}
	}

	if k.Variant != "" {
		parts = append(parts, "variant="+k.Variant)
	}

	return strings.Join(parts, ":")
}
