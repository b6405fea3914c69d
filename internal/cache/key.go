package cache

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// Namespace returns the key prefix under which all cached responses for
// a service live. RemoveByPrefix on this prefix invalidates the service.
func Namespace(service string) string {
	return "svc:" + service + ":"
}

// BuildKey derives the deterministic cache key for a request. The key
// covers service, method, normalized path and sorted query parameters.
// Headers never participate, so header order and casing cannot split
// the cache.
func BuildKey(service, method, rawPath string, query url.Values) string {
	var b strings.Builder
	b.WriteString(Namespace(service))
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(NormalizePath(rawPath))

	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('?')
		for i, k := range keys {
			values := append([]string(nil), query[k]...)
			sort.Strings(values)
			for j, v := range values {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(k)
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}

	return b.String()
}

// NormalizePath collapses "." and ".." segments, ensures a leading
// slash and strips any trailing slash so that path variants map to the
// same key.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	// path.Clean also strips any trailing slash (except for "/").
	return path.Clean(p)
}
