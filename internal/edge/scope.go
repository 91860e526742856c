package edge

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Request headers never forwarded when filling the cache: the stored copy
// must be a full 200 regardless of what the caller already holds.
var cacheFillDropHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// requestScope maps an intercepted GET onto the cache.
type requestScope struct {
	uri    string      // origin request URI
	key    string      // cache and coalescing key
	scoped bool        // key belongs to one set of credentials
	header http.Header // headers sent to the origin
}

// scopeRequest keys anonymous requests by URI alone and strips their
// cookies, so the shared copy is the anonymous one. Requests with
// credentials get a key suffixed with a digest of those credentials and
// keep them when talking to the origin.
func (e *Engine) scopeRequest(r *http.Request) requestScope {
	uri := r.URL.RequestURI()
	h := r.Header.Clone()
	for _, name := range cacheFillDropHeaders {
		h.Del(name)
	}

	cred := e.credentials(r)
	if cred == "" {
		h.Del("Cookie")
		return requestScope{uri: uri, key: uri, header: h}
	}
	sum := sha256.Sum256([]byte(cred))
	return requestScope{
		uri:    uri,
		key:    uri + "#cred=" + hex.EncodeToString(sum[:16]),
		scoped: true,
		header: h,
	}
}

func (e *Engine) credentials(r *http.Request) string {
	var b strings.Builder
	if v := r.Header.Get("Authorization"); v != "" {
		b.WriteString("authorization\x00")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	for _, name := range e.cfg.Cache.CredentialCookies {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			b.WriteString("cookie\x00")
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(c.Value)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// storable reports whether ent may be written under a key of the given
// scope. Shared keys never hold private responses or responses that set
// cookies.
func storable(ent CacheEntry, scoped bool) bool {
	if !cacheable(ent) {
		return false
	}
	if scoped {
		return true
	}
	return !hasCacheDirective(ent.Header, "private") && len(ent.Header.Values("Set-Cookie")) == 0
}

// hasCacheDirective reports whether Cache-Control carries directive,
// with or without an argument.
func hasCacheDirective(h http.Header, directive string) bool {
	for _, line := range h.Values("Cache-Control") {
		for _, d := range strings.Split(line, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(d), "=")
			if strings.EqualFold(name, directive) {
				return true
			}
		}
	}
	return false
}
