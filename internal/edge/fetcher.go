package edge

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is one origin round-trip. URI is the path plus query.
type Request struct {
	Method string
	URI    string
	Header http.Header
	Body   []byte
}

// Fetcher performs network round-trips to the origin. Any returned error
// means the network is unavailable; HTTP error statuses are not errors.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (CacheEntry, error)
}

// OriginFetcher fetches from a fixed origin base URL.
type OriginFetcher struct {
	origin string
	client *http.Client
	clock  Clock
}

func NewOriginFetcher(origin string, timeout time.Duration) *OriginFetcher {
	return &OriginFetcher{
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{Timeout: timeout},
		clock:  systemClock{},
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r Request) (CacheEntry, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.origin+r.URI, body)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	now := f.clock.Now()
	ent := CacheEntry{
		Status:        resp.StatusCode,
		Header:        cloneHeader(resp.Header),
		Body:          b,
		StoredAt:      now,
		Hash32:        crc32.ChecksumIEEE(b),
		RevalidatedAt: now,
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, ok := hopByHop[http.CanonicalHeaderKey(k)]; ok {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// cacheable reports whether a network response may be stored at all.
// See storable for the per-scope rules.
func cacheable(ent CacheEntry) bool {
	return isSuccess(ent.Status) && !hasCacheDirective(ent.Header, "no-store")
}
