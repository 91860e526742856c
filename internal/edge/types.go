package edge

import (
	"fmt"
	"net/http"
	"time"
)

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	Hash32   uint32

	// RevalidatedAt is the last time the entry was fetched from the origin.
	RevalidatedAt time.Time

	// RevalidatedBy is what triggered that fetch: "user", "background" or
	// "install".
	RevalidatedBy string
}

func (e CacheEntry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n + 64
}

// ResourceKind is the classification of an outbound request.
type ResourceKind int

const (
	KindPassthrough ResourceKind = iota
	KindAPI
	KindStatic
	KindPage
)

func (k ResourceKind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindStatic:
		return "static"
	case KindPage:
		return "page"
	}
	return "passthrough"
}

// Values of the X-FindPharma-Cache response header.
const (
	resultHit        = "hit"
	resultMiss       = "miss"
	resultStale      = "stale"
	resultNetwork    = "network"
	resultFallback   = "fallback"
	resultOffline    = "offline"
	resultBypass     = "bypass"
	resultQueued     = "queued"
	resultBadGateway = "bad-gateway"
)

// Partitions holds the three live partition names of one deployment.
type Partitions struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
	API     string `json:"api"`
}

func NewPartitions(namespace string, version int) Partitions {
	return Partitions{
		Static:  fmt.Sprintf("%s-static-v%d", namespace, version),
		Dynamic: fmt.Sprintf("%s-dynamic-v%d", namespace, version),
		API:     fmt.Sprintf("%s-api-v%d", namespace, version),
	}
}

func (p Partitions) Live() []string {
	return []string{p.Static, p.Dynamic, p.API}
}

func (p Partitions) IsLive(name string) bool {
	return name == p.Static || name == p.Dynamic || name == p.API
}

func (p Partitions) For(kind ResourceKind) string {
	switch kind {
	case KindAPI:
		return p.API
	case KindStatic:
		return p.Static
	}
	return p.Dynamic
}

// Clock is injected so tests can control entry timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
