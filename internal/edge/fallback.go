package edge

import (
	"context"
	"net/http"
)

const builtinOfflineHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>FindPharma - Offline</title></head>
<body>
<h1>You are offline</h1>
<p>FindPharma cannot reach the network right now. Pages you visited recently are still available. Try again once your connection is back.</p>
</body>
</html>
`

const offlineAPIBody = `{"error":"Offline","message":"You are offline. Check your internet connection and try again.","offline":true}`

// offlinePage answers a failed page or asset request with the pre-cached
// offline document, or with a built-in one when that is missing too.
func (e *Engine) offlinePage(ctx context.Context) served {
	if ent, ok := e.lookup(ctx, e.parts.Static, e.cfg.Precache.OfflinePage); ok {
		return served{ent: ent, result: resultOffline}
	}
	e.warnLog.Warn("offline page not cached, using built-in copy")
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return served{
		ent:    CacheEntry{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(builtinOfflineHTML)},
		result: resultOffline,
	}
}

func offlineAPIResponse() CacheEntry {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return CacheEntry{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte(offlineAPIBody),
	}
}
