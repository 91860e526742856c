package edge

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"findpharma-edge/internal/geo"
	"findpharma-edge/pkg/logging"
)

// augment adds distance labels to JSON search results when the request
// carries a user position and the path is one of geo.augmentPaths.
func (e *Engine) augment(ctx context.Context, r *http.Request, ent CacheEntry) CacheEntry {
	if !isSuccess(ent.Status) || !e.shouldAugment(r.URL.Path) {
		return ent
	}
	if !strings.Contains(strings.ToLower(ent.Header.Get("Content-Type")), "json") {
		return ent
	}
	pos := geo.PositionFromQuery(r.URL.Query())
	if !pos.Complete() {
		return ent
	}

	body, changed, err := geo.AugmentJSON(ent.Body, pos)
	if err != nil {
		logging.FromContext(ctx, e.logger).Debug("augment skipped", zap.Error(err))
		return ent
	}
	if !changed {
		return ent
	}
	out := ent
	out.Header = cloneHeader(ent.Header)
	out.Body = body
	out.Hash32 = 0
	return out
}

func (e *Engine) shouldAugment(path string) bool {
	for _, p := range e.augmentPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
