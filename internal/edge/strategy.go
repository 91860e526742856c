package edge

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"findpharma-edge/internal/metrics"
	"findpharma-edge/pkg/logging"
)

// cacheFirst serves static assets: cache, else network (stored when
// storable), else the offline page.
func (e *Engine) cacheFirst(ctx context.Context, rs requestScope, partition string) served {
	if ent, ok := e.lookup(ctx, partition, rs.key); ok {
		return served{ent: ent, result: resultHit}
	}
	fresh, err := e.fetch(ctx, rs, KindStatic, partition)
	if err != nil {
		return e.offlinePage(ctx)
	}
	e.storeCopy(ctx, partition, rs, fresh)
	return served{ent: fresh, result: resultMiss}
}

// networkFirst serves API calls: network (stored when storable), else
// the cached copy, else a synthetic 503 JSON body.
func (e *Engine) networkFirst(ctx context.Context, rs requestScope, partition string) served {
	fresh, err := e.fetch(ctx, rs, KindAPI, partition)
	if err == nil {
		e.storeCopy(ctx, partition, rs, fresh)
		return served{ent: fresh, result: resultNetwork}
	}
	if ent, ok := e.lookup(ctx, partition, rs.key); ok {
		return served{ent: ent, result: resultFallback}
	}
	e.warnLog.Warn("api offline, no cached copy", zap.String("key", rs.uri))
	return served{ent: offlineAPIResponse(), result: resultOffline}
}

// staleWhileRevalidate serves pages: the cached copy at once while a
// background fetch refreshes it, else network, else the offline page.
// Shell documents pre-cached at install live in the static partition and
// count as cached copies too.
func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request, rs requestScope, partition string) served {
	ent, ok := e.lookup(ctx, partition, rs.key)
	if !ok {
		ent, ok = e.lookup(ctx, e.parts.Static, rs.uri)
	}
	if ok {
		if !e.shouldRevalidate(r.URL.Path, ent) {
			return served{ent: ent, result: resultHit}
		}
		e.revalidateAsync(partition, rs)
		return served{ent: ent, result: resultStale}
	}
	fresh, err := e.fetch(ctx, rs, KindPage, partition)
	if err != nil {
		return e.offlinePage(ctx)
	}
	e.storeCopy(ctx, partition, rs, fresh)
	return served{ent: fresh, result: resultMiss}
}

// fetch goes to the origin for a user request. Concurrent misses on the
// same key share one round-trip, which outlives a departing caller so the
// result still lands in the cache.
func (e *Engine) fetch(ctx context.Context, rs requestScope, kind ResourceKind, partition string) (CacheEntry, error) {
	v, err, _ := e.flight.Do(compositeKey(partition, rs.key), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Cache.fetchTimeoutDur)
		defer cancel()
		return e.fetcher.Fetch(fctx, Request{Method: http.MethodGet, URI: rs.uri, Header: rs.header})
	})
	e.observeNetwork(ctx, kind, rs.uri, err)
	if err != nil {
		return CacheEntry{}, err
	}
	ent := v.(CacheEntry)
	ent.RevalidatedBy = "user"
	return ent, nil
}

func (e *Engine) observeNetwork(ctx context.Context, kind ResourceKind, key string, err error) {
	if err == nil {
		e.online.observe(true)
		return
	}
	metrics.NetworkFailures.WithLabelValues(kind.String()).Inc()
	if e.online.observe(false) {
		logging.FromContext(ctx, e.logger).Warn("origin unreachable, serving from cache",
			zap.String("kind", kind.String()),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (e *Engine) lookup(ctx context.Context, partition, key string) (CacheEntry, bool) {
	ent, ok, err := e.store.Get(ctx, partition, key)
	if err != nil {
		e.warnLog.Warn("cache read failed",
			zap.String("partition", partition),
			zap.String("key", key),
			zap.Error(err),
		)
		return CacheEntry{}, false
	}
	return ent, ok
}

// storeCopy writes ent when it is storable under the scope of rs.
// Failures are logged and never affect the response.
func (e *Engine) storeCopy(ctx context.Context, partition string, rs requestScope, ent CacheEntry) {
	if !storable(ent, rs.scoped) {
		return
	}
	if err := e.store.Put(ctx, partition, rs.key, ent); err != nil {
		metrics.CacheWriteFailures.Inc()
		e.warnLog.Warn("cache write failed",
			zap.String("partition", partition),
			zap.String("key", rs.uri),
			zap.Error(err),
		)
	}
}

// shouldRevalidate applies the minimum age from the matching rule, or the
// global cache.revalidateAfter.
func (e *Engine) shouldRevalidate(path string, ent CacheEntry) bool {
	minAge := e.cfg.Cache.revalidateAfterDur
	if rule := e.cfg.pickRule(path); rule != nil && rule.expDur > 0 {
		minAge = rule.expDur
	}
	if minAge <= 0 {
		return true
	}
	last := ent.RevalidatedAt
	if last.IsZero() {
		last = ent.StoredAt
	}
	return e.clock.Now().Sub(last) >= minAge
}

// revalidateAsync starts at most one background refresh per key, bounded
// by the background semaphore. It never blocks the caller.
func (e *Engine) revalidateAsync(partition string, rs requestScope) {
	select {
	case <-e.stopCh:
		return
	default:
	}

	ck := compositeKey(partition, rs.key)
	e.refreshMu.Lock()
	if _, busy := e.refreshing[ck]; busy {
		e.refreshMu.Unlock()
		return
	}
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.refreshMu.Unlock()
		return
	}
	e.refreshing[ck] = struct{}{}
	e.refreshMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			<-e.bgSem
			e.refreshMu.Lock()
			delete(e.refreshing, ck)
			e.refreshMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Cache.fetchTimeoutDur)
		defer cancel()
		e.revalidateOnce(ctx, partition, rs)
	}()
}

func (e *Engine) revalidateOnce(ctx context.Context, partition string, rs requestScope) {
	fresh, err := e.fetcher.Fetch(ctx, Request{Method: http.MethodGet, URI: rs.uri, Header: rs.header})
	e.observeNetwork(ctx, KindPage, rs.uri, err)
	if err != nil || !storable(fresh, rs.scoped) {
		return
	}
	fresh.RevalidatedBy = "background"

	if cur, ok := e.lookup(ctx, partition, rs.key); ok && cur.Hash32 == fresh.Hash32 {
		cur.RevalidatedAt = fresh.RevalidatedAt
		cur.RevalidatedBy = fresh.RevalidatedBy
		fresh = cur
	}
	e.storeCopy(ctx, partition, rs, fresh)
}

// waitBackground blocks until in-flight refreshes finish or d elapses.
// Used by tests and by shutdown paths that want the cache settled.
func (e *Engine) waitBackground(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		e.refreshMu.Lock()
		n := len(e.refreshing)
		e.refreshMu.Unlock()
		if n == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
