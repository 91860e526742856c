package edge

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"findpharma-edge/internal/bgsync"
	"findpharma-edge/internal/metrics"
	"findpharma-edge/pkg/logging"
)

// ClientClaimer is told when a new cache version takes control so that
// open pages can switch to it.
type ClientClaimer interface {
	Claim(ctx context.Context, controller string) int
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithReservationQueue enables capture of reservation POSTs that fail
// because the origin is unreachable.
func WithReservationQueue(q bgsync.Queue) Option { return func(e *Engine) { e.queue = q } }

func WithClaimer(c ClientClaimer) Option { return func(e *Engine) { e.claimer = c } }

// WithReconnect registers fn to run when the origin becomes reachable
// again after a failed round-trip.
func WithReconnect(fn func()) Option { return func(e *Engine) { e.online.onReconnect = fn } }

// Engine is the cache strategy engine. It intercepts GET requests, applies
// cache-first, network-first or stale-while-revalidate per resource kind,
// and proxies everything else to the origin.
type Engine struct {
	cfg        Config
	parts      Partitions
	classifier *Classifier
	store      PartitionStore
	fetcher    Fetcher
	clock      Clock
	logger     *zap.Logger
	warnLog    *logging.RateLimited
	proxy      *httputil.ReverseProxy
	queue      bgsync.Queue
	claimer    ClientClaimer

	flight singleflight.Group

	bgSem        chan struct{}
	refreshMu    sync.Mutex
	refreshing   map[string]struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	online       *connectivity
	stats        *statsCollector
	lifecycle    *lifecycleState
	augmentPaths []string
}

func NewEngine(cfg Config, store PartitionStore, fetcher Fetcher, opts ...Option) (*Engine, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		parts:        NewPartitions(cfg.Cache.Namespace, cfg.Cache.Version),
		classifier:   NewClassifier(cfg),
		store:        store,
		fetcher:      fetcher,
		clock:        systemClock{},
		logger:       zap.NewNop(),
		refreshing:   map[string]struct{}{},
		bgSem:        make(chan struct{}, cfg.Cache.MaxBackground),
		stopCh:       make(chan struct{}),
		online:       &connectivity{},
		stats:        newStatsCollector(),
		lifecycle:    &lifecycleState{},
		augmentPaths: cfg.Geo.AugmentPaths,
	}
	for _, o := range opts {
		o(e)
	}
	e.warnLog = logging.NewRateLimited(e.logger, time.Minute)
	e.proxy = e.newReverseProxy(origin)

	if every := cfg.StatsEvery(); every > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.statsLoop(every)
		}()
	}
	return e, nil
}

func (e *Engine) Partitions() Partitions { return e.parts }

// Online reports whether the last origin round-trip succeeded.
func (e *Engine) Online() bool { return e.online.Online() }

// Close waits for background refreshes and closes the store.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	return e.store.Close()
}

func (e *Engine) Handler() http.Handler {
	return http.HandlerFunc(e.handle)
}

// served is what a strategy decided to answer.
type served struct {
	ent    CacheEntry
	result string
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	kind := e.classifyRequest(r)
	if kind == KindPassthrough {
		if e.captureReservation(w, r) {
			return
		}
		e.passThrough(w, r)
		return
	}

	ctx := r.Context()
	rs := e.scopeRequest(r)
	partition := e.parts.For(kind)

	var res served
	switch kind {
	case KindStatic:
		res = e.cacheFirst(ctx, rs, partition)
	case KindAPI:
		res = e.networkFirst(ctx, rs, partition)
		res.ent = e.augment(ctx, r, res.ent)
	default:
		res = e.staleWhileRevalidate(ctx, r, rs, partition)
	}

	metrics.CacheResults.WithLabelValues(strategyName(kind), res.result).Inc()
	e.writeEntry(w, res.ent, res.result)
}

func (e *Engine) classifyRequest(r *http.Request) ResourceKind {
	if isUpgrade(r) {
		return KindPassthrough
	}
	kind := e.classifier.Classify(r.Method, r.URL.String())
	if kind == KindPassthrough {
		return kind
	}
	if rule := e.cfg.pickRule(r.URL.Path); rule != nil && hasAnyCookie(r, rule.BypassWhenCookies) {
		return KindPassthrough
	}
	return kind
}

func strategyName(kind ResourceKind) string {
	switch kind {
	case KindStatic:
		return "cache-first"
	case KindAPI:
		return "network-first"
	}
	return "stale-while-revalidate"
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) writeEntry(w http.ResponseWriter, ent CacheEntry, result string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeader(w.Header(), result)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)

	switch result {
	case resultHit, resultMiss, resultStale, resultNetwork, resultFallback:
		e.stats.Observe(len(ent.Body))
	}
}

const cacheHeader = "X-FindPharma-Cache"

func setCacheHeader(h http.Header, result string) {
	if result != "" {
		h.Set(cacheHeader, result)
	}
	ensureExposedHeader(h, cacheHeader)
}

// ensureExposedHeader makes name readable from page scripts under CORS.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
