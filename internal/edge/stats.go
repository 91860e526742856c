package edge

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// statsCollector tracks body sizes of responses served from the cache
// or the network.
type statsCollector struct {
	count atomic.Uint64
	total atomic.Uint64
	minB  atomic.Uint64
	maxB  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minB.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	v := uint64(max(n, 0))
	s.count.Add(1)
	s.total.Add(v)
	for cur := s.minB.Load(); v < cur && !s.minB.CompareAndSwap(cur, v); cur = s.minB.Load() {
	}
	for cur := s.maxB.Load(); v > cur && !s.maxB.CompareAndSwap(cur, v); cur = s.maxB.Load() {
	}
}

type statsSnapshot struct {
	Responses uint64
	Total     uint64
	Min       uint64
	Max       uint64
	Avg       uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	n := s.count.Load()
	if n == 0 {
		return statsSnapshot{}
	}
	total := s.total.Load()
	return statsSnapshot{
		Responses: n,
		Total:     total,
		Min:       s.minB.Load(),
		Max:       s.maxB.Load(),
		Avg:       total / n,
	}
}

func (e *Engine) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			e.logStats()
		}
	}
}

func (e *Engine) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := e.stats.Snapshot()
	fields := []zap.Field{
		zap.String("controller", e.Controller()),
		zap.Bool("online", e.online.Online()),
		zap.Uint64("responses", snap.Responses),
		zap.String("resp_min", formatBytes(snap.Min)),
		zap.String("resp_avg", formatBytes(snap.Avg)),
		zap.String("resp_max", formatBytes(snap.Max)),
	}
	for _, p := range e.parts.Live() {
		keys, err := e.store.Keys(ctx, p)
		if err != nil {
			e.warnLog.Warn("stats: list keys failed", zap.String("partition", p), zap.Error(err))
			continue
		}
		fields = append(fields, zap.Int("keys_"+p, len(keys)))
	}
	e.logger.Info("stats", fields...)
}
