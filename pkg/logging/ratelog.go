package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimited drops repeated warnings of the same message that arrive
// within interval of the previous one. Suppressed calls are counted and
// reported with the next emitted line.
type RateLimited struct {
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     map[string]time.Time
	suppressed map[string]int
}

func NewRateLimited(logger *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{
		logger:     logger,
		interval:   interval,
		lastAt:     map[string]time.Time{},
		suppressed: map[string]int{},
	}
}

func (l *RateLimited) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.lastAt[msg]; ok && now.Sub(last) < l.interval {
		l.suppressed[msg]++
		l.mu.Unlock()
		return
	}
	l.lastAt[msg] = now
	dropped := l.suppressed[msg]
	delete(l.suppressed, msg)
	l.mu.Unlock()

	if dropped > 0 {
		fields = append(fields, zap.Int("suppressed", dropped))
	}
	l.logger.Warn(msg, fields...)
}
