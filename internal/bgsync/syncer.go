package bgsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"findpharma-edge/internal/metrics"
)

// DefaultTag is the sync tag that flushes the reservation queue.
const DefaultTag = "sync-reservations"

// ErrServerStatus is returned when the backend answers 5xx; the item
// stays queued.
var ErrServerStatus = errors.New("bgsync: server error")

// Poster sends one queued reservation and returns the HTTP status.
// A returned error means the network is unavailable.
type Poster interface {
	Post(ctx context.Context, it Item) (int, error)
}

// HTTPPoster POSTs payloads as JSON to a fixed reservation URL.
type HTTPPoster struct {
	url    string
	client *http.Client
}

func NewHTTPPoster(url string, timeout time.Duration) *HTTPPoster {
	return &HTTPPoster{url: url, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPPoster) Post(ctx context.Context, it Item) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", it.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Report is the outcome of one sync run.
type Report struct {
	Sent      int `json:"sent"`
	Rejected  int `json:"rejected"`
	Remaining int `json:"remaining"`
}

type Option func(*Syncer)

func WithLogger(l *zap.Logger) Option { return func(s *Syncer) { s.logger = l } }

func WithTag(tag string) Option { return func(s *Syncer) { s.tag = tag } }

// WithRate paces sends with a token bucket.
func WithRate(perSecond float64, burst int) Option {
	return func(s *Syncer) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1)) }
}

// Syncer replays the queue against the backend, one item at a time.
type Syncer struct {
	queue   Queue
	poster  Poster
	limiter *rate.Limiter
	tag     string
	logger  *zap.Logger

	runMu   sync.Mutex
	trigger chan struct{}
}

func NewSyncer(q Queue, p Poster, opts ...Option) *Syncer {
	s := &Syncer{
		queue:   q,
		poster:  p,
		limiter: rate.NewLimiter(rate.Inf, 1),
		tag:     DefaultTag,
		logger:  zap.NewNop(),
		trigger: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Syncer) Tag() string { return s.tag }

// Sync flushes the queue for tag. Items go out strictly in order. A
// confirmed item (2xx) is acked at once; a rejected one (4xx) is logged
// and acked too since retrying cannot help. A network error or 5xx stops
// the run and leaves that item and everything after it queued.
// Other tags are ignored.
func (s *Syncer) Sync(ctx context.Context, tag string) (Report, error) {
	if tag != s.tag {
		s.logger.Debug("sync tag ignored", zap.String("tag", tag))
		return Report{}, nil
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	items, err := s.queue.PeekAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read queue: %w", err)
	}

	var rep Report
	for i, it := range items {
		if err := s.limiter.Wait(ctx); err != nil {
			rep.Remaining = len(items) - i
			return rep, err
		}

		status, err := s.poster.Post(ctx, it)
		if err == nil && status >= 500 {
			err = fmt.Errorf("%w: status %d", ErrServerStatus, status)
		}
		if err != nil {
			metrics.SyncItems.WithLabelValues("failed").Inc()
			s.logger.Warn("reservation sync failed, keeping queue",
				zap.String("id", it.ID),
				zap.Int("remaining", len(items)-i),
				zap.Error(err),
			)
			rep.Remaining = len(items) - i
			return rep, fmt.Errorf("sync %s: %w", it.ID, err)
		}

		if status >= 400 {
			metrics.SyncItems.WithLabelValues("rejected").Inc()
			s.logger.Warn("reservation rejected by backend",
				zap.String("id", it.ID),
				zap.Int("status", status),
				zap.String("payload", truncate(string(it.Payload), 256)),
			)
			rep.Rejected++
		} else {
			metrics.SyncItems.WithLabelValues("sent").Inc()
			rep.Sent++
		}
		if err := s.queue.Ack(ctx, it.ID); err != nil {
			rep.Remaining = len(items) - i
			return rep, err
		}
	}

	if rep.Sent+rep.Rejected > 0 {
		s.logger.Info("reservation queue flushed",
			zap.Int("sent", rep.Sent),
			zap.Int("rejected", rep.Rejected),
		)
	}
	return rep, nil
}

// Trigger asks Loop to run a sync soon. It never blocks.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Loop syncs on every tick while items are pending, and whenever
// Trigger is called, until ctx is done.
func (s *Syncer) Loop(ctx context.Context, every time.Duration) {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-s.trigger:
		}
		n, err := s.queue.Len(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			s.logger.Warn("queue length failed", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}
		if _, err := s.Sync(ctx, s.tag); err != nil && ctx.Err() == nil {
			s.logger.Info("sync incomplete, will retry", zap.Error(err))
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
