package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"findpharma-edge/internal/metrics"
)

// Lifecycle states of one cache version.
const (
	StateNew        = "new"
	StateInstalling = "installing"
	StateInstalled  = "installed"
	StateActivated  = "activated"
)

type lifecycleState struct {
	mu          sync.Mutex
	state       string
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
}

func (l *lifecycleState) set(state string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	switch state {
	case StateInstalled:
		l.installedAt = at
	case StateActivated:
		l.activatedAt = at
	}
}

func (l *lifecycleState) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == "" {
		return StateNew
	}
	return l.state
}

// InstallReport summarises one pre-cache run.
type InstallReport struct {
	Cached     int      `json:"cached"`
	Failed     []string `json:"failed,omitempty"`
	Discovered int      `json:"discovered"`
}

// State returns the lifecycle state of the current cache version.
func (e *Engine) State() string { return e.lifecycle.get() }

// Controller names the cache version that serves clients after Activate.
func (e *Engine) Controller() string {
	return fmt.Sprintf("%s-v%d", e.cfg.Cache.Namespace, e.cfg.Cache.Version)
}

// SkipWaiting marks the installed version ready to activate at once.
func (e *Engine) SkipWaiting() {
	e.lifecycle.mu.Lock()
	e.lifecycle.skipWaiting = true
	e.lifecycle.mu.Unlock()
}

// ShouldActivate reports whether an installed version may activate
// without waiting for an explicit activate event.
func (e *Engine) ShouldActivate() bool {
	e.lifecycle.mu.Lock()
	defer e.lifecycle.mu.Unlock()
	return e.lifecycle.state == StateInstalled && e.lifecycle.skipWaiting
}

// Install opens the live partitions and pre-caches the shell manifest into
// the static partition and sitemap pages into the dynamic one. Fetch
// failures are logged and reported, never returned.
func (e *Engine) Install(ctx context.Context) (InstallReport, error) {
	e.lifecycle.set(StateInstalling, e.clock.Now())
	for _, p := range e.parts.Live() {
		if err := e.store.Open(ctx, p); err != nil {
			return InstallReport{}, fmt.Errorf("open partition %s: %w", p, err)
		}
	}

	var (
		mu     sync.Mutex
		report InstallReport
	)
	precache := func(partition, key string) {
		rs := requestScope{uri: key, key: key}
		ent, err := e.fetcher.Fetch(ctx, Request{Method: http.MethodGet, URI: key})
		switch {
		case err != nil:
		case !isSuccess(ent.Status):
			err = fmt.Errorf("status %d", ent.Status)
		case !storable(ent, false):
			err = errors.New("response is not shareable")
		}
		if err != nil {
			e.logger.Warn("precache failed",
				zap.String("partition", partition),
				zap.String("key", key),
				zap.Error(err),
			)
			mu.Lock()
			report.Failed = append(report.Failed, key)
			mu.Unlock()
			return
		}
		ent.RevalidatedBy = "install"
		e.storeCopy(ctx, partition, rs, ent)
		mu.Lock()
		report.Cached++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Precache.Parallelism)

	seen := map[string]struct{}{}
	for _, key := range e.cfg.Precache.Manifest {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		g.Go(func() error {
			precache(e.parts.Static, key)
			return nil
		})
	}

	pages, err := e.discoverPages(ctx)
	if err != nil {
		e.logger.Warn("sitemap discovery failed", zap.Error(err))
	}
	for _, p := range pages {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if e.classifier.Classify(http.MethodGet, p) != KindPage {
			continue
		}
		report.Discovered++
		g.Go(func() error {
			precache(e.parts.Dynamic, p)
			return nil
		})
	}
	_ = g.Wait()

	if *e.cfg.Precache.SkipWaiting {
		e.SkipWaiting()
	}
	e.lifecycle.set(StateInstalled, e.clock.Now())
	e.logger.Info("install complete",
		zap.String("controller", e.Controller()),
		zap.Int("cached", report.Cached),
		zap.Int("failed", len(report.Failed)),
		zap.Int("discovered", report.Discovered),
	)
	return report, nil
}

// Activate drops every partition that is not one of the live ones and
// claims connected clients for this version. It returns the dropped names.
func (e *Engine) Activate(ctx context.Context) ([]string, error) {
	names, err := e.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var (
		dropped []string
		errs    []error
	)
	for _, name := range names {
		if e.parts.IsLive(name) {
			continue
		}
		if err := e.store.Drop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", name, err))
			continue
		}
		dropped = append(dropped, name)
		metrics.PartitionsDropped.Inc()
		e.logger.Info("dropped stale partition", zap.String("partition", name))
	}
	for _, p := range e.parts.Live() {
		if err := e.store.Open(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", p, err))
		}
	}
	e.lifecycle.set(StateActivated, e.clock.Now())

	claimed := 0
	if e.claimer != nil {
		claimed = e.claimer.Claim(ctx, e.Controller())
	}
	e.logger.Info("activated",
		zap.String("controller", e.Controller()),
		zap.Strings("dropped", dropped),
		zap.Int("claimed", claimed),
	)
	return dropped, errors.Join(errs...)
}
