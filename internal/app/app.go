// Package app assembles the edge: store, engine, sync queue, push hub,
// lifecycle dispatcher and HTTP router.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"findpharma-edge/internal/bgsync"
	"findpharma-edge/internal/edge"
	"findpharma-edge/internal/handlers"
	"findpharma-edge/internal/httpserver"
	"findpharma-edge/internal/lifecycle"
	"findpharma-edge/internal/push"
)

type App struct {
	cfg    edge.Config
	logger *zap.Logger

	Engine     *edge.Engine
	Queue      bgsync.Queue
	Syncer     *bgsync.Syncer
	Hub        *push.Hub
	Dispatcher *lifecycle.Dispatcher
	Router     http.Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	store   edge.PartitionStore
	fetcher edge.Fetcher
	poster  bgsync.Poster
}

func WithStore(s edge.PartitionStore) Option { return func(o *options) { o.store = s } }

func WithFetcher(f edge.Fetcher) Option { return func(o *options) { o.fetcher = f } }

func WithPoster(p bgsync.Poster) Option { return func(o *options) { o.poster = p } }

func New(ctx context.Context, cfg edge.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = edge.OpenStore(ctx, cfg, logger.Named("store")); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = edge.NewOriginFetcher(cfg.Server.Origin, cfg.FetchTimeout())
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		Dispatcher: lifecycle.NewDispatcher(),
		Hub: push.NewHub(push.Settings{
			AppName: cfg.Push.AppName,
			Icon:    cfg.Push.Icon,
			Badge:   cfg.Push.Badge,
			Vibrate: cfg.Push.Vibrate,
		}, logger.Named("push")),
	}

	engineOpts := []edge.Option{
		edge.WithLogger(logger.Named("edge")),
		edge.WithClaimer(a.Hub),
	}
	if cfg.Sync.Enabled {
		q, err := openQueue(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.Queue = q
		poster := o.poster
		if poster == nil {
			poster = bgsync.NewHTTPPoster(cfg.Server.Origin+cfg.Sync.Endpoint, cfg.FetchTimeout())
		}
		a.Syncer = bgsync.NewSyncer(q, poster,
			bgsync.WithLogger(logger.Named("bgsync")),
			bgsync.WithTag(cfg.Sync.Tag),
			bgsync.WithRate(cfg.Sync.RatePerSecond, cfg.Sync.Burst),
		)
		engineOpts = append(engineOpts,
			edge.WithReservationQueue(q),
			edge.WithReconnect(a.onReconnect),
		)
	}

	engine, err := edge.NewEngine(cfg, store, fetcher, engineOpts...)
	if err != nil {
		_ = store.Close()
		if a.Queue != nil {
			_ = a.Queue.Close()
		}
		return nil, err
	}
	a.Engine = engine
	a.registerEvents()

	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Deps{
		Admin:        handlers.NewAdminHandler(a.Dispatcher, a.Queue, a.Hub, engine),
		Reservations: a.Queue != nil,
		AdminToken:   cfg.Server.AdminToken,
		Edge:         engine.Handler(),
	})
	a.Router = r
	return a, nil
}

func openQueue(cfg edge.Config) (bgsync.Queue, error) {
	if cfg.Sync.QueuePath == "" {
		return bgsync.NewMemoryQueue(), nil
	}
	q, err := bgsync.OpenSQLiteQueue(cfg.Sync.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open reservation queue: %w", err)
	}
	return q, nil
}

func (a *App) registerEvents() {
	d := a.Dispatcher
	d.On(lifecycle.Install, func(ctx context.Context, _ lifecycle.Event) (any, error) {
		return a.Engine.Install(ctx)
	})
	d.On(lifecycle.Activate, func(ctx context.Context, _ lifecycle.Event) (any, error) {
		dropped, err := a.Engine.Activate(ctx)
		return map[string]any{"dropped": dropped, "controller": a.Engine.Controller()}, err
	})
	d.On(lifecycle.Push, func(_ context.Context, ev lifecycle.Event) (any, error) {
		return a.Hub.Push(ev.Data), nil
	})
	d.On(lifecycle.NotificationClick, func(ctx context.Context, ev lifecycle.Event) (any, error) {
		var c push.Click
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &c); err != nil {
				return nil, fmt.Errorf("decode click: %w", err)
			}
		}
		return a.Hub.Click(ctx, c)
	})
	if a.Syncer != nil {
		d.On(lifecycle.Sync, func(ctx context.Context, ev lifecycle.Event) (any, error) {
			tag := ev.Tag
			if tag == "" {
				tag = a.Syncer.Tag()
			}
			return a.Syncer.Sync(ctx, tag)
		})
	}
}

// onReconnect raises the sync event when the origin is reachable again.
func (a *App) onReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FetchTimeout()*10)
	defer cancel()
	a.logger.Info("origin reachable again, syncing reservations")
	if _, err := a.Dispatcher.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.Sync, Tag: a.cfg.Sync.Tag}); err != nil {
		a.logger.Info("reconnect sync incomplete", zap.Error(err))
	}
}

// Start runs install, activates when the version does not need to wait,
// and starts the periodic sync loop.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Dispatcher.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.Install}); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if a.Engine.ShouldActivate() {
		if _, err := a.Dispatcher.Dispatch(ctx, lifecycle.Event{Kind: lifecycle.Activate}); err != nil {
			a.logger.Warn("activate incomplete", zap.Error(err))
		}
	} else {
		a.logger.Info("installed version waiting for activate event",
			zap.String("controller", a.Engine.Controller()))
	}

	if a.Syncer != nil {
		loopCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Syncer.Loop(loopCtx, a.cfg.SyncInterval())
		}()
		a.Syncer.Trigger()
	}
	return nil
}

func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Hub.Close()

	var errs []error
	if err := a.Engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	return errors.Join(errs...)
}
