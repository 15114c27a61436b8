// Package engine wires the sync components into one client-side service.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"trialsync/internal/cache"
	"trialsync/internal/clock"
	"trialsync/internal/config"
	"trialsync/internal/connectivity"
	"trialsync/internal/domain"
	"trialsync/internal/events"
	"trialsync/internal/logging"
	"trialsync/internal/models"
	"trialsync/internal/optimistic"
	"trialsync/internal/queue"
	"trialsync/internal/reconcile"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RecordKey is the cache key of a record's authoritative state.
func RecordKey(recordID string) string {
	return cache.Key("record", recordID)
}

type Deps struct {
	Store     domain.DurableStore
	Committer domain.Committer
	// Source drives the connectivity monitor. Without one the engine stays
	// in its initial state until Observe is called.
	Source          domain.ConnectivitySource
	Feed            domain.UpdateFeed
	InitiallyOnline bool
	Clock           clock.Clock
	Logger          *zerolog.Logger
}

type Engine struct {
	Bus         *events.EventBus
	Monitor     *connectivity.Monitor
	Queue       *queue.Queue
	Coordinator *optimistic.Coordinator
	Overlays    *reconcile.Overlays
	Records     *cache.Cache[json.RawMessage]
	Prefetch    *cache.Prefetcher[json.RawMessage]
	Revalidator *cache.Revalidator[json.RawMessage]

	source  domain.ConnectivitySource
	feed    domain.UpdateFeed
	ttl     time.Duration
	persist bool
	logger  *zerolog.Logger

	// runMu guards runCtx and every bg.Add, so no work starts once Run
	// has begun waiting for it.
	runMu  sync.Mutex
	runCtx context.Context
	bg     sync.WaitGroup
}

// Status is a snapshot for status displays.
type Status struct {
	Connection      models.ConnectionState `json:"connection"`
	Queue           models.QueueStats      `json:"queue"`
	Draining        bool                   `json:"draining"`
	PendingOverlays int                    `json:"pending_overlays"`
}

func New(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Store == nil || deps.Committer == nil {
		return nil, errors.New("store and committer are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	bus := events.NewEventBus()
	monitor := connectivity.NewMonitor(deps.InitiallyOnline, logging.Component(logger, "connectivity"),
		connectivity.WithClock(deps.Clock),
		connectivity.WithPublisher(bus),
		connectivity.WithThresholds(connectivity.Thresholds{
			Fast: cfg.Connectivity.FastThreshold,
			Slow: cfg.Connectivity.SlowThreshold,
		}),
	)

	limit := rate.Inf
	if cfg.Queue.DrainRPS > 0 {
		limit = rate.Limit(cfg.Queue.DrainRPS)
	}
	burst := cfg.Queue.DrainBurst
	if burst <= 0 {
		burst = 1
	}

	q, err := queue.New(ctx, queue.Options{
		Store:     deps.Store,
		Committer: deps.Committer,
		Status:    monitor,
		Policy: queue.RetryPolicy{
			MaxRetries: cfg.Queue.MaxRetries,
			BaseDelay:  cfg.Queue.BaseDelay,
			MaxDelay:   cfg.Queue.MaxDelay,
		},
		Limiter: rate.NewLimiter(limit, burst),
		Clock:   deps.Clock,
		Bus:     bus,
		Logger:  logging.Component(logger, "queue"),
	})
	if err != nil {
		return nil, fmt.Errorf("init queue: %w", err)
	}

	overlays := reconcile.NewOverlays(logging.Component(logger, "reconcile"),
		reconcile.WithClock(deps.Clock),
		reconcile.WithPublisher(bus),
		reconcile.WithFallbackTimeout(cfg.Reconcile.FallbackTimeout),
	)

	coordinator := optimistic.NewCoordinator(deps.Committer, q, monitor, optimistic.Config{
		MaxRetries: cfg.Optimistic.MaxRetries,
		RetryDelay: cfg.Optimistic.RetryDelay,
	}, logging.Component(logger, "optimistic"),
		optimistic.WithClock(deps.Clock),
		optimistic.WithOverlays(overlays),
	)

	records := cache.New[json.RawMessage](cache.Options{
		Store:      deps.Store,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Persist:    cfg.Cache.ShouldPersist(),
		Status:     monitor,
		Clock:      deps.Clock,
		Bus:        bus,
		Logger:     logging.Component(logger, "cache"),
	})

	e := &Engine{
		Bus:         bus,
		Monitor:     monitor,
		Queue:       q,
		Coordinator: coordinator,
		Overlays:    overlays,
		Records:     records,
		Prefetch:    cache.NewPrefetcher(records, cfg.Cache.PrefetchBatch, logging.Component(logger, "prefetch")),
		Revalidator: cache.NewRevalidator(records, monitor, cfg.Cache.PrefetchBatch, logging.Component(logger, "revalidate")),
		source:      deps.Source,
		feed:        deps.Feed,
		ttl:         cfg.Cache.DefaultTTL,
		persist:     cfg.Cache.ShouldPersist(),
		logger:      logger,
	}

	bus.Subscribe(events.EventRecordUpdated, e.onRecordUpdated)
	bus.Subscribe(events.EventMutationQueued, e.onMutationQueued)
	return e, nil
}

// Run drives the engine until ctx is done: it consumes connectivity signals
// and the update feed, drains the queue whenever the client comes online.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	e.runCtx = ctx
	e.runMu.Unlock()

	unsub := e.Monitor.OnOnline(func() { e.spawn(e.reconnect) })
	defer func() {
		unsub()
		e.runMu.Lock()
		e.runCtx = nil
		e.runMu.Unlock()
		e.bg.Wait()
	}()

	if e.Monitor.IsOnline() {
		e.spawn(e.reconnect)
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.source != nil {
		g.Go(func() error { return e.Monitor.Run(gctx, e.source) })
	}
	if e.feed != nil {
		g.Go(func() error { return e.consumeFeed(gctx) })
	}

	err := g.Wait()
	if err == nil {
		// Sources may end before ctx; keep serving the rest.
		<-ctx.Done()
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

// spawn runs fn in the background under the Run context. Outside Run it
// does nothing.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	ctx := e.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(ctx)
	}()
}

// reconnect drains the queue, then revalidates and prefetches.
func (e *Engine) reconnect(ctx context.Context) {
	e.drainQueue(ctx)
	if ctx.Err() != nil || !e.Monitor.IsOnline() {
		return
	}
	e.Revalidator.OnReconnect(ctx)
	e.Prefetch.Drain(ctx)
}

func (e *Engine) drainQueue(ctx context.Context) {
	if err := e.Queue.Drain(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn().Err(err).Msg("queue drain stopped")
	}
}

// onMutationQueued drains writes that reach the queue while online, e.g.
// when connectivity returned during the handoff.
func (e *Engine) onMutationQueued(*events.Event) error {
	if e.Monitor.IsOnline() {
		e.spawn(e.drainQueue)
	}
	return nil
}

func (e *Engine) consumeFeed(ctx context.Context) error {
	updates, err := e.feed.Updates(ctx)
	if err != nil {
		// Overlays then clear only through the fallback timer, if enabled.
		e.logger.Error().Err(err).Msg("update feed unavailable")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := e.Bus.PublishJSON(events.EventRecordUpdated, u); err != nil {
				e.logger.Warn().Err(err).Str("record_id", u.RecordID).Msg("publish record update")
			}
		}
	}
}

// onRecordUpdated stores authoritative state and retires the overlay.
func (e *Engine) onRecordUpdated(ev *events.Event) error {
	var u models.RecordUpdate
	if err := ev.Decode(&u); err != nil {
		e.logger.Warn().Err(err).Msg("decode record update")
		return err
	}
	if len(u.State) > 0 {
		e.Records.Set(RecordKey(u.RecordID), u.State, e.ttl, e.persist)
	}
	e.Overlays.Observe(u)
	return nil
}

// Submit applies and commits a write through the optimistic coordinator.
func (e *Engine) Submit(ctx context.Context, u optimistic.Update) (optimistic.Result, error) {
	return e.Coordinator.Submit(ctx, u)
}

// Read serves a record with stale-while-revalidate and keeps it tracked for
// focus and reconnect revalidation until release is called.
func (e *Engine) Read(ctx context.Context, key string, fetch cache.Fetcher[json.RawMessage], opts cache.RefreshOptions) (cache.Result[json.RawMessage], func(), error) {
	return e.Revalidator.Track(ctx, key, fetch, opts)
}

// Focus revalidates expired tracked keys.
func (e *Engine) Focus(ctx context.Context) int {
	return e.Revalidator.OnFocus(ctx)
}

// RetryFailed resets failed queue items and drains them.
func (e *Engine) RetryFailed(ctx context.Context) error {
	return e.Queue.RetryFailed(ctx)
}

// QueueItems lists queued writes in submission order.
func (e *Engine) QueueItems() []*models.QueueItem {
	return e.Queue.List()
}

// Discard removes a queued write on explicit operator request and retires
// its overlay.
func (e *Engine) Discard(ctx context.Context, id string) error {
	item := e.Queue.Get(id)
	if err := e.Queue.Discard(ctx, id); err != nil {
		return err
	}
	if item != nil {
		e.Overlays.Discard(item.TargetID, item.OperationID, reconcile.ReasonDiscarded)
	}
	return nil
}

func (e *Engine) PendingOverlays() []models.Overlay {
	return e.Overlays.Pending()
}

func (e *Engine) Status() Status {
	return Status{
		Connection:      e.Monitor.State(),
		Queue:           e.Queue.Stats(),
		Draining:        e.Queue.IsDraining(),
		PendingOverlays: len(e.Overlays.Pending()),
	}
}

// Close waits for in-flight background work and durable cache writes.
func (e *Engine) Close() {
	e.bg.Wait()
	e.Records.Flush()
}
