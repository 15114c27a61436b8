// Package cache is a two-layer cache: an in-memory map in front of a durable
// store, with stale-while-revalidate refreshes and a priority prefetcher.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"trialsync/internal/clock"
	"trialsync/internal/domain"
	"trialsync/internal/events"
	"trialsync/internal/metrics"
	"trialsync/internal/models"
	"trialsync/internal/repository"
	"trialsync/internal/syncerr"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads the authoritative value for a key.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Key builds a cache key from every parameter that affects the value.
// Parts are escaped, so distinct part lists never produce the same key.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.QueryEscape(p)
	}
	return strings.Join(escaped, ":")
}

type Options struct {
	// Store is the durable layer. Nil keeps the cache memory-only.
	Store      domain.DurableStore
	DefaultTTL time.Duration
	// Persist is the default for Refresh; Set takes it explicitly.
	Persist bool
	Status  domain.StatusProvider
	Clock   clock.Clock
	Bus     domain.EventPublisher
	Logger  *zerolog.Logger
}

type RefreshOptions struct {
	// TTL of the fetched value. Zero uses the cache default.
	TTL          time.Duration
	ForceRefresh bool
	// Persist overrides the cache default when set.
	Persist *bool
}

// Result is what Refresh hands back immediately.
type Result[T any] struct {
	Data T
	// Stale is set when Data expired and a background refresh was started.
	Stale bool
	// Fetched is set when the caller waited for fetch because nothing was cached.
	Fetched bool
	call    *pendingFetch
}

// Revalidating reports whether a background refresh is running for this result.
func (r Result[T]) Revalidating() bool { return r.call != nil }

// Wait blocks until the background refresh, if any, has finished. It may be
// called any number of times, also on copies of r.
func (r Result[T]) Wait(ctx context.Context) error {
	if r.call == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait: %w", syncerr.ErrCancelled)
	case <-r.call.done:
		return r.call.err
	}
}

// pendingFetch is one caller's outcome of a shared fetch.
type pendingFetch struct {
	done chan struct{}
	val  any
	err  error
}

func (p *pendingFetch) finish(val any, err error) {
	p.val, p.err = val, err
	close(p.done)
}

// flight carries the context of one shared fetch of a key. It is cancelled
// when the last joined caller leaves.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// errAbandoned marks a shared fetch that ran out of callers. A caller that
// is still waiting joins a new fetch.
var errAbandoned = fmt.Errorf("fetch abandoned: %w", syncerr.ErrCancelled)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

type Cache[T any] struct {
	mu      sync.RWMutex
	l1      map[string]models.CacheEntry[T]
	active  map[string]struct{}
	lastErr map[string]error
	subs    map[string][]subscriber[T]
	nextSub uint64
	flights map[string]*flight

	l2         domain.DurableStore
	defaultTTL time.Duration
	persist    bool
	status     domain.StatusProvider
	clock      clock.Clock
	bus        domain.EventPublisher
	logger     *zerolog.Logger

	group   singleflight.Group
	writers sync.WaitGroup
}

func New[T any](opts Options) *Cache[T] {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = models.DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	c := &Cache[T]{
		l1:         make(map[string]models.CacheEntry[T]),
		active:     make(map[string]struct{}),
		lastErr:    make(map[string]error),
		subs:       make(map[string][]subscriber[T]),
		flights:    make(map[string]*flight),
		defaultTTL: opts.DefaultTTL,
		persist:    opts.Persist,
		status:     opts.Status,
		clock:      opts.Clock,
		bus:        opts.Bus,
		logger:     opts.Logger,
	}
	if opts.Store != nil {
		c.l2 = repository.Namespaced(opts.Store, models.NamespaceCache)
	}
	return c
}

// Get returns a valid in-memory value. It never touches the durable store.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	entry, ok := c.l1[key]
	c.mu.RUnlock()

	if ok && entry.Valid(c.clock.Now()) {
		metrics.IncCache("l1", "hit")
		return entry.Data, true
	}
	metrics.IncCache("l1", "miss")
	var zero T
	return zero, false
}

// GetAsync checks memory, then the durable store. A valid durable entry is
// promoted into memory.
func (c *Cache[T]) GetAsync(ctx context.Context, key string) (T, bool) {
	if v, ok := c.Get(key); ok {
		return v, true
	}
	var zero T
	entry, ok := c.loadL2(ctx, key)
	if !ok || !entry.Valid(c.clock.Now()) {
		return zero, false
	}
	c.mu.Lock()
	c.l1[key] = entry
	c.mu.Unlock()
	return entry.Data, true
}

// Set writes memory immediately. With persist, the durable write happens in
// the background and its failure is only logged.
func (c *Cache[T]) Set(key string, data T, ttl time.Duration, persist bool) {
	entry := models.CacheEntry[T]{Key: key, Data: data, Timestamp: c.clock.Now(), TTL: ttl}

	c.mu.Lock()
	c.l1[key] = entry
	delete(c.lastErr, key)
	subs := append([]subscriber[T](nil), c.subs[key]...)
	c.mu.Unlock()

	if persist && c.l2 != nil {
		c.writers.Add(1)
		go func() {
			defer c.writers.Done()
			c.storeL2(entry)
		}()
	}

	for _, s := range subs {
		s.fn(data)
	}
	if c.bus != nil {
		if err := c.bus.PublishJSON(events.EventCacheUpdated, events.CacheEventPayload{Key: key}); err != nil {
			c.logger.Warn().Err(err).Msg("publish cache event")
		}
	}
}

// Flush waits for background durable writes started by Set.
func (c *Cache[T]) Flush() {
	c.writers.Wait()
}

func (c *Cache[T]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.l1, key)
	delete(c.lastErr, key)
	c.mu.Unlock()

	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.Error().Err(err).Str("key", key).Msg("delete cache entry")
		}
	}
}

// Clear drops every entry of this cache in both layers.
func (c *Cache[T]) Clear(ctx context.Context) {
	c.mu.Lock()
	c.l1 = make(map[string]models.CacheEntry[T])
	c.lastErr = make(map[string]error)
	c.mu.Unlock()

	if c.l2 != nil {
		if err := c.l2.Clear(ctx); err != nil {
			c.logger.Error().Err(err).Msg("clear cache")
		}
	}
}

// Subscribe calls fn with every fresh value stored under key.
func (c *Cache[T]) Subscribe(key string, fn func(T)) events.Unsubscribe {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[key] = append(c.subs[key], subscriber[T]{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.subs[key]
			for i, s := range subs {
				if s.id == id {
					c.subs[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(c.subs[key]) == 0 {
				delete(c.subs, key)
			}
		})
	}
}

// LastError returns the error of the last failed refresh of key, cleared by
// the next successful write.
func (c *Cache[T]) LastError(key string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr[key]
}

// IsFetching reports whether a fetch for key is in flight.
func (c *Cache[T]) IsFetching(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.active[key]
	return ok
}

// Refresh serves key with stale-while-revalidate semantics. A valid value is
// returned as is unless ForceRefresh is set. A stale value is returned at
// once while fetch runs in the background under ctx. With nothing cached the
// call waits for fetch. Offline, cached data is served without fetching.
func (c *Cache[T]) Refresh(ctx context.Context, key string, fetch Fetcher[T], opts RefreshOptions) (Result[T], error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	persist := c.persist
	if opts.Persist != nil {
		persist = *opts.Persist
	}

	entry, found := c.lookup(ctx, key)
	now := c.clock.Now()
	valid := found && entry.Valid(now)

	if valid && !opts.ForceRefresh {
		return Result[T]{Data: entry.Data}, nil
	}
	if c.status != nil && !c.status.IsOnline() {
		if found {
			return Result[T]{Data: entry.Data, Stale: !valid}, nil
		}
		return Result[T]{}, fmt.Errorf("refresh %s: %w", key, syncerr.ErrOffline)
	}

	call := c.fetch(ctx, key, fetch, ttl, persist)
	if found {
		if !valid {
			metrics.IncCache("l1", "stale")
		}
		return Result[T]{Data: entry.Data, Stale: !valid, call: call}, nil
	}

	select {
	case <-ctx.Done():
		return Result[T]{}, fmt.Errorf("refresh %s: %w", key, syncerr.ErrCancelled)
	case <-call.done:
		if call.err != nil {
			return Result[T]{}, call.err
		}
		v, _ := call.val.(T)
		return Result[T]{Data: v, Fetched: true}, nil
	}
}

// lookup returns the newest entry for key from memory or the durable store,
// valid or not.
func (c *Cache[T]) lookup(ctx context.Context, key string) (models.CacheEntry[T], bool) {
	c.mu.RLock()
	entry, ok := c.l1[key]
	c.mu.RUnlock()
	if ok {
		return entry, true
	}

	entry, ok = c.loadL2(ctx, key)
	if ok && entry.Valid(c.clock.Now()) {
		c.mu.Lock()
		if _, exists := c.l1[key]; !exists {
			c.l1[key] = entry
		}
		c.mu.Unlock()
	}
	return entry, ok
}

// fetch runs fetch at most once per key at a time. Callers of one key share
// the fetch; cancelling ctx ends only this caller's wait, and the fetch
// itself is cancelled once no caller is left. The result is stored only if
// the fetch succeeded and was not cancelled.
func (c *Cache[T]) fetch(ctx context.Context, key string, fetch Fetcher[T], ttl time.Duration, persist bool) *pendingFetch {
	p := &pendingFetch{done: make(chan struct{})}
	if ctx.Err() != nil {
		p.finish(nil, fmt.Errorf("fetch %s: %w", key, syncerr.ErrCancelled))
		return p
	}

	f, ch := c.join(ctx, key, fetch, ttl, persist)
	go func() {
		for {
			select {
			case <-ctx.Done():
				c.leave(key, f)
				p.finish(nil, fmt.Errorf("fetch %s: %w", key, syncerr.ErrCancelled))
				return
			case res := <-ch:
				c.leave(key, f)
				if errors.Is(res.Err, errAbandoned) && ctx.Err() == nil {
					f, ch = c.join(ctx, key, fetch, ttl, persist)
					continue
				}
				p.finish(res.Val, res.Err)
				return
			}
		}
	}()
	return p
}

func (c *Cache[T]) join(ctx context.Context, key string, fetch Fetcher[T], ttl time.Duration, persist bool) (*flight, <-chan singleflight.Result) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.refs++
	c.mu.Unlock()

	return f, c.group.DoChan(key, func() (interface{}, error) {
		return c.run(f, key, fetch, ttl, persist)
	})
}

func (c *Cache[T]) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.refs--
	if f.refs > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

func (c *Cache[T]) run(f *flight, key string, fetch Fetcher[T], ttl time.Duration, persist bool) (interface{}, error) {
	c.mu.Lock()
	c.active[key] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}()

	v, err := fetch(f.ctx)
	if f.ctx.Err() != nil {
		c.logger.Debug().Str("key", key).Msg("fetch abandoned")
		return nil, fmt.Errorf("fetch %s: %w", key, errAbandoned)
	}
	if syncerr.IsCancelled(err) {
		c.logger.Debug().Str("key", key).Msg("fetch cancelled")
		return nil, fmt.Errorf("fetch %s: %w", key, syncerr.ErrCancelled)
	}
	if err != nil {
		c.mu.Lock()
		c.lastErr[key] = err
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("key", key).Msg("fetch failed, keeping cached value")
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	c.Set(key, v, ttl, persist)
	return v, nil
}

func (c *Cache[T]) loadL2(ctx context.Context, key string) (models.CacheEntry[T], bool) {
	var entry models.CacheEntry[T]
	if c.l2 == nil {
		return entry, false
	}
	stored, err := c.l2.Get(ctx, key)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("read cache entry")
		return entry, false
	}
	if stored == nil {
		metrics.IncCache("l2", "miss")
		return entry, false
	}
	if err := json.Unmarshal(stored.Data, &entry.Data); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("drop unreadable cache entry")
		return entry, false
	}
	entry.Key = key
	entry.Timestamp = stored.Timestamp
	entry.TTL = stored.TTL
	if entry.Valid(c.clock.Now()) {
		metrics.IncCache("l2", "hit")
	} else {
		metrics.IncCache("l2", "stale")
	}
	return entry, true
}

func (c *Cache[T]) storeL2(entry models.CacheEntry[T]) {
	data, err := json.Marshal(entry.Data)
	if err != nil {
		c.logger.Error().Err(err).Str("key", entry.Key).Msg("encode cache entry")
		return
	}
	value := &models.StoredValue{Key: entry.Key, Data: data, Timestamp: entry.Timestamp, TTL: entry.TTL}
	if err := c.l2.Set(context.Background(), value); err != nil {
		c.logger.Error().Err(err).Str("key", entry.Key).Msg("persist cache entry")
	}
}
