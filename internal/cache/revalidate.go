package cache

import (
	"context"
	"sort"
	"sync"

	"trialsync/internal/domain"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type tracked[T any] struct {
	fetch Fetcher[T]
	opts  RefreshOptions
	refs  int
}

// Revalidator refreshes keys that are in use when the client mounts them,
// regains focus or comes back online. It does nothing while offline.
type Revalidator[T any] struct {
	mu     sync.Mutex
	keys   map[string]*tracked[T]
	cache  *Cache[T]
	status domain.StatusProvider
	limit  int
	logger *zerolog.Logger
}

func NewRevalidator[T any](c *Cache[T], status domain.StatusProvider, limit int, logger *zerolog.Logger) *Revalidator[T] {
	if limit <= 0 {
		limit = 4
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Revalidator[T]{
		keys:   make(map[string]*tracked[T]),
		cache:  c,
		status: status,
		limit:  limit,
		logger: logger,
	}
}

// Track marks key as in use and refreshes it once. The returned function
// releases the key; keys tracked several times stay until every release.
func (r *Revalidator[T]) Track(ctx context.Context, key string, fetch Fetcher[T], opts RefreshOptions) (Result[T], func(), error) {
	r.mu.Lock()
	t, ok := r.keys[key]
	if !ok {
		t = &tracked[T]{}
		r.keys[key] = t
	}
	t.fetch = fetch
	t.opts = opts
	t.refs++
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.keys[key]; ok && cur == t {
				cur.refs--
				if cur.refs <= 0 {
					delete(r.keys, key)
				}
			}
		})
	}

	res, err := r.cache.Refresh(ctx, key, fetch, opts)
	return res, release, err
}

// Keys lists tracked keys.
func (r *Revalidator[T]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OnFocus refreshes tracked keys whose values have expired.
func (r *Revalidator[T]) OnFocus(ctx context.Context) int {
	return r.revalidate(ctx, false)
}

// OnReconnect refreshes every tracked key.
func (r *Revalidator[T]) OnReconnect(ctx context.Context) int {
	return r.revalidate(ctx, true)
}

// revalidate waits for the refreshes it starts and returns how many ran.
func (r *Revalidator[T]) revalidate(ctx context.Context, force bool) int {
	if r.status != nil && !r.status.IsOnline() {
		return 0
	}

	r.mu.Lock()
	type job struct {
		key   string
		fetch Fetcher[T]
		opts  RefreshOptions
	}
	jobs := make([]job, 0, len(r.keys))
	for k, t := range r.keys {
		opts := t.opts
		opts.ForceRefresh = opts.ForceRefresh || force
		jobs = append(jobs, job{key: k, fetch: t.fetch, opts: opts})
	}
	r.mu.Unlock()

	var mu sync.Mutex
	ran := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, j := range jobs {
		g.Go(func() error {
			res, err := r.cache.Refresh(gctx, j.key, j.fetch, j.opts)
			if err == nil && (res.Fetched || res.Revalidating()) {
				err = res.Wait(gctx)
				mu.Lock()
				ran++
				mu.Unlock()
			}
			if err != nil {
				r.logger.Debug().Err(err).Str("key", j.key).Msg("revalidation failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return ran
}
