package cache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"trialsync/internal/metrics"
	"trialsync/internal/models"
	"trialsync/internal/syncerr"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type prefetchEntry[T any] struct {
	key      string
	fetch    Fetcher[T]
	opts     RefreshOptions
	priority int
	seq      uint64
	index    int
}

// prefetchHeap orders by priority, then by insertion.
type prefetchHeap[T any] []*prefetchEntry[T]

func (h prefetchHeap[T]) Len() int { return len(h) }

func (h prefetchHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h prefetchHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *prefetchHeap[T]) Push(x any) {
	e := x.(*prefetchEntry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *prefetchHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Prefetcher warms a Cache in idle time. Errors never reach callers.
type Prefetcher[T any] struct {
	mu      sync.Mutex
	entries prefetchHeap[T]
	byKey   map[string]*prefetchEntry[T]
	seq     uint64

	cache  *Cache[T]
	batch  int
	logger *zerolog.Logger
}

func NewPrefetcher[T any](c *Cache[T], batch int, logger *zerolog.Logger) *Prefetcher[T] {
	if batch <= 0 {
		batch = models.DefaultPrefetchBatch
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Prefetcher[T]{
		byKey:  make(map[string]*prefetchEntry[T]),
		cache:  c,
		batch:  batch,
		logger: logger,
	}
}

// Enqueue schedules key. A valid cached key is ignored; a queued key keeps
// one entry with the higher of the two priorities.
func (p *Prefetcher[T]) Enqueue(key string, fetch Fetcher[T], priority int, opts RefreshOptions) {
	if _, ok := p.cache.Get(key); ok {
		metrics.IncPrefetch("skipped")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byKey[key]; ok {
		if priority > e.priority {
			e.priority = priority
			heap.Fix(&p.entries, e.index)
		}
		return
	}
	p.seq++
	e := &prefetchEntry[T]{key: key, fetch: fetch, opts: opts, priority: priority, seq: p.seq}
	heap.Push(&p.entries, e)
	p.byKey[key] = e
}

// Remove drops a queued key.
func (p *Prefetcher[T]) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byKey[key]; ok {
		heap.Remove(&p.entries, e.index)
		delete(p.byKey, key)
	}
}

func (p *Prefetcher[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Len()
}

// Priority returns the queued priority of key.
func (p *Prefetcher[T]) Priority(key string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKey[key]
	if !ok {
		return 0, false
	}
	return e.priority, true
}

func (p *Prefetcher[T]) pop(n int) []*prefetchEntry[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*prefetchEntry[T]
	for len(out) < n && p.entries.Len() > 0 {
		e := heap.Pop(&p.entries).(*prefetchEntry[T])
		delete(p.byKey, e.key)
		out = append(out, e)
	}
	return out
}

// Drain fetches one batch.
func (p *Prefetcher[T]) Drain(ctx context.Context) int {
	return p.DrainN(ctx, p.batch)
}

// DrainN pops up to n highest-priority keys and fetches them concurrently.
// It returns how many were stored. Cancelling ctx cancels the fetches.
func (p *Prefetcher[T]) DrainN(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}
	batch := p.pop(n)
	if len(batch) == 0 {
		return 0
	}

	var stored atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for _, e := range batch {
		if p.cache.IsFetching(e.key) {
			metrics.IncPrefetch("skipped")
			continue
		}
		if _, ok := p.cache.Get(e.key); ok {
			metrics.IncPrefetch("skipped")
			continue
		}
		g.Go(func() error {
			ttl := e.opts.TTL
			if ttl <= 0 {
				ttl = p.cache.defaultTTL
			}
			persist := p.cache.persist
			if e.opts.Persist != nil {
				persist = *e.opts.Persist
			}

			call := p.cache.fetch(gctx, e.key, e.fetch, ttl, persist)
			var err error
			select {
			case <-gctx.Done():
				err = syncerr.ErrCancelled
			case <-call.done:
				err = call.err
			}

			switch {
			case err == nil:
				stored.Add(1)
				metrics.IncPrefetch("success")
			case syncerr.IsCancelled(err):
				metrics.IncPrefetch("cancelled")
			default:
				metrics.IncPrefetch("error")
				p.logger.Debug().Err(err).Str("key", e.key).Msg("prefetch failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(stored.Load())
}
