// Package queue implements the durable offline mutation queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trialsync/internal/clock"
	"trialsync/internal/domain"
	"trialsync/internal/events"
	"trialsync/internal/metrics"
	"trialsync/internal/models"
	"trialsync/internal/repository"
	"trialsync/internal/syncerr"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a Queue. Store and Committer are required.
type Options struct {
	Store     domain.DurableStore
	Committer domain.Committer
	Status    domain.StatusProvider
	Policy    RetryPolicy
	// Limiter paces commits during a drain. Nil means unlimited.
	Limiter *rate.Limiter
	Clock   clock.Clock
	Bus     domain.EventPublisher
	Logger  *zerolog.Logger
}

// Queue holds writes that could not reach the server. Items are kept in
// memory and written through to the durable store on every transition.
type Queue struct {
	mu    sync.Mutex
	items map[string]*models.QueueItem

	store     domain.DurableStore
	committer domain.Committer
	status    domain.StatusProvider
	policy    RetryPolicy
	limiter   *rate.Limiter
	clock     clock.Clock
	bus       domain.EventPublisher
	logger    *zerolog.Logger

	opSeq    atomic.Int64
	draining atomic.Bool
}

// New loads persisted items and returns a ready queue. Items left syncing
// by an interrupted drain are returned to pending.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, errors.New("queue store is required")
	}
	if opts.Committer == nil {
		return nil, errors.New("queue committer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	q := &Queue{
		items:     make(map[string]*models.QueueItem),
		store:     repository.Namespaced(opts.Store, models.NamespaceQueue),
		committer: opts.Committer,
		status:    opts.Status,
		policy:    opts.Policy.withDefaults(),
		limiter:   opts.Limiter,
		clock:     opts.Clock,
		bus:       opts.Bus,
		logger:    opts.Logger,
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	values, err := q.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	var maxOp int64
	for _, v := range values {
		var item models.QueueItem
		if err := json.Unmarshal(v.Data, &item); err != nil {
			q.logger.Warn().Err(err).Str("key", v.Key).Msg("skip unreadable queue item")
			continue
		}
		if item.Status == models.QueueStatusSyncing {
			item.Status = models.QueueStatusPending
			item.UpdatedAt = q.clock.Now()
			q.persist(ctx, &item)
		}
		if item.OperationID > maxOp {
			maxOp = item.OperationID
		}
		q.items[item.ID] = &item
	}
	q.opSeq.Store(maxOp)

	if len(q.items) > 0 {
		q.logger.Info().Int("items", len(q.items)).Msg("mutation queue restored")
	}
	return nil
}

// NextOperationID reserves a new operation id. A logical write keeps its id
// across live attempts and queued delivery.
func (q *Queue) NextOperationID() int64 {
	return q.opSeq.Add(1)
}

// Enqueue creates a pending item with a fresh operation id.
func (q *Queue) Enqueue(ctx context.Context, targetID string, payload json.RawMessage) (*models.QueueItem, error) {
	return q.EnqueueMutation(ctx, models.Mutation{
		TargetID:    targetID,
		OperationID: q.NextOperationID(),
		Payload:     payload,
	})
}

// EnqueueMutation stores m as a pending item. It fails only when the item
// cannot be persisted; in that case the queue is unchanged.
func (q *Queue) EnqueueMutation(ctx context.Context, m models.Mutation) (*models.QueueItem, error) {
	if m.TargetID == "" {
		return nil, fmt.Errorf("target id is required: %w", syncerr.ErrValidation)
	}
	if m.OperationID == 0 {
		m.OperationID = q.NextOperationID()
	}
	for cur := q.opSeq.Load(); m.OperationID > cur; cur = q.opSeq.Load() {
		if q.opSeq.CompareAndSwap(cur, m.OperationID) {
			break
		}
	}

	now := q.clock.Now()
	item := &models.QueueItem{
		ID:          uuid.NewString(),
		OperationID: m.OperationID,
		TargetID:    m.TargetID,
		Payload:     m.Payload,
		Status:      models.QueueStatusPending,
		MaxRetries:  q.policy.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.write(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", m.IdempotencyKey(), err)
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.mu.Unlock()

	q.changed(item)
	q.logger.Info().Str("item_id", item.ID).Str("target_id", item.TargetID).
		Int64("operation_id", item.OperationID).Msg("mutation queued")
	if q.bus != nil {
		if err := q.bus.PublishJSON(events.EventMutationQueued, events.QueueEventPayload{
			ItemID:      item.ID,
			TargetID:    item.TargetID,
			OperationID: item.OperationID,
			Status:      string(item.Status),
		}); err != nil {
			q.logger.Warn().Err(err).Msg("publish mutation queued")
		}
	}
	return cloneItem(item), nil
}

// NextPending returns the oldest pending item, or nil. Per target the
// oldest pending item must go first, so a target whose head is still in
// backoff is skipped as a whole.
func (q *Queue) NextPending() *models.QueueItem {
	item, _ := q.next(q.clock.Now())
	return item
}

// next returns the oldest runnable item, or the time until the earliest
// pending item becomes due when nothing is runnable yet.
func (q *Queue) next(now time.Time) (*models.QueueItem, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := make(map[string]bool)
	var wait time.Duration
	for _, item := range q.sortedLocked() {
		if item.Status != models.QueueStatusPending || blocked[item.TargetID] {
			continue
		}
		if item.Due(now) {
			return cloneItem(item), 0
		}
		blocked[item.TargetID] = true
		if d := item.NextRetryAt.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

// MarkSyncing moves a pending item to syncing. Only one item may be
// syncing at a time.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue item %s: %w", id, syncerr.ErrNotFound)
	}
	for _, other := range q.items {
		if other.Status == models.QueueStatusSyncing {
			q.mu.Unlock()
			return fmt.Errorf("queue item %s: %w", other.ID, syncerr.ErrAlreadySyncing)
		}
	}
	if item.Status != models.QueueStatusPending {
		q.mu.Unlock()
		return fmt.Errorf("queue item %s is %s, not pending: %w", id, item.Status, syncerr.ErrValidation)
	}
	item.Status = models.QueueStatusSyncing
	item.UpdatedAt = q.clock.Now()
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.changed(snapshot)
	return nil
}

// MarkCompleted removes a delivered item.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue item %s: %w", id, syncerr.ErrNotFound)
	}
	delete(q.items, id)
	q.mu.Unlock()

	if err := q.store.Delete(ctx, id); err != nil {
		q.logger.Error().Err(err).Str("item_id", id).Msg("delete completed queue item")
	}
	item.Status = models.QueueStatusCompleted
	item.UpdatedAt = q.clock.Now()
	q.changed(item)
	return nil
}

// MarkFailed records a retryable failure. The item returns to pending after
// the backoff delay, or stays failed once retries are exhausted.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.fail(ctx, id, cause, false)
}

func (q *Queue) markTerminal(ctx context.Context, id string, cause error) error {
	return q.fail(ctx, id, cause, true)
}

func (q *Queue) fail(ctx context.Context, id string, cause error, terminal bool) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue item %s: %w", id, syncerr.ErrNotFound)
	}

	now := q.clock.Now()
	item.RetryCount++
	item.UpdatedAt = now
	if cause != nil {
		msg := cause.Error()
		item.LastError = &msg
	}

	if terminal || q.policy.Exhausted(item.RetryCount) {
		item.Status = models.QueueStatusFailed
		item.NextRetryAt = nil
	} else {
		next := now.Add(q.policy.Delay(item.RetryCount))
		item.Status = models.QueueStatusPending
		item.NextRetryAt = &next
	}
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.changed(snapshot)

	ev := q.logger.Warn().Err(cause).Str("item_id", id).Int("retry_count", snapshot.RetryCount)
	if snapshot.Status == models.QueueStatusFailed {
		ev.Msg("queued mutation failed, manual action needed")
	} else {
		ev.Time("next_retry_at", *snapshot.NextRetryAt).Msg("queued mutation will be retried")
	}
	return nil
}

// release returns a syncing item to pending without counting an attempt.
func (q *Queue) release(ctx context.Context, id string) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok || item.Status != models.QueueStatusSyncing {
		q.mu.Unlock()
		return
	}
	item.Status = models.QueueStatusPending
	item.UpdatedAt = q.clock.Now()
	snapshot := cloneItem(item)
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.changed(snapshot)
}

// Drain delivers pending items one at a time until none are left, the
// client goes offline, or ctx is done. A call made while another drain is
// running returns immediately; that drain picks up items queued meanwhile.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		if !q.draining.CompareAndSwap(false, true) {
			q.logger.Debug().Msg("drain already in progress")
			return nil
		}
		err := q.drain(ctx)
		q.draining.Store(false)
		if err != nil || !q.runnable() {
			return err
		}
	}
}

// runnable reports whether a drain would find work right now.
func (q *Queue) runnable() bool {
	if q.status != nil && !q.status.IsOnline() {
		return false
	}
	item, _ := q.next(q.clock.Now())
	return item != nil
}

func (q *Queue) drain(ctx context.Context) error {
	var delivered, failed int
	defer func() {
		if delivered > 0 || failed > 0 {
			q.logger.Info().Int("delivered", delivered).Int("failed", failed).Msg("queue drain finished")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain: %w", syncerr.ErrCancelled)
		}
		if q.status != nil && !q.status.IsOnline() {
			return nil
		}

		item, wait := q.next(q.clock.Now())
		if item == nil {
			if wait <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("drain: %w", syncerr.ErrCancelled)
			case <-q.clock.After(wait):
			}
			continue
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("drain: %w", syncerr.ErrCancelled)
		}
		if err := q.MarkSyncing(ctx, item.ID); err != nil {
			if gone(err) {
				q.logger.Debug().Err(err).Str("item_id", item.ID).Msg("queue item changed before sync, skipping")
				continue
			}
			return fmt.Errorf("drain: %w", err)
		}

		err := q.committer.Commit(ctx, item.Mutation())
		switch {
		case err == nil:
			metrics.IncCommit("queue", "success")
			delivered++
			err = q.MarkCompleted(ctx, item.ID)
		case syncerr.IsCancelled(err) || ctx.Err() != nil:
			metrics.IncCommit("queue", "cancelled")
			q.release(context.WithoutCancel(ctx), item.ID)
			return fmt.Errorf("drain: %w", syncerr.ErrCancelled)
		case syncerr.IsNetwork(err):
			metrics.IncCommit("queue", "network_error")
			err = q.MarkFailed(ctx, item.ID, err)
		default:
			metrics.IncCommit("queue", "rejected")
			failed++
			err = q.markTerminal(ctx, item.ID, err)
		}
		if err != nil {
			if !gone(err) {
				return fmt.Errorf("drain: %w", err)
			}
			q.logger.Debug().Err(err).Str("item_id", item.ID).Msg("queue item removed during sync")
		}
	}
}

// gone reports a transition refused because the item was removed or is no
// longer in the expected state.
func gone(err error) bool {
	return errors.Is(err, syncerr.ErrNotFound) || errors.Is(err, syncerr.ErrValidation)
}

// IsDraining reports whether a drain is running.
func (q *Queue) IsDraining() bool {
	return q.draining.Load()
}

// RetryFailed resets every failed item to pending and drains.
func (q *Queue) RetryFailed(ctx context.Context) error {
	var reset []*models.QueueItem
	q.mu.Lock()
	now := q.clock.Now()
	for _, item := range q.items {
		if item.Status != models.QueueStatusFailed {
			continue
		}
		item.Status = models.QueueStatusPending
		item.RetryCount = 0
		item.NextRetryAt = nil
		item.UpdatedAt = now
		reset = append(reset, cloneItem(item))
	}
	q.mu.Unlock()

	for _, item := range reset {
		q.persist(ctx, item)
		q.changed(item)
	}
	if len(reset) > 0 {
		q.logger.Info().Int("items", len(reset)).Msg("failed mutations reset")
	}
	return q.Drain(ctx)
}

// Discard removes an item on explicit operator request. Syncing items cannot
// be discarded.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue item %s: %w", id, syncerr.ErrNotFound)
	}
	if item.Status == models.QueueStatusSyncing {
		q.mu.Unlock()
		return fmt.Errorf("queue item %s: %w", id, syncerr.ErrAlreadySyncing)
	}
	q.mu.Unlock()

	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}

	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()

	q.logger.Warn().Str("item_id", id).Str("target_id", item.TargetID).Msg("queued mutation discarded")
	return nil
}

// Get returns a copy of the item or nil.
func (q *Queue) Get(id string) *models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneItem(q.items[id])
}

// List returns copies of all items in submission order.
func (q *Queue) List() []*models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := q.sortedLocked()
	out := make([]*models.QueueItem, len(sorted))
	for i, item := range sorted {
		out[i] = cloneItem(item)
	}
	return out
}

func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s models.QueueStats
	for _, item := range q.items {
		switch item.Status {
		case models.QueueStatusPending:
			s.Pending++
		case models.QueueStatusSyncing:
			s.Syncing++
		case models.QueueStatusFailed:
			s.Failed++
		}
	}
	return s
}

func (q *Queue) sortedLocked() []*models.QueueItem {
	out := make([]*models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.OperationID != b.OperationID {
			return a.OperationID < b.OperationID
		}
		return a.ID < b.ID
	})
	return out
}

func (q *Queue) write(ctx context.Context, item *models.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	return q.store.Set(ctx, &models.StoredValue{Key: item.ID, Data: data, Timestamp: item.UpdatedAt})
}

// persist writes through and only logs failures; the in-memory state stays
// authoritative for this process.
func (q *Queue) persist(ctx context.Context, item *models.QueueItem) {
	if err := q.write(ctx, item); err != nil {
		q.logger.Error().Err(err).Str("item_id", item.ID).Str("status", string(item.Status)).Msg("persist queue item")
	}
}

func (q *Queue) changed(item *models.QueueItem) {
	metrics.IncQueue(string(item.Status))
	if q.bus == nil {
		return
	}
	payload := events.QueueEventPayload{
		ItemID:      item.ID,
		TargetID:    item.TargetID,
		OperationID: item.OperationID,
		Status:      string(item.Status),
		RetryCount:  item.RetryCount,
	}
	if item.LastError != nil {
		payload.Error = *item.LastError
	}
	if err := q.bus.PublishJSON(events.EventQueueChanged, payload); err != nil {
		q.logger.Warn().Err(err).Msg("publish queue event")
	}
}

func cloneItem(item *models.QueueItem) *models.QueueItem {
	if item == nil {
		return nil
	}
	cp := *item
	cp.Payload = append(json.RawMessage(nil), item.Payload...)
	if item.LastError != nil {
		msg := *item.LastError
		cp.LastError = &msg
	}
	if item.NextRetryAt != nil {
		at := *item.NextRetryAt
		cp.NextRetryAt = &at
	}
	return &cp
}
