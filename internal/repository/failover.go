package repository

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trialsync/internal/domain"
	"trialsync/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverStore serves from primary until it fails, then degrades to the
// fallback and retries primary once per recoveryInterval. Reads consult both
// layers and keep the newest value per key, so writes made while degraded
// stay visible after the primary recovers.
type FailoverStore struct {
	primary   domain.DurableStore
	fallback  domain.DurableStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverStore(primary, fallback domain.DurableStore, logger *zerolog.Logger) *FailoverStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (r *FailoverStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverStore) markDown(op string, err error) {
	r.logger.Error().Err(err).Str("op", op).Msg("Primary durable store failed, falling back")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// usePrimary decides whether the primary should be tried for this call.
func (r *FailoverStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > recoveryInterval {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverStore) recovered() {
	if r.isDown.CompareAndSwap(true, false) {
		r.logger.Info().Msg("Primary durable store recovered")
	}
}

func (r *FailoverStore) Get(ctx context.Context, key string) (*models.StoredValue, error) {
	fbVal, fbErr := r.fallback.Get(ctx, key)
	if r.usePrimary() {
		val, err := r.primary.Get(ctx, key)
		if err == nil {
			r.recovered()
			if fbErr != nil {
				r.logger.Warn().Err(fbErr).Str("key", key).Msg("Fallback durable store read failed")
				return val, nil
			}
			return newer(val, fbVal), nil
		}
		r.markDown("get", err)
	}
	return fbVal, fbErr
}

func (r *FailoverStore) Set(ctx context.Context, value *models.StoredValue) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, value)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown("set", err)
	}
	return r.fallback.Set(ctx, value)
}

func (r *FailoverStore) Delete(ctx context.Context, key string) error {
	// Delete from both so a value written while degraded is not resurrected.
	fbErr := r.fallback.Delete(ctx, key)
	if r.usePrimary() {
		err := r.primary.Delete(ctx, key)
		if err == nil {
			r.recovered()
			return fbErr
		}
		r.markDown("delete", err)
	}
	return fbErr
}

func (r *FailoverStore) GetAll(ctx context.Context) ([]*models.StoredValue, error) {
	fbVals, fbErr := r.fallback.GetAll(ctx)
	if r.usePrimary() {
		vals, err := r.primary.GetAll(ctx)
		if err == nil {
			r.recovered()
			if fbErr != nil {
				r.logger.Warn().Err(fbErr).Msg("Fallback durable store read failed")
				return vals, nil
			}
			return mergeNewest(vals, fbVals), nil
		}
		r.markDown("get_all", err)
	}
	return fbVals, fbErr
}

func (r *FailoverStore) Clear(ctx context.Context) error {
	fbErr := r.fallback.Clear(ctx)
	if r.usePrimary() {
		err := r.primary.Clear(ctx)
		if err == nil {
			r.recovered()
			return fbErr
		}
		r.markDown("clear", err)
	}
	return fbErr
}

// newer picks the value with the later timestamp; ties go to a.
func newer(a, b *models.StoredValue) *models.StoredValue {
	if a == nil {
		return b
	}
	if b == nil || !b.Timestamp.After(a.Timestamp) {
		return a
	}
	return b
}

func mergeNewest(primary, fallback []*models.StoredValue) []*models.StoredValue {
	byKey := make(map[string]*models.StoredValue, len(primary)+len(fallback))
	for _, v := range primary {
		byKey[v.Key] = v
	}
	for _, v := range fallback {
		byKey[v.Key] = newer(byKey[v.Key], v)
	}
	out := make([]*models.StoredValue, 0, len(byKey))
	for _, v := range byKey {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
