package repository

import (
	"context"
	"sort"
	"sync"

	"trialsync/internal/models"
)

// MemoryStore is a process-local DurableStore. It backs tests and serves as
// the fallback layer when the persistent store is unavailable.
type MemoryStore struct {
	values sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.StoredValue, error) {
	val, ok := s.values.Load(key)
	if !ok {
		return nil, nil
	}
	return cloneValue(val.(*models.StoredValue)), nil
}

func (s *MemoryStore) Set(ctx context.Context, value *models.StoredValue) error {
	s.values.Store(value.Key, cloneValue(value))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.values.Delete(key)
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]*models.StoredValue, error) {
	var out []*models.StoredValue
	s.values.Range(func(_, val any) bool {
		out = append(out, cloneValue(val.(*models.StoredValue)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.values.Range(func(key, _ any) bool {
		s.values.Delete(key)
		return true
	})
	return nil
}

func cloneValue(v *models.StoredValue) *models.StoredValue {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Data = append([]byte(nil), v.Data...)
	return &cp
}
