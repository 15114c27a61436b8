package repository

import (
	"context"
	"strings"

	"trialsync/internal/domain"
	"trialsync/internal/models"
)

// NamespacedStore confines a component to keys under a prefix so that
// components sharing one durable store never collide.
type NamespacedStore struct {
	inner  domain.DurableStore
	prefix string
}

func Namespaced(inner domain.DurableStore, prefix string) *NamespacedStore {
	return &NamespacedStore{inner: inner, prefix: prefix}
}

func (s *NamespacedStore) Prefix() string { return s.prefix }

func (s *NamespacedStore) Get(ctx context.Context, key string) (*models.StoredValue, error) {
	val, err := s.inner.Get(ctx, s.prefix+key)
	if err != nil || val == nil {
		return nil, err
	}
	return s.strip(val), nil
}

func (s *NamespacedStore) Set(ctx context.Context, value *models.StoredValue) error {
	cp := *value
	cp.Key = s.prefix + value.Key
	return s.inner.Set(ctx, &cp)
}

func (s *NamespacedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

func (s *NamespacedStore) GetAll(ctx context.Context) ([]*models.StoredValue, error) {
	all, err := s.inner.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.StoredValue
	for _, val := range all {
		if strings.HasPrefix(val.Key, s.prefix) {
			out = append(out, s.strip(val))
		}
	}
	return out, nil
}

// Clear removes only the keys in this namespace.
func (s *NamespacedStore) Clear(ctx context.Context) error {
	all, err := s.inner.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, val := range all {
		if !strings.HasPrefix(val.Key, s.prefix) {
			continue
		}
		if err := s.inner.Delete(ctx, val.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *NamespacedStore) strip(val *models.StoredValue) *models.StoredValue {
	cp := *val
	cp.Key = strings.TrimPrefix(val.Key, s.prefix)
	return &cp
}
