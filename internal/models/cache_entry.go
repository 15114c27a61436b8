package models

import "time"

// CacheEntry is a cached value with its validity window.
type CacheEntry[T any] struct {
	Key       string        `json:"key"`
	Data      T             `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// Valid reports whether now - Timestamp <= TTL. A non-positive TTL is never valid.
func (e *CacheEntry[T]) Valid(now time.Time) bool {
	if e == nil || e.TTL <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) <= e.TTL
}

// StoredValue is the record shape kept by a durable store.
type StoredValue struct {
	Key       string        `json:"key"`
	Data      []byte        `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}
