package domain

import (
	"context"

	"trialsync/internal/models"
)

// DurableStore is an asynchronous persistent key/value capability.
// Every call is a suspension point and may fail.
type DurableStore interface {
	Get(ctx context.Context, key string) (*models.StoredValue, error)
	Set(ctx context.Context, value *models.StoredValue) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) ([]*models.StoredValue, error)
	Clear(ctx context.Context) error
}

// ConnectivitySource emits platform online/offline observations.
type ConnectivitySource interface {
	Signals(ctx context.Context) (<-chan models.ConnectivitySignal, error)
}

// StatusProvider answers whether the client is currently online.
type StatusProvider interface {
	IsOnline() bool
}

// Committer delivers a write to the authoritative server. Implementations
// must be idempotent on Mutation.IdempotencyKey.
type Committer interface {
	Commit(ctx context.Context, mutation models.Mutation) error
}

// UpdateFeed delivers authoritative record updates pushed by the server.
type UpdateFeed interface {
	Updates(ctx context.Context) (<-chan models.RecordUpdate, error)
}

// EventPublisher fans events out to in-process subscribers.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
