package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusSyncing   QueueStatus = "syncing"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// Mutation is a single logical write addressed to one record.
// OperationID stays the same across live and queued delivery attempts.
type Mutation struct {
	TargetID    string          `json:"target_id"`
	OperationID int64           `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
}

// IdempotencyKey identifies the write for server-side deduplication.
func (m Mutation) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", m.TargetID, m.OperationID)
}

// QueueItem is a pending write persisted in the offline mutation queue.
type QueueItem struct {
	ID          string          `json:"id"`
	OperationID int64           `json:"operation_id"`
	TargetID    string          `json:"target_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      QueueStatus     `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
}

// Mutation returns the write carried by the item.
func (i *QueueItem) Mutation() Mutation {
	return Mutation{TargetID: i.TargetID, OperationID: i.OperationID, Payload: i.Payload}
}

// Due reports whether a pending item may be attempted at now.
func (i *QueueItem) Due(now time.Time) bool {
	if i.Status != QueueStatusPending {
		return false
	}
	return i.NextRetryAt == nil || !i.NextRetryAt.After(now)
}

// QueueStats summarizes the queue for status displays.
type QueueStats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Total counts every item still held by the queue.
func (s QueueStats) Total() int {
	return s.Pending + s.Syncing + s.Failed
}
