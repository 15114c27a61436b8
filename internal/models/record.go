package models

import (
	"encoding/json"
	"time"
)

// RecordUpdate is an authoritative announcement that a record reached a state.
type RecordUpdate struct {
	RecordID    string          `json:"record_id"`
	State       json.RawMessage `json:"state,omitempty"`
	OperationID int64           `json:"operation_id,omitempty"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// Overlay is a local change shown ahead of server confirmation.
type Overlay struct {
	RecordID    string          `json:"record_id"`
	OperationID int64           `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
	Since       time.Time       `json:"since"`
}
