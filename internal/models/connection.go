package models

import "time"

type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualitySlow    Quality = "slow"
	QualityMedium  Quality = "medium"
	QualityFast    Quality = "fast"
)

// ConnectionState is recomputed at start and never persisted.
type ConnectionState struct {
	IsOnline  bool      `json:"is_online"`
	Quality   Quality   `json:"quality"`
	ChangedAt time.Time `json:"changed_at"`
}

// ConnectivitySignal is a raw observation from a platform source.
type ConnectivitySignal struct {
	Online  bool
	Latency time.Duration
	Quality Quality
	At      time.Time
}
