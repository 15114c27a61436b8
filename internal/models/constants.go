package models

import "time"

const (
	// DefaultMaxRetries is the retry ceiling for queued and live writes.
	DefaultMaxRetries = 3

	// DefaultQueueBaseDelay is multiplied by 2^retryCount between queued attempts.
	DefaultQueueBaseDelay = time.Second

	// DefaultLiveRetryDelay is multiplied by the attempt number between live attempts.
	DefaultLiveRetryDelay = time.Second

	// DefaultCacheTTL applies when a caller does not specify one.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultPrefetchBatch bounds concurrent prefetches per drain.
	DefaultPrefetchBatch = 4

	// Durable store namespaces.
	NamespaceCache = "cache:"
	NamespaceQueue = "mutation_queue:"
)
