package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trialsync"

var (
	once sync.Once

	queueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_transitions_total",
			Help:      "Offline mutation queue transitions by resulting status.",
		},
		[]string{"status"},
	)

	commitAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_attempts_total",
			Help:      "Remote commit attempts by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by layer and result.",
		},
		[]string{"layer", "result"},
	)

	prefetchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_results_total",
			Help:      "Prefetch fetches by outcome.",
		},
		[]string{"outcome"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the connectivity monitor reports online.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(queueTransitions, commitAttempts, cacheLookups, prefetchResults, online)
	})
}

// IncQueue counts a queue item reaching status.
func IncQueue(status string) {
	queueTransitions.WithLabelValues(status).Inc()
}

// IncCommit counts a commit attempt. source is "live" or "queue".
func IncCommit(source, outcome string) {
	commitAttempts.WithLabelValues(source, outcome).Inc()
}

// IncCache counts a cache lookup. layer is "l1" or "l2"; result is "hit", "miss" or "stale".
func IncCache(layer, result string) {
	cacheLookups.WithLabelValues(layer, result).Inc()
}

// IncPrefetch counts a prefetch outcome.
func IncPrefetch(outcome string) {
	prefetchResults.WithLabelValues(outcome).Inc()
}

// SetOnline records the current connectivity state.
func SetOnline(isOnline bool) {
	if isOnline {
		online.Set(1)
		return
	}
	online.Set(0)
}
