// Package connectivity tracks whether the scoring server is reachable and
// fans transitions out to the queue and cache.
package connectivity

import (
	"context"
	"sync"
	"time"

	"trialsync/internal/clock"
	"trialsync/internal/domain"
	"trialsync/internal/events"
	"trialsync/internal/metrics"
	"trialsync/internal/models"

	"github.com/rs/zerolog"
)

// Listener is called with the previous and the new state on every transition.
type Listener func(prev, next models.ConnectionState)

// Thresholds map probe latency onto a coarse quality.
type Thresholds struct {
	Fast time.Duration
	Slow time.Duration
}

// Quality derives a coarse quality from latency.
func (t Thresholds) Quality(latency time.Duration) models.Quality {
	switch {
	case latency <= 0:
		return models.QualityUnknown
	case t.Fast > 0 && latency <= t.Fast:
		return models.QualityFast
	case t.Slow > 0 && latency >= t.Slow:
		return models.QualitySlow
	default:
		return models.QualityMedium
	}
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Monitor is the single source of truth for connection state.
type Monitor struct {
	mu         sync.RWMutex
	state      models.ConnectionState
	listeners  []listenerEntry
	nextID     uint64
	thresholds Thresholds
	bus        domain.EventPublisher
	clock      clock.Clock
	logger     *zerolog.Logger
}

type Option func(*Monitor)

func WithThresholds(t Thresholds) Option { return func(m *Monitor) { m.thresholds = t } }

func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithPublisher mirrors transitions onto the event bus.
func WithPublisher(p domain.EventPublisher) Option { return func(m *Monitor) { m.bus = p } }

// NewMonitor creates a monitor starting in the given online state.
func NewMonitor(initiallyOnline bool, logger *zerolog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := &Monitor{
		thresholds: Thresholds{Fast: 300 * time.Millisecond, Slow: 1500 * time.Millisecond},
		clock:      clock.Real(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = models.ConnectionState{
		IsOnline:  initiallyOnline,
		Quality:   models.QualityUnknown,
		ChangedAt: m.clock.Now(),
	}
	metrics.SetOnline(initiallyOnline)
	return m
}

func (m *Monitor) State() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) IsOnline() bool {
	return m.State().IsOnline
}

// Subscribe registers fn for every transition.
func (m *Monitor) Subscribe(fn Listener) events.Unsubscribe {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// OnOnline registers fn for offline to online transitions only.
func (m *Monitor) OnOnline(fn func()) events.Unsubscribe {
	return m.Subscribe(func(prev, next models.ConnectionState) {
		if !prev.IsOnline && next.IsOnline {
			fn()
		}
	})
}

// Observe folds a platform signal into the state and notifies listeners if
// the online flag or the quality changed.
func (m *Monitor) Observe(sig models.ConnectivitySignal) {
	quality := sig.Quality
	if quality == "" {
		quality = m.thresholds.Quality(sig.Latency)
	}
	if !sig.Online {
		quality = models.QualityUnknown
	}

	m.mu.Lock()
	prev := m.state
	if prev.IsOnline == sig.Online && prev.Quality == quality {
		m.mu.Unlock()
		return
	}
	at := sig.At
	if at.IsZero() {
		at = m.clock.Now()
	}
	next := models.ConnectionState{IsOnline: sig.Online, Quality: quality, ChangedAt: at}
	m.state = next
	listeners := append([]listenerEntry(nil), m.listeners...)
	m.mu.Unlock()

	if prev.IsOnline != next.IsOnline {
		m.logger.Info().Bool("online", next.IsOnline).Str("quality", string(next.Quality)).Msg("connectivity changed")
		metrics.SetOnline(next.IsOnline)
	}
	if m.bus != nil {
		if err := m.bus.PublishJSON(events.EventConnectivityChanged, next); err != nil {
			m.logger.Warn().Err(err).Msg("publish connectivity event")
		}
	}

	for _, l := range listeners {
		l.fn(prev, next)
	}
}

// Run consumes src until ctx is done or the source closes its channel.
func (m *Monitor) Run(ctx context.Context, src domain.ConnectivitySource) error {
	signals, err := src.Signals(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			m.Observe(sig)
		}
	}
}
