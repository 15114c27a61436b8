// Package reconcile retires local pending overlays once the authoritative
// state of a record has been observed.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"trialsync/internal/clock"
	"trialsync/internal/domain"
	"trialsync/internal/events"
	"trialsync/internal/models"

	"github.com/rs/zerolog"
)

const (
	ReasonObserved  = "observed"
	ReasonTimeout   = "timeout"
	ReasonDiscarded = "discarded"
)

// Overlays tracks at most one pending overlay per record. A commit response
// never clears an overlay; only Observe, Discard or the fallback timer do.
type Overlays struct {
	mu       sync.Mutex
	pending  map[string]models.Overlay
	timers   map[string]chan struct{}
	fallback time.Duration
	clock    clock.Clock
	bus      domain.EventPublisher
	logger   *zerolog.Logger
}

type Option func(*Overlays)

// WithFallbackTimeout force-clears an overlay that has not been confirmed
// within d. Zero disables the timer.
func WithFallbackTimeout(d time.Duration) Option { return func(o *Overlays) { o.fallback = d } }

func WithClock(c clock.Clock) Option { return func(o *Overlays) { o.clock = c } }

func WithPublisher(p domain.EventPublisher) Option { return func(o *Overlays) { o.bus = p } }

func NewOverlays(logger *zerolog.Logger, opts ...Option) *Overlays {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	o := &Overlays{
		pending: make(map[string]models.Overlay),
		timers:  make(map[string]chan struct{}),
		clock:   clock.Real(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Mark records overlay as pending, replacing any older overlay for the record.
func (o *Overlays) Mark(overlay models.Overlay) {
	if overlay.Since.IsZero() {
		overlay.Since = o.clock.Now()
	}

	o.mu.Lock()
	o.pending[overlay.RecordID] = overlay
	o.stopTimerLocked(overlay.RecordID)
	var stop chan struct{}
	if o.fallback > 0 {
		stop = make(chan struct{})
		o.timers[overlay.RecordID] = stop
	}
	o.mu.Unlock()

	if stop != nil {
		go o.expire(overlay.RecordID, overlay.OperationID, stop)
	}
}

func (o *Overlays) expire(recordID string, operationID int64, stop chan struct{}) {
	select {
	case <-stop:
		return
	case <-o.clock.After(o.fallback):
	}

	o.mu.Lock()
	cur, ok := o.pending[recordID]
	if !ok || cur.OperationID != operationID || o.timers[recordID] != stop {
		o.mu.Unlock()
		return
	}
	delete(o.pending, recordID)
	delete(o.timers, recordID)
	o.mu.Unlock()

	o.logger.Warn().Str("record_id", recordID).Int64("operation_id", operationID).
		Dur("timeout", o.fallback).Msg("overlay cleared without authoritative update")
	o.publish(recordID, operationID, ReasonTimeout)
}

// Observe applies an authoritative update. It reports whether an overlay was
// retired; repeated updates for the same record are no-ops. An update
// carrying an operation id older than the pending overlay does not clear it.
func (o *Overlays) Observe(update models.RecordUpdate) bool {
	o.mu.Lock()
	cur, ok := o.pending[update.RecordID]
	if !ok || (update.OperationID != 0 && update.OperationID < cur.OperationID) {
		o.mu.Unlock()
		return false
	}
	delete(o.pending, update.RecordID)
	o.stopTimerLocked(update.RecordID)
	o.mu.Unlock()

	o.logger.Debug().Str("record_id", update.RecordID).Int64("operation_id", cur.OperationID).Msg("overlay reconciled")
	o.publish(update.RecordID, cur.OperationID, ReasonObserved)
	return true
}

// Discard drops the overlay for recordID if it belongs to operationID.
func (o *Overlays) Discard(recordID string, operationID int64, reason string) {
	o.mu.Lock()
	cur, ok := o.pending[recordID]
	if !ok || cur.OperationID != operationID {
		o.mu.Unlock()
		return
	}
	delete(o.pending, recordID)
	o.stopTimerLocked(recordID)
	o.mu.Unlock()

	o.publish(recordID, operationID, reason)
}

func (o *Overlays) IsPending(recordID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[recordID]
	return ok
}

// Get returns the pending overlay for recordID.
func (o *Overlays) Get(recordID string) (models.Overlay, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ov, ok := o.pending[recordID]
	return ov, ok
}

// Pending lists overlays ordered by record id.
func (o *Overlays) Pending() []models.Overlay {
	o.mu.Lock()
	out := make([]models.Overlay, 0, len(o.pending))
	for _, ov := range o.pending {
		out = append(out, ov)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

func (o *Overlays) stopTimerLocked(recordID string) {
	if stop, ok := o.timers[recordID]; ok {
		close(stop)
		delete(o.timers, recordID)
	}
}

func (o *Overlays) publish(recordID string, operationID int64, reason string) {
	if o.bus == nil {
		return
	}
	payload := events.OverlayEventPayload{RecordID: recordID, OperationID: operationID, Reason: reason}
	if err := o.bus.PublishJSON(events.EventOverlayCleared, payload); err != nil {
		o.logger.Warn().Err(err).Msg("publish overlay event")
	}
}
