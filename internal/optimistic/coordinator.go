// Package optimistic applies writes locally first and then commits them,
// falling back to the offline queue when the server cannot be reached.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trialsync/internal/clock"
	"trialsync/internal/domain"
	"trialsync/internal/metrics"
	"trialsync/internal/models"
	"trialsync/internal/syncerr"

	"github.com/rs/zerolog"
)

type Outcome int

const (
	// OutcomeCommitted means the server accepted the write.
	OutcomeCommitted Outcome = iota
	// OutcomeQueued means the write was handed to the offline queue.
	OutcomeQueued
	// OutcomeRolledBack means the local change was undone.
	OutcomeRolledBack
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeQueued:
		return "queued"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Enqueuer is the part of the offline queue the coordinator needs.
type Enqueuer interface {
	NextOperationID() int64
	EnqueueMutation(ctx context.Context, m models.Mutation) (*models.QueueItem, error)
}

// OverlayTracker records local changes awaiting authoritative confirmation.
type OverlayTracker interface {
	Mark(overlay models.Overlay)
	Discard(recordID string, operationID int64, reason string)
}

// Update is one logical write. Apply runs synchronously before any network
// call; Rollback must undo it.
type Update struct {
	TargetID string
	Payload  json.RawMessage
	Apply    func() error
	Rollback func()
}

type Result struct {
	Outcome     Outcome
	OperationID int64
	Attempts    int
	// Item is set when the write was queued.
	Item *models.QueueItem
}

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

type Coordinator struct {
	committer domain.Committer
	queue     Enqueuer
	status    domain.StatusProvider
	overlays  OverlayTracker
	cfg       Config
	clock     clock.Clock
	logger    *zerolog.Logger
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clock = c } }

func WithOverlays(t OverlayTracker) Option { return func(co *Coordinator) { co.overlays = t } }

func NewCoordinator(committer domain.Committer, queue Enqueuer, status domain.StatusProvider, cfg Config, logger *zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = models.DefaultLiveRetryDelay
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	c := &Coordinator{
		committer: committer,
		queue:     queue,
		status:    status,
		cfg:       cfg,
		clock:     clock.Real(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RetryDelay is the wait after the given failed attempt (1-based).
func (c *Coordinator) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.cfg.RetryDelay * time.Duration(attempt)
}

// Submit applies u locally and commits it. A write handed to the offline
// queue is reported as OutcomeQueued with a nil error.
func (c *Coordinator) Submit(ctx context.Context, u Update) (Result, error) {
	if u.TargetID == "" {
		return Result{}, fmt.Errorf("target id is required: %w", syncerr.ErrValidation)
	}
	if u.Apply != nil {
		if err := u.Apply(); err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", u.TargetID, err)
		}
	}

	m := models.Mutation{TargetID: u.TargetID, OperationID: c.queue.NextOperationID(), Payload: u.Payload}
	res := Result{OperationID: m.OperationID}
	if c.overlays != nil {
		c.overlays.Mark(models.Overlay{
			RecordID:    m.TargetID,
			OperationID: m.OperationID,
			Payload:     m.Payload,
			Since:       c.clock.Now(),
		})
	}

	log := c.logger.With().Str("target_id", m.TargetID).Int64("operation_id", m.OperationID).Logger()
	maxAttempts := c.cfg.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err := c.committer.Commit(ctx, m)
		if err == nil {
			metrics.IncCommit("live", "success")
			log.Debug().Int("attempt", attempt).Msg("write committed")
			res.Outcome = OutcomeCommitted
			return res, nil
		}
		lastErr = err

		switch syncerr.Classify(err) {
		case syncerr.ClassCancelled:
			metrics.IncCommit("live", "cancelled")
			return c.rollback(u, m, res, "cancelled", fmt.Errorf("commit %s: %w", m.IdempotencyKey(), syncerr.ErrCancelled))
		case syncerr.ClassNetwork:
			metrics.IncCommit("live", "network_error")
			if !c.online() {
				return c.handOff(ctx, u, m, res, err)
			}
		default:
			metrics.IncCommit("live", "rejected")
			log.Warn().Err(err).Msg("write rejected")
			return c.rollback(u, m, res, "rejected", err)
		}

		if attempt == maxAttempts {
			break
		}
		delay := c.RetryDelay(attempt)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying write")
		select {
		case <-ctx.Done():
			return c.rollback(u, m, res, "cancelled", fmt.Errorf("commit %s: %w", m.IdempotencyKey(), syncerr.ErrCancelled))
		case <-c.clock.After(delay):
		}
	}

	log.Warn().Err(lastErr).Int("attempts", res.Attempts).Msg("live retries exhausted")
	return c.rollback(u, m, res, "exhausted", fmt.Errorf("commit %s after %d attempts: %w", m.IdempotencyKey(), res.Attempts, lastErr))
}

func (c *Coordinator) online() bool {
	return c.status == nil || c.status.IsOnline()
}

func (c *Coordinator) handOff(ctx context.Context, u Update, m models.Mutation, res Result, cause error) (Result, error) {
	item, err := c.queue.EnqueueMutation(context.WithoutCancel(ctx), m)
	if err != nil {
		c.logger.Error().Err(err).Str("target_id", m.TargetID).Msg("offline handoff failed")
		return c.rollback(u, m, res, "queue_failed", errors.Join(cause, err))
	}
	res.Outcome = OutcomeQueued
	res.Item = item
	c.logger.Info().Str("target_id", m.TargetID).Int64("operation_id", m.OperationID).Msg("write saved for sync")
	return res, nil
}

func (c *Coordinator) rollback(u Update, m models.Mutation, res Result, reason string, err error) (Result, error) {
	if u.Rollback != nil {
		u.Rollback()
	}
	if c.overlays != nil {
		c.overlays.Discard(m.TargetID, m.OperationID, reason)
	}
	res.Outcome = OutcomeRolledBack
	return res, err
}
