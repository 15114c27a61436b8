package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trialsync/internal/models"
	"trialsync/internal/queue"
	"trialsync/internal/repository"
	"trialsync/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type scriptedCommitter struct {
	mu      sync.Mutex
	results []error
	calls   []models.Mutation
}

func (s *scriptedCommitter) Commit(ctx context.Context, m models.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, m)
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

type staticStatus bool

func (s staticStatus) IsOnline() bool { return bool(s) }

// instantClock records requested waits and fires them immediately.
type instantClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Unix(0, 0) }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

type mockOverlays struct{ mock.Mock }

func (m *mockOverlays) Mark(o models.Overlay) { m.Called(o.RecordID, o.OperationID) }

func (m *mockOverlays) Discard(recordID string, operationID int64, reason string) {
	m.Called(recordID, operationID, reason)
}

type localState struct {
	value   int
	applied int
	undone  int
}

func (s *localState) update(v int) Update {
	prev := s.value
	return Update{
		TargetID: "run-1",
		Payload:  json.RawMessage(fmt.Sprintf(`{"faults":%d}`, v)),
		Apply: func() error {
			s.value = v
			s.applied++
			return nil
		},
		Rollback: func() {
			s.value = prev
			s.undone++
		},
	}
}

func newQueue(t *testing.T, committer *scriptedCommitter) *queue.Queue {
	t.Helper()
	q, err := queue.New(context.Background(), queue.Options{
		Store:     repository.NewMemoryStore(),
		Committer: committer,
	})
	require.NoError(t, err)
	return q
}

func TestSubmitCommitsFirstTry(t *testing.T) {
	committer := &scriptedCommitter{}
	q := newQueue(t, committer)
	c := NewCoordinator(committer, q, staticStatus(true), Config{MaxRetries: 3}, nil)
	state := &localState{}

	res, err := c.Submit(context.Background(), state.update(5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 5, state.value)
	assert.Equal(t, 0, state.undone)
}

func TestSubmitRecoversFromTransientNetworkErrors(t *testing.T) {
	committer := &scriptedCommitter{results: []error{syncerr.ErrNetwork, syncerr.ErrNetwork}}
	q := newQueue(t, committer)
	clk := &instantClock{}
	c := NewCoordinator(committer, q, staticStatus(true), Config{MaxRetries: 3, RetryDelay: time.Second}, nil, WithClock(clk))
	state := &localState{}

	res, err := c.Submit(context.Background(), state.update(5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 5, state.value)
	assert.Empty(t, q.List(), "no queue entry for a live success")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.waits)

	// Every attempt carries the same operation id.
	require.Len(t, committer.calls, 3)
	assert.Equal(t, committer.calls[0].IdempotencyKey(), committer.calls[2].IdempotencyKey())
}

func TestSubmitValidationErrorRollsBackImmediately(t *testing.T) {
	rejected := fmt.Errorf("judge not assigned: %w", syncerr.ErrValidation)
	committer := &scriptedCommitter{results: []error{rejected}}
	q := newQueue(t, committer)
	clk := &instantClock{}
	c := NewCoordinator(committer, q, staticStatus(true), Config{MaxRetries: 3}, nil, WithClock(clk))
	state := &localState{value: 2}

	res, err := c.Submit(context.Background(), state.update(5))
	require.ErrorIs(t, err, syncerr.ErrValidation)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, state.value)
	assert.Equal(t, 1, state.undone)
	assert.Empty(t, clk.waits, "no retry after rejection")
	assert.Empty(t, q.List())
}

func TestSubmitOfflineHandsOffToQueue(t *testing.T) {
	committer := &scriptedCommitter{results: []error{syncerr.ErrNetwork}}
	q := newQueue(t, committer)
	c := NewCoordinator(committer, q, staticStatus(false), Config{MaxRetries: 3}, nil, WithClock(&instantClock{}))
	state := &localState{}

	res, err := c.Submit(context.Background(), state.update(7))
	require.NoError(t, err, "queued writes are not failures")
	assert.Equal(t, OutcomeQueued, res.Outcome)
	require.NotNil(t, res.Item)
	assert.Equal(t, res.OperationID, res.Item.OperationID)
	assert.Equal(t, 7, state.value, "local change is kept")
	assert.Equal(t, 0, state.undone)
	assert.Len(t, q.List(), 1)
}

func TestSubmitExhaustedOnlineRollsBack(t *testing.T) {
	committer := &scriptedCommitter{results: []error{
		syncerr.ErrNetwork, syncerr.ErrNetwork, syncerr.ErrNetwork, syncerr.ErrNetwork,
	}}
	q := newQueue(t, committer)
	clk := &instantClock{}
	c := NewCoordinator(committer, q, staticStatus(true), Config{MaxRetries: 3, RetryDelay: 10 * time.Millisecond}, nil, WithClock(clk))
	state := &localState{}

	res, err := c.Submit(context.Background(), state.update(1))
	require.ErrorIs(t, err, syncerr.ErrNetwork)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 1, state.undone)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, clk.waits)
}

func TestRetryDelayIsLinear(t *testing.T) {
	c := NewCoordinator(nil, nil, nil, Config{MaxRetries: 3, RetryDelay: 250 * time.Millisecond}, nil)
	for k := 1; k <= 3; k++ {
		assert.Equal(t, time.Duration(k)*250*time.Millisecond, c.RetryDelay(k))
	}
}

func TestSubmitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	committer := &scriptedCommitter{results: []error{context.Canceled}}
	q := newQueue(t, committer)
	c := NewCoordinator(committer, q, staticStatus(true), Config{MaxRetries: 3}, nil)
	state := &localState{}

	res, err := c.Submit(ctx, state.update(1))
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, 1, state.undone)
}

func TestSubmitApplyFailureSkipsCommit(t *testing.T) {
	committer := &scriptedCommitter{}
	c := NewCoordinator(committer, newQueue(t, committer), staticStatus(true), Config{}, nil)

	_, err := c.Submit(context.Background(), Update{
		TargetID: "run-1",
		Apply:    func() error { return errors.New("run closed") },
	})
	assert.Error(t, err)
	assert.Empty(t, committer.calls)
}

type failingEnqueuer struct{}

func (failingEnqueuer) NextOperationID() int64 { return 1 }

func (failingEnqueuer) EnqueueMutation(ctx context.Context, m models.Mutation) (*models.QueueItem, error) {
	return nil, syncerr.ErrStorage
}

func TestSubmitHandOffFailureRollsBack(t *testing.T) {
	committer := &scriptedCommitter{results: []error{syncerr.ErrNetwork}}
	c := NewCoordinator(committer, failingEnqueuer{}, staticStatus(false), Config{}, nil)
	state := &localState{}

	res, err := c.Submit(context.Background(), state.update(1))
	assert.ErrorIs(t, err, syncerr.ErrStorage)
	assert.ErrorIs(t, err, syncerr.ErrNetwork)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, 1, state.undone)
}

func TestSubmitTracksOverlays(t *testing.T) {
	committer := &scriptedCommitter{results: []error{nil, syncerr.ErrValidation}}
	q := newQueue(t, committer)
	overlays := &mockOverlays{}
	c := NewCoordinator(committer, q, staticStatus(true), Config{}, nil, WithOverlays(overlays))

	overlays.On("Mark", "run-1", int64(1)).Once()
	res, err := c.Submit(context.Background(), (&localState{}).update(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.OperationID)

	overlays.On("Mark", "run-1", int64(2)).Once()
	overlays.On("Discard", "run-1", int64(2), "rejected").Once()
	_, err = c.Submit(context.Background(), (&localState{}).update(2))
	assert.Error(t, err)

	overlays.AssertExpectations(t)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "committed", OutcomeCommitted.String())
	assert.Equal(t, "queued", OutcomeQueued.String())
	assert.Equal(t, "rolled_back", OutcomeRolledBack.String())
}
