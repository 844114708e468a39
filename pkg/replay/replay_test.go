package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	queue  *queue.Queue
	store  storage.Store
	clock  *clock.MockClock
	broker *events.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	// One transient failure is enough to dead-letter a pos job
	pos := cfg.Providers[types.ProviderPOS]
	pos.MaxAttempts = 1
	cfg.Providers[types.ProviderPOS] = pos
	clk := clock.NewMockClock(t0)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q := queue.New(store, clk, &cfg, broker)
	return &fixture{
		engine: New(q, clk, broker),
		queue:  q,
		store:  store,
		clock:  clk,
		broker: broker,
	}
}

func stockUpdate(product string) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Operation: types.OpUpdateStock,
		Provider:  types.ProviderPOS,
		Payload:   json.RawMessage(fmt.Sprintf(`{"outlet_id":"outlet-1","product_id":%q,"count":4}`, product)),
	}
}

// deadLetter enqueues a job and fails it permanently
func (f *fixture) deadLetter(t *testing.T, req queue.EnqueueRequest) *types.SyncJob {
	t.Helper()
	return f.deadLetterWith(t, req, &provider.Error{Kind: types.ErrorPermanentValidation, Status: 422})
}

func (f *fixture) deadLetterWith(t *testing.T, req queue.EnqueueRequest, cause error) *types.SyncJob {
	t.Helper()
	ctx := context.Background()
	job, created, err := f.queue.Enqueue(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	claimed, err := f.queue.DequeueBatch(ctx, 100)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	failed, err := f.queue.Fail(ctx, job.ID, cause)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusDeadLettered, failed.Status)
	return failed
}

func TestReplayDeadLettersInBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.deadLetter(t, stockUpdate(fmt.Sprintf("prod-%d", i))).ID)
		f.clock.Add(time.Second)
	}

	summary, err := f.engine.Replay(ctx, Filter{Source: SourceDeadLetter}, 2, 3*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Selected)
	assert.Equal(t, 5, summary.Rearmed)
	assert.Equal(t, 3, summary.Batches)
	assert.False(t, summary.Cancelled)
	assert.ElementsMatch(t, ids, summary.JobIDs)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, f.clock.Sleeps())

	for _, id := range ids {
		job, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusPending, job.Status)
		assert.Equal(t, 0, job.Attempts)
	}

	open, err := f.queue.DeadLetters(ctx, storage.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := f.queue.DeadLetters(ctx, storage.DeadLetterFilter{IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for _, entry := range all {
		assert.Equal(t, types.ResolutionReplayed, entry.Resolution)
	}
}

func TestReplayTwiceIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deadLetter(t, stockUpdate("prod-1"))

	first, err := f.engine.Replay(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Rearmed)

	// The entry is resolved, so nothing is selected the second time
	second, err := f.engine.Replay(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Selected)

	jobs, err := f.queue.List(ctx, storage.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestReplayHistoryDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _, err := f.queue.Enqueue(ctx, stockUpdate("prod-1"))
	require.NoError(t, err)
	_, err = f.queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	_, err = f.queue.Complete(ctx, job.ID)
	require.NoError(t, err)

	summary, err := f.engine.Replay(ctx, Filter{Source: SourceHistory}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Selected)
	assert.Equal(t, 1, summary.NoOps)
	assert.Zero(t, summary.Rearmed)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSucceeded, got.Status)

	pending, err := f.queue.List(ctx, storage.JobFilter{Status: types.JobStatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayRetryableHoldsPermanentFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	timeout := f.deadLetterWith(t, stockUpdate("prod-1"), &provider.Error{Kind: types.ErrorTransientNetwork, Detail: "timeout"})
	throttled := f.deadLetterWith(t, stockUpdate("prod-2"), &provider.Error{Kind: types.ErrorTransientRateLimited, Status: 429})
	auth := f.deadLetterWith(t, stockUpdate("prod-3"), &provider.Error{Kind: types.ErrorPermanentAuth, Status: 401})
	invalid := f.deadLetter(t, stockUpdate("prod-4"))

	summary, err := f.engine.Replay(ctx, Filter{Source: SourceDeadLetter, Retryable: true}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Selected)
	assert.Equal(t, 2, summary.Held)
	assert.Equal(t, 2, summary.Rearmed)
	assert.ElementsMatch(t, []string{timeout.ID, throttled.ID}, summary.JobIDs)

	for _, id := range []string{auth.ID, invalid.ID} {
		job, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusDeadLettered, job.Status)
	}

	open, err := f.queue.DeadLetters(ctx, storage.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, open, 2)
	for _, entry := range open {
		assert.False(t, entry.Resolved)
	}

	// An operator replay without the filter still reaches them
	summary, err = f.engine.Replay(ctx, Filter{Source: SourceDeadLetter}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Rearmed)
	assert.Zero(t, summary.Held)
}

func TestReplayRetryableLimitSkipsHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deadLetter(t, stockUpdate("prod-1"))
	f.clock.Add(time.Second)
	want := f.deadLetterWith(t, stockUpdate("prod-2"), &provider.Error{Kind: types.ErrorTransientNetwork})
	f.clock.Add(time.Second)
	f.deadLetterWith(t, stockUpdate("prod-3"), &provider.Error{Kind: types.ErrorTransientNetwork})

	summary, err := f.engine.Replay(ctx, Filter{Retryable: true, Limit: 1}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{want.ID}, summary.JobIDs)
	assert.Equal(t, 1, summary.Held)
}

func TestReplayFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.deadLetter(t, stockUpdate("prod-old"))
	f.clock.Add(2 * time.Hour)
	f.deadLetter(t, stockUpdate("prod-new"))

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"other provider", Filter{Provider: types.ProviderAccounting}, 0},
		{"other operation", Filter{Operation: types.OpSubmitTimesheet}, 0},
		{"min age", Filter{MinAge: time.Hour}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := f.engine.Replay(ctx, tt.filter, 10, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, summary.Selected)
		})
	}

	got, err := f.queue.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
}

// cancellingClock cancels the replay the first time it is asked to sleep
type cancellingClock struct {
	*clock.MockClock
	cancel context.CancelFunc
}

func (c *cancellingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.cancel()
	return c.MockClock.Sleep(ctx, d)
}

func TestReplayCancelledBetweenBatches(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.deadLetter(t, stockUpdate(fmt.Sprintf("prod-%d", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := New(f.queue, &cancellingClock{MockClock: f.clock, cancel: cancel}, nil)

	summary, err := engine.Replay(ctx, Filter{}, 2, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.Batches)
	assert.Equal(t, 2, summary.Rearmed)

	open, err := f.queue.DeadLetters(context.Background(), storage.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestReplayAlreadyCancelled(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, stockUpdate("prod-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.engine.Replay(ctx, Filter{}, 10, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Zero(t, summary.Rearmed)
}

func TestReplayValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Replay(context.Background(), Filter{}, 0, 0)
	assert.Error(t, err)

	_, err = f.engine.Replay(context.Background(), Filter{Source: "archive"}, 10, 0)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.deadLetter(t, stockUpdate("prod-1"))

	_, err := f.engine.Resolve(ctx, job.ID, "", "fixed by hand")
	assert.Error(t, err)

	entry, err := f.engine.Resolve(ctx, job.ID, "ops@example.com", "fixed by hand")
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionManual, entry.Resolution)
	assert.Equal(t, "ops@example.com", entry.ResolvedBy)

	summary, err := f.engine.Replay(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, summary.Selected)

	_, err = f.engine.Resolve(ctx, "missing", "ops@example.com", "")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}
